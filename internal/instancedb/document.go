package instancedb

import (
	"encoding/json"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
)

// Document is the on-disk/on-wire shape of a database dump, per
// spec.md §6. It is semantically equivalent to a JSON document tree;
// encoding/json is used directly because JSON serialization is the
// spec's own fixed boundary primitive, not a concern this package
// needs an ecosystem library for (see DESIGN.md).
type Document struct {
	Groups []GroupDocument `json:"groups"`
}

// GroupDocument is one group's entry in a Document.
type GroupDocument struct {
	GroupName         string            `json:"group_name"`
	HomeDir           string            `json:"home_dir"`
	HostArtifactsPath string            `json:"host_artifacts_path"`
	ProductOutPath    string            `json:"product_out_path"`
	BuildID           *string           `json:"build_id,omitempty"`
	Instances         []InstanceDocument `json:"instances"`
}

// InstanceDocument is one instance's entry within a GroupDocument.
type InstanceDocument struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Serialize produces a Document snapshot of the current database.
func (d *Database) Serialize() *Document {
	doc := &Document{Groups: make([]GroupDocument, 0, len(d.groups))}
	for _, g := range d.groups {
		gd := GroupDocument{
			GroupName:         g.GroupName,
			HomeDir:           g.HomeDir,
			HostArtifactsPath: g.HostArtifactsPath,
			ProductOutPath:    g.ProductOutPath,
			Instances:         make([]InstanceDocument, 0, len(g.instances)),
		}
		if g.BuildID != nil {
			id := *g.BuildID
			gd.BuildID = &id
		}
		for _, inst := range g.instances {
			gd.Instances = append(gd.Instances, InstanceDocument{ID: inst.ID, Name: inst.PerInstanceName})
		}
		doc.Groups = append(doc.Groups, gd)
	}
	return doc
}

// MarshalJSON is a convenience wrapper so callers can persist the
// registry with a single call.
func (d *Database) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Serialize())
}

// LoadFrom replaces the database's contents with the groups and
// instances described by doc. Must only be called on an empty
// database; fails with Internal otherwise (the source enforces the
// same precondition on load). Fails with SchemaMismatch on malformed
// or inconsistent documents, without mutating the database.
func (d *Database) LoadFrom(doc *Document) error {
	if !d.IsEmpty() {
		return cvderr.Internalf("LoadFrom called on a non-empty database")
	}
	if doc == nil {
		return cvderr.SchemaMismatchf("document is nil")
	}

	// Build into a scratch database first, so a schema error partway
	// through never leaves d half-loaded.
	scratch := NewDatabase()
	for _, gd := range doc.Groups {
		g, err := scratch.AddGroup(GroupSpec{
			GroupName:         gd.GroupName,
			HomeDir:           gd.HomeDir,
			HostArtifactsPath: gd.HostArtifactsPath,
			ProductOutPath:    gd.ProductOutPath,
		})
		if err != nil {
			return cvderr.SchemaMismatchf("loading group %q: %v", gd.GroupName, err)
		}
		if gd.BuildID != nil {
			g.BuildID = gd.BuildID
		}
		specs := make([]InstanceSpec, 0, len(gd.Instances))
		for _, id := range gd.Instances {
			specs = append(specs, InstanceSpec{ID: id.ID, Name: id.Name})
		}
		if len(specs) > 0 {
			if err := scratch.AddInstances(gd.GroupName, specs); err != nil {
				return cvderr.SchemaMismatchf("loading instances for group %q: %v", gd.GroupName, err)
			}
		}
	}

	d.groups = scratch.groups
	d.byName = scratch.byName
	d.byHome = scratch.byHome
	d.byInstanceID = scratch.byInstanceID
	return nil
}

// UnmarshalDocument parses raw JSON into a Document.
func UnmarshalDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cvderr.SchemaMismatchf("invalid document JSON: %v", err)
	}
	return &doc, nil
}
