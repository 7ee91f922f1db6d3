package instancedb

import (
	"github.com/cuttlefish-host/cvdd/internal/cvderr"
)

// Database is one user's registry of instance groups.
type Database struct {
	groups       []*Group
	byName       map[string]*Group
	byHome       map[string]*Group
	byInstanceID map[int]*Group
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{
		byName:       make(map[string]*Group),
		byHome:       make(map[string]*Group),
		byInstanceID: make(map[int]*Group),
	}
}

// AddGroup validates uniqueness of group_name and home_dir and adds an
// empty group, returning a handle to it.
func (d *Database) AddGroup(spec GroupSpec) (*Group, error) {
	if err := validateGroupSpec(spec); err != nil {
		return nil, err
	}
	if _, ok := d.byName[spec.GroupName]; ok {
		return nil, cvderr.AlreadyExistsf("group %q already exists", spec.GroupName)
	}
	if _, ok := d.byHome[spec.HomeDir]; ok {
		return nil, cvderr.AlreadyExistsf("home_dir %q already in use", spec.HomeDir)
	}

	g := &Group{
		GroupName:         spec.GroupName,
		HomeDir:           spec.HomeDir,
		HostArtifactsPath: spec.HostArtifactsPath,
		ProductOutPath:    spec.ProductOutPath,
	}
	d.groups = append(d.groups, g)
	d.byName[g.GroupName] = g
	d.byHome[g.HomeDir] = g
	return g, nil
}

// AddInstances appends instances to an existing group. Fails with
// NotFound if the group is absent, AlreadyExists if any id or
// (group, name) pair collides.
func (d *Database) AddInstances(groupName string, specs []InstanceSpec) error {
	g, ok := d.byName[groupName]
	if !ok {
		return cvderr.NotFoundf("group %q not found", groupName)
	}

	seenNames := make(map[string]bool, len(g.instances))
	for _, existing := range g.instances {
		seenNames[existing.PerInstanceName] = true
	}

	// Validate the whole batch before mutating anything, so a failure
	// partway through a multi-instance AddInstances call never leaves
	// the group with a subset of the requested instances applied.
	for _, spec := range specs {
		if err := validateInstanceSpec(spec); err != nil {
			return err
		}
		if _, ok := d.byInstanceID[spec.ID]; ok {
			return cvderr.AlreadyExistsf("instance id %d already in use", spec.ID)
		}
		if seenNames[spec.Name] {
			return cvderr.AlreadyExistsf("instance name %q already used in group %q", spec.Name, groupName)
		}
		seenNames[spec.Name] = true
	}

	for _, spec := range specs {
		inst := &Instance{ID: spec.ID, PerInstanceName: spec.Name}
		g.instances = append(g.instances, inst)
		d.byInstanceID[spec.ID] = g
	}
	return nil
}

// RemoveGroup removes the group and all its instances. Idempotent: a
// group not present in the database (or already removed) is a no-op.
func (d *Database) RemoveGroup(g *Group) {
	if g == nil {
		return
	}
	current, ok := d.byName[g.GroupName]
	if !ok || current != g {
		return
	}

	for i, candidate := range d.groups {
		if candidate == g {
			d.groups = append(d.groups[:i], d.groups[i+1:]...)
			break
		}
	}
	delete(d.byName, g.GroupName)
	delete(d.byHome, g.HomeDir)
	for _, inst := range g.instances {
		delete(d.byInstanceID, inst.ID)
	}
}

// SetBuildId fails with NotFound if the group is absent.
func (d *Database) SetBuildId(groupName, buildID string) error {
	g, ok := d.byName[groupName]
	if !ok {
		return cvderr.NotFoundf("group %q not found", groupName)
	}
	g.BuildID = &buildID
	return nil
}

// IsEmpty reports whether the database has no groups.
func (d *Database) IsEmpty() bool {
	return len(d.groups) == 0
}

// Groups returns groups in insertion order. Callers that need to
// escape the caller's critical section should Copy() each element.
func (d *Database) Groups() []*Group {
	out := make([]*Group, len(d.groups))
	copy(out, d.groups)
	return out
}

// Clear removes every group and instance.
func (d *Database) Clear() {
	d.groups = nil
	d.byName = make(map[string]*Group)
	d.byHome = make(map[string]*Group)
	d.byInstanceID = make(map[int]*Group)
}

// FindGroups returns groups matching every query in the conjunction,
// in insertion order. An empty queries slice matches every group. An
// empty result is not an error.
func (d *Database) FindGroups(queries []Query) []*Group {
	var out []*Group
	for _, g := range d.groups {
		if groupSatisfies(g, queries) {
			out = append(out, g)
		}
	}
	return out
}

func groupSatisfies(g *Group, queries []Query) bool {
	for _, q := range queries {
		if matched, applicable := matchGroup(g, q); applicable {
			if !matched {
				return false
			}
			continue
		}
		// A query field that only makes sense against an instance (id,
		// per_instance_name, device_name, composite) is satisfied for a
		// group-level match iff at least one instance in the group
		// matches it.
		found := false
		for _, inst := range g.instances {
			if matchInstance(g, inst, q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// InstanceRef is a detached reference to one instance plus the name of
// its owning group, safe to use outside the critical section.
type InstanceRef struct {
	GroupName string
	Instance  Instance
}

// DeviceName derives this ref's device name.
func (r InstanceRef) DeviceName() string {
	return DeviceName(r.GroupName, r.Instance.PerInstanceName)
}

// FindInstances returns instances matching every query in the
// conjunction, in insertion order (grouped by group insertion order,
// then instance insertion order within the group).
func (d *Database) FindInstances(queries []Query) []InstanceRef {
	var out []InstanceRef
	for _, g := range d.groups {
		for _, inst := range g.instances {
			matched := true
			for _, q := range queries {
				if !matchInstance(g, inst, q) {
					matched = false
					break
				}
			}
			if matched {
				out = append(out, InstanceRef{GroupName: g.GroupName, Instance: *inst})
			}
		}
	}
	return out
}
