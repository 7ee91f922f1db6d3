// Package instancedb is the per-user, in-memory registry of instance
// groups and their instances. It answers the closed query sublanguage
// of spec.md §3 and round-trips to a JSON document tree. Concurrent
// access is not this package's responsibility — the caller (the
// Instance Manager) serializes every call behind its own mutex.
package instancedb

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
)

// Instance is a single locally-launched virtual device process tree,
// always a member of exactly one Group.
type Instance struct {
	ID              int
	PerInstanceName string
}

// DeviceName derives the device name from the owning group's name and
// this instance's per-instance name, per the GLOSSARY.
func DeviceName(groupName, perInstanceName string) string {
	return groupName + "-" + perInstanceName
}

// Group is a set of instances launched together, sharing host
// artifacts and a home directory. Instances preserve insertion order
// for deterministic listing.
type Group struct {
	GroupName         string
	HomeDir           string
	HostArtifactsPath string
	ProductOutPath    string
	BuildID           *string

	instances []*Instance
}

// GroupSpec is the input to AddGroup: everything about a group except
// its (initially empty) instance list.
type GroupSpec struct {
	GroupName         string
	HomeDir           string
	HostArtifactsPath string
	ProductOutPath    string
}

// InstanceSpec is one element of the input to AddInstances.
type InstanceSpec struct {
	ID   int
	Name string
}

// Instances returns a defensive copy of the group's instances in
// insertion order.
func (g *Group) Instances() []*Instance {
	out := make([]*Instance, len(g.instances))
	copy(out, g.instances)
	return out
}

// Copy returns a detached, immutable snapshot of the group safe to use
// outside the critical section — mirrors the source's Instance::Copy.
func (g *Group) Copy() *Group {
	cp := &Group{
		GroupName:         g.GroupName,
		HomeDir:           g.HomeDir,
		HostArtifactsPath: g.HostArtifactsPath,
		ProductOutPath:    g.ProductOutPath,
		instances:         g.Instances(),
	}
	if g.BuildID != nil {
		id := *g.BuildID
		cp.BuildID = &id
	}
	return cp
}

func validateName(field, value string) error {
	if value == "" {
		return cvderr.InvalidArgumentf("%s must not be empty", field)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return cvderr.InvalidArgumentf("%s must not contain control characters", field)
		}
	}
	return nil
}

func validateAbsPath(field, value string) error {
	if value == "" {
		return cvderr.InvalidArgumentf("%s must not be empty", field)
	}
	if !filepath.IsAbs(value) {
		return cvderr.InvalidArgumentf("%s must be an absolute path, got %q", field, value)
	}
	return nil
}

func validateGroupSpec(spec GroupSpec) error {
	if err := validateName("group_name", spec.GroupName); err != nil {
		return err
	}
	if err := validateAbsPath("home_dir", spec.HomeDir); err != nil {
		return err
	}
	if strings.Contains(spec.GroupName, "\x1f") {
		return cvderr.InvalidArgumentf("group_name must not contain the reserved separator")
	}
	return nil
}

func validateInstanceSpec(spec InstanceSpec) error {
	if err := validateName("per_instance_name", spec.Name); err != nil {
		return err
	}
	if spec.ID < 1 {
		return cvderr.InvalidArgumentf("instance id must be positive, got %d", spec.ID)
	}
	if strings.Contains(spec.Name, "\x1f") {
		return cvderr.InvalidArgumentf("per_instance_name must not contain the reserved separator")
	}
	return nil
}

func (s InstanceSpec) String() string {
	return fmt.Sprintf("{id:%d name:%s}", s.ID, s.Name)
}
