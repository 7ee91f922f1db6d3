package instancedb

import "strings"

// Field is drawn from the closed set spec.md §3 defines for queries.
type Field string

const (
	FieldGroupName               Field = "group_name"
	FieldHomeDir                  Field = "home_dir"
	FieldInstanceID               Field = "instance_id"
	FieldPerInstanceName          Field = "per_instance_name"
	FieldDeviceName               Field = "device_name"
	FieldGroupNameAndInstanceName Field = "group_name_and_instance_name"
)

// compositeSep joins group_name and per_instance_name in a
// FieldGroupNameAndInstanceName query value. Neither name may contain
// it (enforced in validateGroupSpec/validateInstanceSpec), so the
// split below is unambiguous.
const compositeSep = "\x1f"

// Query is one (field, value) predicate. A Queries slice is a
// conjunction: an entity must match every predicate to be returned.
type Query struct {
	Field Field
	Value string
}

// Composite builds the FieldGroupNameAndInstanceName query value.
func Composite(groupName, instanceName string) string {
	return groupName + compositeSep + instanceName
}

func splitComposite(value string) (group, instance string) {
	parts := strings.SplitN(value, compositeSep, 2)
	if len(parts) != 2 {
		return value, ""
	}
	return parts[0], parts[1]
}

// matchGroup reports whether a group alone satisfies a query (fields
// that don't depend on any particular instance).
func matchGroup(g *Group, q Query) (matched, applicable bool) {
	switch q.Field {
	case FieldGroupName:
		return g.GroupName == q.Value, true
	case FieldHomeDir:
		return g.HomeDir == q.Value, true
	default:
		return false, false
	}
}

// matchInstance reports whether a (group, instance) pair satisfies a
// query.
func matchInstance(g *Group, inst *Instance, q Query) bool {
	switch q.Field {
	case FieldGroupName:
		return g.GroupName == q.Value
	case FieldHomeDir:
		return g.HomeDir == q.Value
	case FieldInstanceID:
		id, ok := parseID(q.Value)
		return ok && inst.ID == id
	case FieldPerInstanceName:
		return inst.PerInstanceName == q.Value
	case FieldDeviceName:
		return DeviceName(g.GroupName, inst.PerInstanceName) == q.Value
	case FieldGroupNameAndInstanceName:
		group, name := splitComposite(q.Value)
		return g.GroupName == group && inst.PerInstanceName == name
	default:
		return false
	}
}

func parseID(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
