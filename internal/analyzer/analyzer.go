// Package analyzer translates user-supplied creation arguments into a
// validated materialization plan, reserving lock-file slots for the
// instances it names.
package analyzer

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
	"github.com/cuttlefish-host/cvdd/internal/instancedb"
	"github.com/cuttlefish-host/cvdd/internal/lockfile"
)

// Credential is the submitter's identity triple. Analyze accepts it
// but does not read it; authorization is the RPC layer's concern.
type Credential struct {
	UID int
	GID int
	PID int
}

// Params carries the raw, unparsed request arguments and environment
// for a create subcommand.
type Params struct {
	GroupName        string   // --group_name, empty if unspecified
	InstanceNames     string   // --instance_name, comma-separated, empty if unspecified
	InstanceNum       int      // --instance_num, 0 if unspecified
	BaseInstanceNum   int      // --base_instance_num, 0 if unspecified
	NumInstances      int      // instance count; 0 means default (1)
	IsDefaultGroup    bool     // true if this invocation defines the default group
	HostArtifactsPath string   // --host_artifacts_path, or resolved from environment
	ProductOutPath    string   // --product_out_path, or resolved from environment
	Env               []string // the invoking process's environment, for fallback resolution
}

// PlannedInstance is one instance within a GroupCreationInfo: its
// numeric id, per-instance name, and the lock slot reserved for it.
type PlannedInstance struct {
	InstanceID      int
	PerInstanceName string
	AcquiredLock    *lockfile.Handle
}

// GroupCreationInfo is the output of Analyze: everything needed to
// materialize a group, plus the lock handles reserved for its
// instances. The caller must either commit the plan (leaving the
// locks held, transitioning them to in-use) or release every handle
// if it declines to proceed.
type GroupCreationInfo struct {
	GroupName         string
	HomeDir           string
	HostArtifactsPath string
	ProductOutPath    string
	Instances         []PlannedInstance
}

// ReleaseLocks releases every lock handle reserved by this plan. Safe
// to call after a partial failure; Release is idempotent per handle.
func (g *GroupCreationInfo) ReleaseLocks() {
	for _, inst := range g.Instances {
		if inst.AcquiredLock != nil {
			_ = inst.AcquiredLock.Release()
		}
	}
}

const defaultGroupName = "cvd-1"

// Analyze implements the five-step creation-plan algorithm: resolve
// selectors, resolve the artifacts path, determine instance names,
// pick instance ids (reserving lock slots as it goes), and validate
// the whole plan against db before returning. On any failure, every
// lock slot acquired so far is released before returning the error.
func Analyze(subcmd string, params Params, cred Credential, db *instancedb.Database, locks *lockfile.Manager) (*GroupCreationInfo, error) {
	groupName := params.GroupName
	if groupName == "" {
		groupName = defaultGroupName
	}

	artifactsPath := params.HostArtifactsPath
	if artifactsPath == "" {
		artifactsPath = lookupEnv(params.Env, "ANDROID_HOST_OUT")
	}
	if artifactsPath == "" {
		return nil, cvderr.InvalidArgumentf("host_artifacts_path not specified and ANDROID_HOST_OUT unset")
	}
	if info, err := os.Stat(artifactsPath); err != nil || !info.IsDir() {
		return nil, cvderr.InvalidArgumentf("host_artifacts_path %q is not a readable directory", artifactsPath)
	}

	productOutPath := params.ProductOutPath
	if productOutPath == "" {
		productOutPath = lookupEnv(params.Env, "ANDROID_PRODUCT_OUT")
	}
	if productOutPath == "" {
		productOutPath = artifactsPath
	}

	count := params.NumInstances
	if count <= 0 {
		count = 1
	}

	names, err := resolveInstanceNames(groupName, params.InstanceNames, count)
	if err != nil {
		return nil, err
	}

	homeDir := lookupEnv(params.Env, "HOME")
	if homeDir == "" {
		return nil, cvderr.InvalidArgumentf("HOME not resolvable for group %q", groupName)
	}

	planned, err := assignInstanceIDs(params, locks, count, names)
	if err != nil {
		return nil, err
	}

	plan := &GroupCreationInfo{
		GroupName:         groupName,
		HomeDir:           homeDir,
		HostArtifactsPath: artifactsPath,
		ProductOutPath:    productOutPath,
		Instances:         planned,
	}

	if err := validateAgainstDatabase(db, plan); err != nil {
		plan.ReleaseLocks()
		return nil, err
	}
	return plan, nil
}

func resolveInstanceNames(groupName, rawNames string, count int) ([]string, error) {
	var names []string
	if rawNames != "" {
		for _, n := range strings.Split(rawNames, ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				return nil, cvderr.InvalidArgumentf("instance_name list must not contain empty entries")
			}
			names = append(names, n)
		}
		if len(names) != count {
			return nil, cvderr.InvalidArgumentf("instance_name list has %d entries, expected %d", len(names), count)
		}
	} else {
		for i := 1; i <= count; i++ {
			names = append(names, fmt.Sprintf("%s-%d", groupName, i))
		}
	}

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, cvderr.InvalidArgumentf("duplicate per_instance_name %q in creation request", n)
		}
		seen[n] = true
	}
	return names, nil
}

func assignInstanceIDs(params Params, locks *lockfile.Manager, count int, names []string) ([]PlannedInstance, error) {
	planned := make([]PlannedInstance, 0, count)

	if params.InstanceNum > 0 {
		for i := 0; i < count; i++ {
			planned = append(planned, PlannedInstance{
				InstanceID:      params.InstanceNum + i,
				PerInstanceName: names[i],
			})
		}
		return planned, nil
	}

	for i := 0; i < count; i++ {
		h, ok, err := locks.TryAcquireUnusedLock()
		if err != nil {
			releasePlanned(planned)
			return nil, err
		}
		if !ok {
			releasePlanned(planned)
			return nil, cvderr.Internalf("no free instance slots available (max %d)", locks.MaxSlots())
		}
		planned = append(planned, PlannedInstance{
			InstanceID:      h.Slot(),
			PerInstanceName: names[i],
			AcquiredLock:    h,
		})
	}
	return planned, nil
}

func releasePlanned(planned []PlannedInstance) {
	for _, p := range planned {
		if p.AcquiredLock != nil {
			_ = p.AcquiredLock.Release()
		}
	}
}

func validateAgainstDatabase(db *instancedb.Database, plan *GroupCreationInfo) error {
	existing := db.FindGroups([]instancedb.Query{{Field: instancedb.FieldGroupName, Value: plan.GroupName}})
	if len(existing) > 0 {
		return cvderr.AlreadyExistsf("group %q already exists", plan.GroupName)
	}
	existing = db.FindGroups([]instancedb.Query{{Field: instancedb.FieldHomeDir, Value: plan.HomeDir}})
	if len(existing) > 0 {
		return cvderr.AlreadyExistsf("home_dir %q already in use", plan.HomeDir)
	}

	for _, inst := range plan.Instances {
		byID := db.FindInstances([]instancedb.Query{{Field: instancedb.FieldInstanceID, Value: strconv.Itoa(inst.InstanceID)}})
		if len(byID) > 0 {
			return cvderr.AlreadyExistsf("instance id %d already in use", inst.InstanceID)
		}
	}
	return nil
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}
