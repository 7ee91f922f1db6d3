// Package cvdmanager is the orchestrator: it holds every user's
// Instance Database behind a single mutex, delegates to the Creation
// Analyzer for group creation, and to the Subprocess Dispatcher for
// fleet, stop, and clear. It owns the rollback-on-partial-creation and
// version-tolerant stop-retry logic.
package cvdmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuttlefish-host/cvdd/internal/analyzer"
	"github.com/cuttlefish-host/cvdd/internal/cvderr"
	"github.com/cuttlefish-host/cvdd/internal/cvdlog"
	"github.com/cuttlefish-host/cvdd/internal/cvdmetrics"
	"github.com/cuttlefish-host/cvdd/internal/dispatch"
	"github.com/cuttlefish-host/cvdd/internal/hosttools"
	"github.com/cuttlefish-host/cvdd/internal/instancedb"
	"github.com/cuttlefish-host/cvdd/internal/lockfile"
)

// Manager is the Instance Manager: the per-host daemon singleton that
// serializes all registry mutations and orchestrates every end-to-end
// flow. Construct once via NewManager and share across RPC handlers.
type Manager struct {
	mu  sync.Mutex
	dbs map[int]*instancedb.Database

	// heldLocks tracks, per instance id, the lock handle this daemon
	// acquired for it during creation (via the lock manager's
	// try-acquire-unused path). Instances created with an explicit
	// --instance_num have no entry here, since no slot was reserved on
	// their behalf; stop/clear skip those instances' lock bookkeeping,
	// matching "if the lock is not held by this daemon, log and
	// continue."
	heldLocks map[int]*lockfile.Handle

	locks      *lockfile.Manager
	tools      *hosttools.Manager
	dispatcher *dispatch.Dispatcher
	runDir     string
}

// NewManager composes the Instance Manager from its fixed dependency
// graph: lock manager, host-tool target manager, and dispatcher. No DI
// framework — every collaborator is an explicit constructor parameter.
func NewManager(locks *lockfile.Manager, tools *hosttools.Manager, dispatcher *dispatch.Dispatcher, runDir string) *Manager {
	return &Manager{
		dbs:        make(map[int]*instancedb.Database),
		heldLocks:  make(map[int]*lockfile.Handle),
		locks:      locks,
		tools:      tools,
		dispatcher: dispatcher,
		runDir:     runDir,
	}
}

func (m *Manager) dbFor(uid int) *instancedb.Database {
	db, ok := m.dbs[uid]
	if !ok {
		db = instancedb.NewDatabase()
		m.dbs[uid] = db
	}
	return db
}

// Analyze produces a group-creation plan for uid, reserving lock slots
// along the way. The caller must eventually either pass the plan to
// SetInstanceGroup or call plan.ReleaseLocks.
func (m *Manager) Analyze(uid int, subcmd string, params analyzer.Params, cred analyzer.Credential) (*analyzer.GroupCreationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return analyzer.Analyze(subcmd, params, cred, m.dbFor(uid), m.locks)
}

// SetInstanceGroup materializes a previously-analyzed plan: adds an
// empty group, then its instances, rolling the group back as a
// compensating action if any instance add fails, so a partial group is
// never observable. On success, every reserved lock transitions to
// in-use-local and is retained for later release by Stop/Clear.
func (m *Manager) SetInstanceGroup(uid int, plan *analyzer.GroupCreationInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db := m.dbFor(uid)
	g, err := db.AddGroup(instancedb.GroupSpec{
		GroupName:         plan.GroupName,
		HomeDir:           plan.HomeDir,
		HostArtifactsPath: plan.HostArtifactsPath,
		ProductOutPath:    plan.ProductOutPath,
	})
	if err != nil {
		plan.ReleaseLocks()
		return err
	}

	specs := make([]instancedb.InstanceSpec, 0, len(plan.Instances))
	for _, inst := range plan.Instances {
		specs = append(specs, instancedb.InstanceSpec{ID: inst.InstanceID, Name: inst.PerInstanceName})
	}

	if err := db.AddInstances(g.GroupName, specs); err != nil {
		// Compensating action: the group was just added and has no
		// instances recorded yet from this batch (AddInstances is
		// itself all-or-nothing), so removing it restores the
		// pre-call state exactly.
		db.RemoveGroup(g)
		plan.ReleaseLocks()
		cvdmetrics.GroupRollbacksTotal.Inc()
		cvdlog.WithGroup(plan.GroupName).Warn().Err(err).Msg("rolling back partially created group")
		return err
	}

	for _, inst := range plan.Instances {
		if inst.AcquiredLock == nil {
			continue
		}
		if err := inst.AcquiredLock.SetStatus(lockfile.StateInUseLocal); err != nil {
			cvdlog.WithGroup(plan.GroupName).Warn().Err(err).Int("instance_id", inst.InstanceID).Msg("failed to mark slot in-use")
		}
		m.heldLocks[inst.InstanceID] = inst.AcquiredLock
	}

	cvdmetrics.InstanceGroupsTotal.Inc()
	cvdmetrics.InstancesTotal.Add(float64(len(plan.Instances)))
	return nil
}

// SetBuildId fails with NotFound if the group is absent.
func (m *Manager) SetBuildId(uid int, groupName, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dbFor(uid).SetBuildId(groupName, buildID)
}

// FindGroups snapshots matching groups into detached copies before
// releasing the mutex.
func (m *Manager) FindGroups(uid int, queries []instancedb.Query) []*instancedb.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.dbFor(uid).FindGroups(queries)
	out := make([]*instancedb.Group, len(matches))
	for i, g := range matches {
		out[i] = g.Copy()
	}
	return out
}

// FindInstances snapshots matching instances into detached copies
// before releasing the mutex.
func (m *Manager) FindInstances(uid int, queries []instancedb.Query) []instancedb.InstanceRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dbFor(uid).FindInstances(queries)
}

func configFilePath(homeDir string) string {
	return filepath.Join(homeDir, "cuttlefish_assembly", "cuttlefish_config.json")
}

func runtimeDir(homeDir string) string {
	return filepath.Join(homeDir, "cuttlefish_runtime")
}

// --- Fleet ---

// FleetDocument is the aggregate status-listing document spec.md §6
// describes.
type FleetDocument struct {
	Groups []FleetGroupDocument `json:"groups"`
}

// FleetGroupDocument is one group's entry in a FleetDocument.
type FleetGroupDocument struct {
	GroupName string                   `json:"group_name"`
	Instances []map[string]interface{} `json:"instances"`
}

// Fleet iterates uid's groups under lock, snapshotting them, then
// releases the mutex before spawning one status child per instance.
// Per-instance failures are downgraded to a warning line on stderrOut
// and an empty record; the aggregate status is INTERNAL if any group
// produced an error, OK otherwise.
func (m *Manager) Fleet(ctx context.Context, uid int, stderrOut io.Writer) (*FleetDocument, string, error) {
	m.mu.Lock()
	groups := m.dbFor(uid).Groups()
	snapshot := make([]*instancedb.Group, len(groups))
	for i, g := range groups {
		snapshot[i] = g.Copy()
	}
	m.mu.Unlock()

	doc := &FleetDocument{Groups: make([]FleetGroupDocument, 0, len(snapshot))}
	overall := "OK"

	for _, g := range snapshot {
		gdoc := FleetGroupDocument{GroupName: g.GroupName, Instances: make([]map[string]interface{}, 0, len(g.Instances()))}

		statusBin, err := m.tools.Resolve(g.HostArtifactsPath, hosttools.OpStatus)
		if err != nil {
			fmt.Fprintf(stderrOut, "warning: group %s: %v\n", g.GroupName, err)
			overall = "INTERNAL"
			doc.Groups = append(doc.Groups, gdoc)
			continue
		}

		for _, inst := range g.Instances() {
			record, err := m.fleetOneInstance(ctx, statusBin, g, inst)
			if err != nil {
				fmt.Fprintf(stderrOut, "warning: group %s instance %d: %v\n", g.GroupName, inst.ID, err)
				overall = "INTERNAL"
				record = map[string]interface{}{}
			}
			// Always overwrite instance_name with the server-known
			// name; the helper doesn't know it. Compatibility shim:
			// copy a legacy instance_name into webrtc_device_id if the
			// helper omitted the latter.
			if _, hasWebrtc := record["webrtc_device_id"]; !hasWebrtc {
				if legacy, ok := record["instance_name"]; ok {
					record["webrtc_device_id"] = legacy
				}
			}
			record["instance_name"] = inst.PerInstanceName
			gdoc.Instances = append(gdoc.Instances, record)
		}
		doc.Groups = append(doc.Groups, gdoc)
	}

	return doc, overall, nil
}

func (m *Manager) fleetOneInstance(ctx context.Context, statusBin string, g *instancedb.Group, inst *instancedb.Instance) (map[string]interface{}, error) {
	var stdout, stderr bytes.Buffer
	_, err := m.dispatcher.RunCaptured(ctx, dispatch.Command{
		Program: statusBin,
		Args:    []string{"-print"},
		Env:     []string{"HOME=" + g.HomeDir, "CUTTLEFISH_INSTANCE=" + strconv.Itoa(inst.ID)},
		Op:      string(hosttools.OpStatus),
	}, nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	return parseStatusOutput(stdout.Bytes())
}

// parseStatusOutput accepts either a single JSON object or a
// singleton JSON array, per spec.md §8's boundary behavior.
func parseStatusOutput(raw []byte) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}

	var arr []map[string]interface{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, cvderr.SchemaMismatchf("status output is neither an object nor an array: %v", err)
	}
	if len(arr) != 1 {
		return nil, cvderr.SchemaMismatchf("status output array must have exactly one element, got %d", len(arr))
	}
	return arr[0], nil
}

// --- Stop ---

// Stop resolves the stop helper for groupName's artifacts and invokes
// it with --clear_instance_dirs. If that invocation fails, it emits an
// explanatory line to stderrOut and retries once without the flag. If
// the second attempt also fails, it warns but still returns nil
// (stop's own failure is swallowed per spec.md §7(b)); only a
// not-found group is a reportable error. Regardless of helper outcome,
// every instance's held lock is set to not-in-use.
func (m *Manager) Stop(ctx context.Context, uid int, groupName string, stderrOut io.Writer) error {
	m.mu.Lock()
	matches := m.dbFor(uid).FindGroups([]instancedb.Query{{Field: instancedb.FieldGroupName, Value: groupName}})
	if len(matches) == 0 {
		m.mu.Unlock()
		return cvderr.NotFoundf("group %q not found", groupName)
	}
	g := matches[0].Copy()
	m.mu.Unlock()

	m.stopGroup(ctx, g, stderrOut)
	return nil
}

func (m *Manager) stopGroup(ctx context.Context, g *instancedb.Group, stderrOut io.Writer) {
	stopBin, err := m.tools.Resolve(g.HostArtifactsPath, hosttools.OpStop)
	if err != nil {
		fmt.Fprintf(stderrOut, "warning: group %s: %v\n", g.GroupName, err)
	} else {
		env := []string{"HOME=" + g.HomeDir, "CUTTLEFISH_CONFIG_FILE=" + configFilePath(g.HomeDir)}
		_, err := m.dispatcher.Run(ctx, dispatch.Command{
			Program: stopBin,
			Args:    []string{"--clear_instance_dirs"},
			Env:     env,
			Op:      string(hosttools.OpStop),
		})
		if err != nil {
			fmt.Fprintf(stderrOut, "warning: stop --clear_instance_dirs failed for group %s, retrying without it: %v\n", g.GroupName, err)
			cvdmetrics.StopRetriesTotal.Inc()
			_, err = m.dispatcher.Run(ctx, dispatch.Command{
				Program: stopBin,
				Env:     env,
				Op:      string(hosttools.OpStop),
			})
			if err != nil {
				fmt.Fprintf(stderrOut, "warning: stop failed for group %s after retry, continuing: %v\n", g.GroupName, err)
			}
		}
	}

	m.mu.Lock()
	for _, inst := range g.Instances() {
		handle, ok := m.heldLocks[inst.ID]
		if !ok {
			cvdlog.WithGroup(g.GroupName).Info().Int("instance_id", inst.ID).Msg("lock not held by this daemon, skipping release")
			continue
		}
		if err := handle.SetStatus(lockfile.StateNotInUse); err != nil {
			cvdlog.WithGroup(g.GroupName).Warn().Err(err).Int("instance_id", inst.ID).Msg("failed to mark slot not-in-use")
		}
	}
	m.mu.Unlock()
}

// --- Clear ---

// Clear is a barrier: for every user, for every group, it attempts
// stop (best-effort), deletes the group's ephemeral files, then clears
// the database; finally it drops all per-user databases. On return, no
// user has any registered groups. Always reports OK per spec.md §4.6.
func (m *Manager) Clear(ctx context.Context, stderrOut io.Writer) error {
	m.mu.Lock()
	allGroups := make([]*instancedb.Group, 0)
	for _, db := range m.dbs {
		for _, g := range db.Groups() {
			allGroups = append(allGroups, g.Copy())
		}
	}
	m.mu.Unlock()

	for _, g := range allGroups {
		m.stopGroup(ctx, g, stderrOut)
		if err := os.RemoveAll(runtimeDir(g.HomeDir)); err != nil {
			cvdlog.WithGroup(g.GroupName).Warn().Err(err).Msg("failed to remove runtime directory")
		}
		if target, err := os.Readlink(configFilePath(g.HomeDir)); err == nil {
			_ = os.Remove(target)
		}
		_ = os.Remove(configFilePath(g.HomeDir))
	}

	m.mu.Lock()
	for _, handle := range m.heldLocks {
		_ = handle.Release()
	}
	m.heldLocks = make(map[int]*lockfile.Handle)
	m.dbs = make(map[int]*instancedb.Database)
	cvdmetrics.InstanceGroupsTotal.Set(0)
	cvdmetrics.InstancesTotal.Set(0)
	m.mu.Unlock()

	fmt.Fprintln(stderrOut, "Stopped all known instances")
	return nil
}

// HasInstanceGroups reports whether uid has any registered groups.
func (m *Manager) HasInstanceGroups(uid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.dbs[uid]
	return ok && !db.IsEmpty()
}
