package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
	"github.com/cuttlefish-host/cvdd/internal/instancedb"
	"github.com/cuttlefish-host/cvdd/internal/lockfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T) (artifacts string, env []string) {
	t.Helper()
	artifacts = t.TempDir()
	home := t.TempDir()
	return artifacts, []string{"ANDROID_HOST_OUT=" + artifacts, "HOME=" + home}
}

func TestAnalyze_DefaultSingleInstance(t *testing.T) {
	artifacts, env := newEnv(t)
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	plan, err := Analyze("create", Params{Env: env}, Credential{}, db, locks)
	require.NoError(t, err)
	defer plan.ReleaseLocks()

	assert.Equal(t, defaultGroupName, plan.GroupName)
	assert.Equal(t, artifacts, plan.HostArtifactsPath)
	require.Len(t, plan.Instances, 1)
	assert.Equal(t, "cvd-1-1", plan.Instances[0].PerInstanceName)
	assert.GreaterOrEqual(t, plan.Instances[0].InstanceID, 1)
}

func TestAnalyze_MultipleInstancesWithExplicitNames(t *testing.T) {
	_, env := newEnv(t)
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	plan, err := Analyze("create", Params{
		Env:           env,
		NumInstances:  2,
		InstanceNames: "alpha, beta",
	}, Credential{}, db, locks)
	require.NoError(t, err)
	defer plan.ReleaseLocks()

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, "alpha", plan.Instances[0].PerInstanceName)
	assert.Equal(t, "beta", plan.Instances[1].PerInstanceName)
	assert.NotEqual(t, plan.Instances[0].InstanceID, plan.Instances[1].InstanceID)
}

func TestAnalyze_RejectsMismatchedNameCount(t *testing.T) {
	_, env := newEnv(t)
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	_, err := Analyze("create", Params{
		Env:           env,
		NumInstances:  2,
		InstanceNames: "only-one",
	}, Credential{}, db, locks)
	assert.Error(t, err)
}

func TestAnalyze_RejectsDuplicateExplicitNames(t *testing.T) {
	_, env := newEnv(t)
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	_, err := Analyze("create", Params{
		Env:           env,
		NumInstances:  2,
		InstanceNames: "dup,dup",
	}, Credential{}, db, locks)
	assert.Error(t, err)
}

func TestAnalyze_MissingArtifactsPathIsInvalidArgument(t *testing.T) {
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	_, err := Analyze("create", Params{Env: []string{"HOME=/tmp"}}, Credential{}, db, locks)
	assert.True(t, cvderr.Is(err, cvderr.InvalidArgument))
}

func TestAnalyze_NonDirectoryArtifactsPathIsInvalidArgument(t *testing.T) {
	dir := t.TempDir()
	notADir := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))

	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	_, err := Analyze("create", Params{Env: []string{"ANDROID_HOST_OUT=" + notADir, "HOME=/tmp"}}, Credential{}, db, locks)
	assert.True(t, cvderr.Is(err, cvderr.InvalidArgument))
}

func TestAnalyze_ExplicitInstanceNumSkipsLockManager(t *testing.T) {
	_, env := newEnv(t)
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()

	plan, err := Analyze("create", Params{Env: env, InstanceNum: 5, NumInstances: 2}, Credential{}, db, locks)
	require.NoError(t, err)
	defer plan.ReleaseLocks()

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, 5, plan.Instances[0].InstanceID)
	assert.Equal(t, 6, plan.Instances[1].InstanceID)
	assert.Nil(t, plan.Instances[0].AcquiredLock)
}

func TestAnalyze_RejectsCollisionWithExistingGroupName(t *testing.T) {
	_, env := newEnv(t)
	locks := lockfile.NewManager(t.TempDir(), 10)
	db := instancedb.NewDatabase()
	_, err := db.AddGroup(instancedb.GroupSpec{
		GroupName: defaultGroupName, HomeDir: "/tmp/existing", HostArtifactsPath: "/a", ProductOutPath: "/o",
	})
	require.NoError(t, err)

	_, err = Analyze("create", Params{Env: env}, Credential{}, db, locks)
	assert.Error(t, err)
}

func TestAnalyze_ReleasesLocksOnLateValidationFailure(t *testing.T) {
	_, env := newEnv(t)
	runDir := t.TempDir()
	locks := lockfile.NewManager(runDir, 10)
	db := instancedb.NewDatabase()

	// Pre-occupy instance id 1 in the database so the plan's first
	// acquired slot (1) collides during final validation.
	_, err := db.AddGroup(instancedb.GroupSpec{
		GroupName: "other", HomeDir: "/tmp/other", HostArtifactsPath: "/a", ProductOutPath: "/o",
	})
	require.NoError(t, err)
	require.NoError(t, db.AddInstances("other", []instancedb.InstanceSpec{{ID: 1, Name: "x"}}))

	_, err = Analyze("create", Params{Env: env}, Credential{}, db, locks)
	assert.Error(t, err)

	// The slot reserved during the failed analysis (slot 1, the lowest
	// free one) must have been released, not leaked.
	status, statusErr := lockfile.Status(runDir, 1)
	require.NoError(t, statusErr)
	assert.Equal(t, lockfile.StateNotInUse, status)
}
