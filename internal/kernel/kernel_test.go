package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/execstate"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
)

// testConfig returns defaults with the metrics endpoint off so tests never
// bind ports or register Prometheus collectors twice in one process.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	return cfg
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dir := t.TempDir()
	k, err := NewKernel(context.Background(), testConfig(), dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, k.Stop(3*time.Second))
	})
	return k
}

func TestNewKernelCreatesProjectLayout(t *testing.T) {
	k := newTestKernel(t)

	stateDir := utils.ProjectStateDir(k.ProjectDir())
	require.DirExists(t, stateDir)
	assert.DirExists(t, utils.FeaturesDir(k.ProjectDir()))
	assert.DirExists(t, utils.LogsDir(k.ProjectDir()))
	assert.FileExists(t, filepath.Join(stateDir, persistence.DBFileName))
}

func TestKernelStartIsSingleShot(t *testing.T) {
	k := newTestKernel(t)

	require.NoError(t, k.Start())
	assert.Error(t, k.Start())
}

func TestKernelStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	k, err := NewKernel(context.Background(), testConfig(), dir)
	require.NoError(t, err)
	require.NoError(t, k.Start())

	require.NoError(t, k.Stop(3*time.Second))
	assert.NoError(t, k.Stop(3*time.Second))
}

func TestKernelStartRestoresLoopFromSnapshot(t *testing.T) {
	dir := t.TempDir()

	// A crash with the scheduler running leaves its snapshot behind.
	require.NoError(t, execstate.NewStore().Save(dir, execstate.Snapshot{
		LoopRunning:    true,
		MaxConcurrency: 2,
	}))

	k, err := NewKernel(context.Background(), testConfig(), dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, k.Stop(3*time.Second))
	})

	require.NoError(t, k.Start())
	assert.True(t, k.Engine.LoopRunning(dir))
}

func TestKernelStartLeavesLoopStoppedWithoutSnapshot(t *testing.T) {
	k := newTestKernel(t)

	require.NoError(t, k.Start())
	assert.False(t, k.Engine.LoopRunning(k.ProjectDir()))
}

func TestKernelEventLogFollowsEnvFlag(t *testing.T) {
	t.Setenv(EventLogEnvFlag, "1")

	k := newTestKernel(t)
	require.NoError(t, k.Start())

	k.Bus.Publish(events.FeatureStart{
		Meta:  events.NewMeta(k.ProjectDir(), "feat-log"),
		Title: "wire the event log",
	})

	logged := func() bool {
		matches, globErr := filepath.Glob(filepath.Join(utils.LogsDir(k.ProjectDir()), "events-*.jsonl"))
		if globErr != nil || len(matches) == 0 {
			return false
		}
		data, readErr := os.ReadFile(matches[0])
		if readErr != nil {
			return false
		}
		return len(data) > 0
	}
	require.Eventually(t, logged, 3*time.Second, 20*time.Millisecond,
		"published event never reached the log file")
}

func TestKernelEventLogOffByDefault(t *testing.T) {
	t.Setenv(EventLogEnvFlag, "")

	k := newTestKernel(t)
	require.NoError(t, k.Start())

	k.Bus.Publish(events.FeatureStart{
		Meta:  events.NewMeta(k.ProjectDir(), "feat-quiet"),
		Title: "no log expected",
	})
	time.Sleep(50 * time.Millisecond)

	matches, err := filepath.Glob(filepath.Join(utils.LogsDir(k.ProjectDir()), "events-*.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
