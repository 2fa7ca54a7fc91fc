package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/vaultflow/internal/apply"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/internal/storetest"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testVault = "vault-a"

type fakeApplier struct {
	mu      sync.Mutex
	applied []apply.Window
	failOn  map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, win apply.Window, preCommit func() error) error {
	key := types.SortKey(win.LoadType, win.LogicalTime)
	f.mu.Lock()
	err := f.failOn[key]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if preCommit != nil {
		if err := preCommit(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.applied = append(f.applied, win)
	f.mu.Unlock()
	return nil
}

func (f *fakeApplier) appliedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.applied))
	for i, w := range f.applied {
		keys[i] = types.SortKey(w.LoadType, w.LogicalTime)
	}
	return keys
}

func stamp(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func seedVault(mem *storetest.Memory, watermark time.Time) {
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: watermark,
	})
}

func seedIncr(mem *storetest.Memory, logical time.Time, status types.EntryStatus, epoch int64) types.WindowEntry {
	e := types.WindowEntry{
		VaultID:     testVault,
		LoadType:    types.LoadIncremental,
		LogicalTime: logical,
		Status:      status,
		S3Prefix:    "s3://stage/vault=" + testVault + "/incr/stoptime=" + logical.UTC().Format(types.StopTimeLayout) + "/",
		Checksum:    "c-" + logical.UTC().Format(types.StopTimeLayout),
		Epoch:       epoch,
	}
	mem.Seed(e)
	return e
}

func newOrchestrator(mem *storetest.Memory, applier Applier) *Orchestrator {
	return New(mem, applier, nil, nil, Options{
		LeaseTTL:    time.Minute,
		MaxAttempts: 3,
	})
}

func TestRunOnceHappyPath(t *testing.T) {
	mem := storetest.NewMemory()
	seedVault(mem, stamp(t, "2024-01-01T00:00:00Z"))
	seedIncr(mem, stamp(t, "2024-01-01T00:15:00Z"), types.StatusReady, 0)

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))

	assert.Equal(t, []string{"INCR#202401010015"}, applier.appliedKeys())

	entries := mem.Entries(testVault)
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusApplied, entries[0].Status)
	assert.Equal(t, 1, entries[0].AttemptCount)

	state, err := mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.True(t, state.LastAppliedStopTime.Equal(stamp(t, "2024-01-01T00:15:00Z")))

	// Lease released on exit.
	lease, err := mem.GetLease(context.Background(), store.LeaseKey(testVault, types.LoadIncremental))
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestRunOnceBlockedByFailure(t *testing.T) {
	mem := storetest.NewMemory()
	seedVault(mem, stamp(t, "2024-01-01T00:00:00Z"))
	seedIncr(mem, stamp(t, "2024-01-01T00:15:00Z"), types.StatusReady, 0)
	seedIncr(mem, stamp(t, "2024-01-01T00:30:00Z"), types.StatusReady, 0)
	seedIncr(mem, stamp(t, "2024-01-01T00:45:00Z"), types.StatusReady, 0)

	applier := &fakeApplier{failOn: map[string]error{
		"INCR#202401010030": fmt.Errorf("copy rejected"),
	}}
	orch := newOrchestrator(mem, applier)

	err := orch.RunOnce(context.Background(), testVault, types.LoadIncremental)
	require.Error(t, err)

	entries := mem.Entries(testVault)
	require.Len(t, entries, 3)
	assert.Equal(t, types.StatusApplied, entries[0].Status)
	assert.Equal(t, types.StatusFailed, entries[1].Status)
	assert.Contains(t, entries[1].LastError, "copy rejected")
	assert.Equal(t, types.StatusReady, entries[2].Status)

	state, err := mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.True(t, state.LastAppliedStopTime.Equal(stamp(t, "2024-01-01T00:15:00Z")),
		"watermark must not advance past the failure")

	// A second run stops immediately on the FAILED entry.
	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Equal(t, []string{"INCR#202401010015"}, applier.appliedKeys())

	// Operator resets the failed window; the consumer drains the backlog.
	applier.mu.Lock()
	delete(applier.failOn, "INCR#202401010030")
	applier.mu.Unlock()
	require.NoError(t, mem.ConditionalUpdate(context.Background(), entries[1].Key(),
		types.StatusFailed, store.EntryUpdate{Status: types.StatusReady}))

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))

	state, err = mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.True(t, state.LastAppliedStopTime.Equal(stamp(t, "2024-01-01T00:45:00Z")))
	assert.Equal(t, []string{"INCR#202401010015", "INCR#202401010030", "INCR#202401010045"},
		applier.appliedKeys())
}

func TestRunOnceLeaseHeldByAnotherRunner(t *testing.T) {
	mem := storetest.NewMemory()
	seedVault(mem, stamp(t, "2024-01-01T00:00:00Z"))
	seedIncr(mem, stamp(t, "2024-01-01T00:15:00Z"), types.StatusReady, 0)

	key := store.LeaseKey(testVault, types.LoadIncremental)
	ok, err := mem.AcquireLease(context.Background(), key, "other-runner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Empty(t, applier.appliedKeys(), "no apply without the lease")

	entries := mem.Entries(testVault)
	assert.Equal(t, types.StatusReady, entries[0].Status)
}

func TestRunOnceClaimRaceExitsCleanly(t *testing.T) {
	mem := storetest.NewMemory()
	seedVault(mem, stamp(t, "2024-01-01T00:00:00Z"))
	entry := seedIncr(mem, stamp(t, "2024-01-01T00:15:00Z"), types.StatusReady, 0)

	// Another consumer wins the claim between selection and CAS.
	raced := false
	mem.OnConditionalUpdate = func(key types.EntryKey, expected types.EntryStatus, upd store.EntryUpdate) error {
		if !raced && expected == types.StatusReady && upd.Status == types.StatusProcessing {
			raced = true
			mem.OnConditionalUpdate = nil
			mem.Seed(types.WindowEntry{
				VaultID:      entry.VaultID,
				LoadType:     entry.LoadType,
				LogicalTime:  entry.LogicalTime,
				Status:       types.StatusProcessing,
				Checksum:     entry.Checksum,
				Epoch:        entry.Epoch,
				AttemptCount: 3,
			})
			return store.ErrPreconditionFailed
		}
		return nil
	}

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	// Exactly one CAS wins; the loser reselects, observes PROCESSING with
	// attempts exhausted, and exits cleanly.
	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Empty(t, applier.appliedKeys())
}

func TestRunOnceRearmsCrashedWindow(t *testing.T) {
	mem := storetest.NewMemory()
	seedVault(mem, stamp(t, "2024-01-01T00:00:00Z"))
	e := seedIncr(mem, stamp(t, "2024-01-01T00:15:00Z"), types.StatusProcessing, 0)
	e.AttemptCount = 1
	mem.Seed(e)

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	// The previous owner crashed; this runner holds the lease now, so the
	// PROCESSING entry is re-armed and applied.
	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Equal(t, []string{"INCR#202401010015"}, applier.appliedKeys())

	entries := mem.Entries(testVault)
	assert.Equal(t, types.StatusApplied, entries[0].Status)
	assert.Equal(t, 2, entries[0].AttemptCount)
}

func TestRunOnceSkipsStaleEpochEntries(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: stamp(t, "2024-01-01T00:00:00Z"),
		CurrentEpoch:        2,
	})
	seedIncr(mem, stamp(t, "2024-01-01T00:15:00Z"), types.StatusReady, 1) // stale
	seedIncr(mem, stamp(t, "2024-01-01T00:30:00Z"), types.StatusReady, 2)

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Equal(t, []string{"INCR#202401010030"}, applier.appliedKeys())

	entries := mem.Entries(testVault)
	assert.Equal(t, types.StatusReady, entries[0].Status, "stale-epoch entry untouched")
	assert.Equal(t, types.StatusApplied, entries[1].Status)
}

func TestFullLoadRewindAndReplay(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: stamp(t, "2024-01-02T00:45:00Z"),
	})
	seedIncr(mem, stamp(t, "2024-01-01T23:45:00Z"), types.StatusApplied, 0)
	seedIncr(mem, stamp(t, "2024-01-02T00:15:00Z"), types.StatusApplied, 0)
	seedIncr(mem, stamp(t, "2024-01-02T00:30:00Z"), types.StatusApplied, 0)
	seedIncr(mem, stamp(t, "2024-01-02T00:45:00Z"), types.StatusApplied, 0)

	require.NoError(t, store.TriggerFullLoad(context.Background(), mem, store.FullLoadRequest{
		VaultID:      testVault,
		SnapshotDate: stamp(t, "2024-01-02T00:00:00Z"),
		S3Prefix:     "s3://stage/vault=vault-a/full/date=20240102/",
		Checksum:     "full-checksum",
	}))

	state, err := mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, types.ModeFullLoad, state.Mode)
	assert.Equal(t, int64(1), state.CurrentEpoch)
	assert.True(t, state.LastAppliedStopTime.Equal(stamp(t, "2024-01-02T00:00:00Z")))

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	// FULL applies first, then the rewound backlog in order.
	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Equal(t, []string{
		"FULL#20240102",
		"INCR#202401020015",
		"INCR#202401020030",
		"INCR#202401020045",
	}, applier.appliedKeys())

	state, err = mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, types.ModeIncremental, state.Mode)
	assert.True(t, state.LastAppliedStopTime.Equal(stamp(t, "2024-01-02T00:45:00Z")))

	// The pre-boundary window was never disturbed.
	entries := mem.Entries(testVault)
	for _, e := range entries {
		if e.LoadType == types.LoadIncremental && e.LogicalTime.Equal(stamp(t, "2024-01-01T23:45:00Z")) {
			assert.Equal(t, types.StatusApplied, e.Status)
			assert.Equal(t, int64(0), e.Epoch)
		}
	}
}

func TestRunOnceCompletesInterruptedFullLoad(t *testing.T) {
	// Crash happened after the FULL entry was marked APPLIED but before the
	// vault flipped back to INCREMENTAL.
	mem := storetest.NewMemory()
	boundary := stamp(t, "2024-01-02T00:00:00Z")
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeFullLoad,
		LastAppliedStopTime: boundary,
		CurrentEpoch:        1,
	})
	mem.Seed(types.WindowEntry{
		VaultID:     testVault,
		LoadType:    types.LoadFull,
		LogicalTime: boundary,
		Status:      types.StatusApplied,
		Checksum:    "full-sum",
		Epoch:       1,
	})
	seedIncr(mem, stamp(t, "2024-01-02T00:15:00Z"), types.StatusReady, 1)

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))

	state, err := mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, types.ModeIncremental, state.Mode, "mode flip is completed on recovery")
	assert.Equal(t, []string{"INCR#202401020015"}, applier.appliedKeys(),
		"the rewound backlog resumes after the flip")
}

func TestRunOnceVaultNotInitialized(t *testing.T) {
	mem := storetest.NewMemory()
	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadIncremental))
	assert.Empty(t, applier.appliedKeys())
}

func TestRunOnceLogConsumerIndependentWatermark(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: stamp(t, "2024-01-02T00:45:00Z"),
	})
	logDay := stamp(t, "2024-01-02T00:00:00Z")
	mem.Seed(types.WindowEntry{
		VaultID:     testVault,
		LoadType:    types.LoadLog,
		LogicalTime: logDay,
		Status:      types.StatusReady,
		Checksum:    "log-checksum",
	})

	applier := &fakeApplier{}
	orch := newOrchestrator(mem, applier)

	require.NoError(t, orch.RunOnce(context.Background(), testVault, types.LoadLog))
	assert.Equal(t, []string{"LOG#20240102"}, applier.appliedKeys())

	state, err := mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.True(t, state.LastAppliedLogDate.Equal(logDay))
	assert.True(t, state.LastAppliedStopTime.Equal(stamp(t, "2024-01-02T00:45:00Z")),
		"LOG apply must not move the INCR watermark")
}

func TestSingleFlightAcrossConcurrentRunners(t *testing.T) {
	mem := storetest.NewMemory()
	seedVault(mem, stamp(t, "2024-01-01T00:00:00Z"))
	for _, ts := range []string{
		"2024-01-01T00:15:00Z", "2024-01-01T00:30:00Z",
		"2024-01-01T00:45:00Z", "2024-01-01T01:00:00Z",
	} {
		seedIncr(mem, stamp(t, ts), types.StatusReady, 0)
	}

	var processing sync.Map
	applier := &guardedApplier{onApply: func(win apply.Window) error {
		key := win.VaultID
		if _, loaded := processing.LoadOrStore(key, true); loaded {
			return errors.New("two windows processing for one vault")
		}
		defer processing.Delete(key)
		time.Sleep(5 * time.Millisecond)
		return nil
	}}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orch := newOrchestrator(mem, applier)
			errs[i] = orch.RunOnce(context.Background(), testVault, types.LoadIncremental)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

type guardedApplier struct {
	onApply func(apply.Window) error
}

func (g *guardedApplier) Apply(_ context.Context, win apply.Window, preCommit func() error) error {
	if err := g.onApply(win); err != nil {
		return err
	}
	if preCommit != nil {
		return preCommit()
	}
	return nil
}
