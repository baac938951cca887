package dispatch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slotgate/slotgate/internal/audit"
	"github.com/slotgate/slotgate/internal/authz"
	"github.com/slotgate/slotgate/internal/cache"
	"github.com/slotgate/slotgate/internal/dedup"
	"github.com/slotgate/slotgate/internal/dispatch"
	"github.com/slotgate/slotgate/internal/ledger"
	"github.com/slotgate/slotgate/internal/observability/metrics"
	"github.com/slotgate/slotgate/internal/status"
	"github.com/slotgate/slotgate/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStatusRepo wraps the in-memory repository to observe and stall
// executions from tests.
type gatedStatusRepo struct {
	status.Repository
	gate  chan struct{}
	gets  int64
	saves int64
}

func (r *gatedStatusRepo) Get(ctx context.Context, tenantID, resourceID string) (*status.Resource, error) {
	atomic.AddInt64(&r.gets, 1)
	return r.Repository.Get(ctx, tenantID, resourceID)
}

func (r *gatedStatusRepo) Save(ctx context.Context, rec *status.Resource, entry *status.Entry) error {
	if r.gate != nil {
		<-r.gate
	}
	atomic.AddInt64(&r.saves, 1)
	return r.Repository.Save(ctx, rec, entry)
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Service
	status     *status.Service
	statusRepo *gatedStatusRepo
	grants     *memory.GrantRepository
}

func newFixture(t *testing.T, cfg dispatch.Config) *fixture {
	t.Helper()

	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}

	statusRepo := &gatedStatusRepo{Repository: memory.NewStatusRepository()}
	ledgerSvc := ledger.NewService(memory.NewLedgerRepository(), audit.NopLogger{})
	statusSvc := status.NewService(statusRepo, ledgerSvc, audit.NopLogger{})

	grants := memory.NewGrantRepository()
	resolver := authz.NewResolver(grants)

	registry := dedup.NewRegistry()
	readCache := cache.New(time.Minute, registry)

	meter, err := metrics.New(context.Background(), metrics.Config{}, "test")
	require.NoError(t, err)

	d, err := dispatch.New(cfg, resolver, ledgerSvc, statusSvc, readCache, registry, meter)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)

	return &fixture{dispatcher: d, ledger: ledgerSvc, status: statusSvc, statusRepo: statusRepo, grants: grants}
}

func (f *fixture) grantSuperAdmin(t *testing.T, actorID string) authz.Actor {
	t.Helper()
	err := f.grants.Put(context.Background(), &authz.Grant{ActorID: actorID, Level: authz.LevelSuperAdmin})
	require.NoError(t, err)
	return authz.Actor{ID: actorID}
}

func (f *fixture) grantTenantAdmin(t *testing.T, actorID, tenantID string) authz.Actor {
	t.Helper()
	err := f.grants.Put(context.Background(), &authz.Grant{ActorID: actorID, Level: authz.LevelTenantAdmin, TenantID: tenantID})
	require.NoError(t, err)
	return authz.Actor{ID: actorID, TenantID: tenantID}
}

func TestDispatcher_MutationRoundTrip(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindSetCapacity, TenantID: "t1", Actor: root, Target: 2, Reason: "grant",
	})
	require.NoError(t, err)
	require.False(t, resp.Deferred)
	require.NoError(t, resp.Result.Err)
	assert.NotEmpty(t, resp.OperationID)

	resp, err = f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root, Reason: "on",
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)
	rec := resp.Result.Value.(*status.Resource)
	assert.Equal(t, status.StateActive, rec.State)

	usage, err := f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Total)
	assert.Equal(t, 1, usage.Used)

	active, err := f.dispatcher.IsActive(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestDispatcher_PermissionDenied(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()

	// Tenant admin of t1 cannot change capacity anywhere, nor touch t2
	admin := f.grantTenantAdmin(t, "alice", "t1")

	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindSetCapacity, TenantID: "t1", Actor: admin, Target: 5,
	})
	require.NoError(t, err)
	var permErr *authz.PermissionError
	require.ErrorAs(t, resp.Result.Err, &permErr)
	assert.Equal(t, authz.LevelElevatedAdmin, permErr.Required)

	resp, err = f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t2", ResourceID: "r1", Actor: admin,
	})
	require.NoError(t, err)
	require.ErrorAs(t, resp.Result.Err, &permErr)
}

func TestDispatcher_ValidationRejectsMalformedOperations(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	cases := []dispatch.Operation{
		{Kind: dispatch.KindActivate, TenantID: "t1", Actor: root},               // no resource
		{Kind: dispatch.KindActivate, ResourceID: "r1", Actor: root},             // no tenant
		{Kind: dispatch.KindSetCapacity, TenantID: "t1", Actor: root, Target: -1},
		{Kind: dispatch.KindAdjustCapacity, TenantID: "t1", Actor: root, Delta: 0},
		{Kind: "unknown", TenantID: "t1", Actor: root},
		{Kind: dispatch.KindDeactivate, TenantID: "t1", ResourceID: "r1"}, // no actor
	}
	for _, op := range cases {
		_, err := f.dispatcher.Submit(ctx, op)
		var vErr *dispatch.ValidationError
		assert.ErrorAs(t, err, &vErr)
	}
}

// TestPurpose: Validates that read operations are submittable like any
// other: they resolve through the cache-backed readers and need no grant.
func TestDispatcher_ReadOperationsThroughSubmit(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	for _, op := range []dispatch.Operation{
		{Kind: dispatch.KindSetCapacity, TenantID: "t1", Actor: root, Target: 2},
		{Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root},
	} {
		resp, err := f.dispatcher.Submit(ctx, op)
		require.NoError(t, err)
		require.NoError(t, resp.Result.Err)
	}

	// No grant stored for the reader
	reader := authz.Actor{ID: "viewer"}

	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindRead, TenantID: "t1", Actor: reader,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)
	usage := resp.Result.Value.(*ledger.Usage)
	assert.Equal(t, 2, usage.Total)
	assert.Equal(t, 1, usage.Used)

	resp, err = f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindRead, TenantID: "t1", ResourceID: "r1", Actor: reader,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)
	rec := resp.Result.Value.(*status.Resource)
	assert.Equal(t, status.StateActive, rec.State)
}

// TestPurpose: Validates the deadline contract: an operation that outlives
// deadline minus margin is acknowledged as deferred, and the mutation still
// runs to completion with the terminal result delivered on Done.
func TestDispatcher_DeadlineAcknowledgment(t *testing.T) {
	f := newFixture(t, dispatch.Config{DeadlineMargin: 10 * time.Millisecond})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	_, err := f.ledger.SetCapacity(ctx, "t1", 1, "root", "grant")
	require.NoError(t, err)

	f.statusRepo.gate = make(chan struct{})

	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root,
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)
	require.True(t, resp.Deferred)
	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Done)

	close(f.statusRepo.gate)

	select {
	case res := <-resp.Done:
		require.NoError(t, res.Err)
		rec := res.Value.(*status.Resource)
		assert.Equal(t, status.StateActive, rec.State)
	case <-time.After(2 * time.Second):
		t.Fatal("deferred operation never completed")
	}

	active, err := f.status.IsActive(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.True(t, active)
}

// TestPurpose: Validates that a deferred mutation is not cancelled by its
// submitter: the caller's context dies while the operation is stalled, and
// the mutation still lands.
func TestDispatcher_DeferredMutationSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, dispatch.Config{DeadlineMargin: 10 * time.Millisecond})
	root := f.grantSuperAdmin(t, "root")

	_, err := f.ledger.SetCapacity(context.Background(), "t1", 1, "root", "grant")
	require.NoError(t, err)

	f.statusRepo.gate = make(chan struct{})

	callerCtx, cancel := context.WithCancel(context.Background())
	resp, err := f.dispatcher.Submit(callerCtx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root,
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)
	require.True(t, resp.Deferred)

	cancel()
	close(f.statusRepo.gate)

	select {
	case res := <-resp.Done:
		require.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("deferred operation never completed")
	}

	active, err := f.status.IsActive(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.True(t, active)
}

// TestPurpose: Validates submit-side dedup: concurrent identical mutations
// share one execution, and every submitter receives the shared result.
func TestDispatcher_IdenticalMutationsCoalesce(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	_, err := f.ledger.SetCapacity(ctx, "t1", 1, "root", "grant")
	require.NoError(t, err)

	f.statusRepo.gate = make(chan struct{})
	atomic.StoreInt64(&f.statusRepo.gets, 0)

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan *dispatch.Response, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
				Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root,
				Deadline: time.Now().Add(time.Minute),
			})
			assert.NoError(t, err)
			results <- resp
		}()
	}

	// Let every submitter join the flight before the execution completes
	time.Sleep(50 * time.Millisecond)
	close(f.statusRepo.gate)
	wg.Wait()
	close(results)

	for resp := range results {
		require.False(t, resp.Deferred)
		require.NoError(t, resp.Result.Err)
	}

	// One execution: one state load, one save
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.statusRepo.gets))
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.statusRepo.saves))
}

// TestPurpose: Validates error fan-out through dedup: when the shared
// execution fails on capacity, every joined submitter receives the failure.
func TestDispatcher_CapacityErrorFansOut(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	_, err := f.ledger.SetCapacity(ctx, "t1", 1, "root", "grant")
	require.NoError(t, err)
	_, err = f.status.Activate(ctx, "t1", "taken", "root", nil, "on")
	require.NoError(t, err)

	f.statusRepo.gate = make(chan struct{})

	const callers = 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
				Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r2", Actor: root,
				Deadline: time.Now().Add(time.Minute),
			})
			if err != nil {
				errs <- err
				return
			}
			errs <- resp.Result.Err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.statusRepo.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		var capErr *ledger.CapacityError
		assert.ErrorAs(t, err, &capErr)
	}
}

// TestPurpose: Validates read-your-writes through the cache: a read cached
// before a mutation is invalidated by it, so a read immediately after the
// mutating reply observes the new state.
func TestDispatcher_CacheInvalidatedBeforeReply(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindSetCapacity, TenantID: "t1", Actor: root, Target: 3,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)

	// Prime the cache
	usage, err := f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Total)

	resp, err = f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindAdjustCapacity, TenantID: "t1", Actor: root, Delta: 2,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)

	usage, err = f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, usage.Total)
}

// TestPurpose: Validates cache coherence across lazy expiry: an expiry
// materialized during a status read drops the cached usage snapshot, so the
// next usage read observes the freed slot instead of the pre-expiry value.
func TestDispatcher_ExpiryInvalidatesCachedReads(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	_, err := f.ledger.SetCapacity(ctx, "t1", 1, "root", "grant")
	require.NoError(t, err)

	past := time.Now().Add(-time.Second)
	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root, ExpiresAt: &past,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)

	// Prime the usage cache while the expiry is not yet materialized
	usage, err := f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, usage.Used)

	// Reading the resource materializes the expiry
	active, err := f.dispatcher.IsActive(ctx, "t1", "r1")
	require.NoError(t, err)
	require.False(t, active)

	usage, err = f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
}

// TestPurpose: Validates cache coherence across the background sweep: usage
// cached before SweepExpired reflects the freed slot afterwards.
func TestDispatcher_SweepInvalidatesCachedReads(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	_, err := f.ledger.SetCapacity(ctx, "t1", 1, "root", "grant")
	require.NoError(t, err)

	past := time.Now().Add(-time.Second)
	resp, err := f.dispatcher.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root, ExpiresAt: &past,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Result.Err)

	usage, err := f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, usage.Used)

	expired, err := f.status.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	usage, err = f.dispatcher.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
}

// panicStatusRepo fails catastrophically on every load.
type panicStatusRepo struct {
	status.Repository
}

func (r *panicStatusRepo) Get(ctx context.Context, tenantID, resourceID string) (*status.Resource, error) {
	panic("corrupt status record")
}

// TestPurpose: Validates that a panicking execution still terminates its
// flight: the submitter receives an error result instead of blocking forever.
func TestDispatcher_PanickedExecutionDeliversError(t *testing.T) {
	ledgerSvc := ledger.NewService(memory.NewLedgerRepository(), audit.NopLogger{})
	statusSvc := status.NewService(&panicStatusRepo{Repository: memory.NewStatusRepository()}, ledgerSvc, audit.NopLogger{})

	grants := memory.NewGrantRepository()
	resolver := authz.NewResolver(grants)
	registry := dedup.NewRegistry()
	readCache := cache.New(time.Minute, registry)

	meter, err := metrics.New(context.Background(), metrics.Config{}, "test")
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{Workers: 2, QueueSize: 4},
		resolver, ledgerSvc, statusSvc, readCache, registry, meter)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)

	ctx := context.Background()
	require.NoError(t, grants.Put(ctx, &authz.Grant{ActorID: "root", Level: authz.LevelSuperAdmin}))

	resp, err := d.Submit(ctx, dispatch.Operation{
		Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1",
		Actor: authz.Actor{ID: "root"}, Deadline: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.False(t, resp.Deferred)
	require.Error(t, resp.Result.Err)
	assert.Contains(t, resp.Result.Err.Error(), "panicked")
}

func TestDispatcher_HistoryReads(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ctx := context.Background()
	root := f.grantSuperAdmin(t, "root")

	for _, op := range []dispatch.Operation{
		{Kind: dispatch.KindSetCapacity, TenantID: "t1", Actor: root, Target: 2, Reason: "grant"},
		{Kind: dispatch.KindActivate, TenantID: "t1", ResourceID: "r1", Actor: root, Reason: "on"},
		{Kind: dispatch.KindDeactivate, TenantID: "t1", ResourceID: "r1", Actor: root, Reason: "off"},
	} {
		resp, err := f.dispatcher.Submit(ctx, op)
		require.NoError(t, err)
		require.NoError(t, resp.Result.Err)
	}

	statusHistory, err := f.dispatcher.StatusHistory(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, statusHistory, 2)
	assert.Equal(t, status.ActionActivate, statusHistory[0].Action)
	assert.Equal(t, status.ActionDeactivate, statusHistory[1].Action)

	// set + acquire + release
	capacityHistory, err := f.dispatcher.CapacityHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, capacityHistory, 3)
	assert.Equal(t, ledger.ActionSet, capacityHistory[0].Action)
	assert.Equal(t, ledger.ActionAcquire, capacityHistory[1].Action)
	assert.Equal(t, ledger.ActionRelease, capacityHistory[2].Action)
}
