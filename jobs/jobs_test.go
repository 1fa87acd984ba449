package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/liquorledger/liquorledger/internal/jobs"
	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/reconcile"
	"github.com/liquorledger/liquorledger/internal/stock"
)

type stubIntegrity struct {
	violations []reconcile.Violation
	verifyErr  error
	chains     []stock.Key
	ledgers    []ledger.Key
	rebuildErr error
}

func (s *stubIntegrity) VerifyAll(context.Context) ([]reconcile.Violation, error) {
	return s.violations, s.verifyErr
}

func (s *stubIntegrity) RebuildChain(_ context.Context, _ int64, key stock.Key) (reconcile.RebuildResult, error) {
	if s.rebuildErr != nil {
		return reconcile.RebuildResult{}, s.rebuildErr
	}
	s.chains = append(s.chains, key)
	return reconcile.RebuildResult{Key: key.String(), Rewritten: 2}, nil
}

func (s *stubIntegrity) RebuildLedger(_ context.Context, _ int64, key ledger.Key) (reconcile.RebuildResult, error) {
	if s.rebuildErr != nil {
		return reconcile.RebuildResult{}, s.rebuildErr
	}
	s.ledgers = append(s.ledgers, key)
	return reconcile.RebuildResult{Key: key.String(), Rewritten: 1}, nil
}

type recordedJobs struct {
	statuses []string
}

func (r *recordedJobs) ObserveJob(task, status string) {
	r.statuses = append(r.statuses, task+"="+status)
}

func newIntegrityJob(svc IntegrityService) (*IntegrityJob, *recordedJobs) {
	rec := &recordedJobs{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry()).WithObserver(rec)
	return NewIntegrityJob(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics), rec
}

func task(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

func TestIntegrityScanReportsWithoutRepair(t *testing.T) {
	svc := &stubIntegrity{violations: []reconcile.Violation{
		{Kind: "chain", Key: "chain:1:ROYAL STAG:750", Detail: "gap"},
	}}
	job, rec := newIntegrityJob(svc)

	require.NoError(t, job.HandleScan(context.Background(), task(t, TaskIntegrityScan, IntegrityScanPayload{})))
	require.Empty(t, svc.chains)
	require.Equal(t, []string{TaskIntegrityScan + "=success"}, rec.statuses)
}

func TestIntegrityScanRepairsEveryViolation(t *testing.T) {
	svc := &stubIntegrity{violations: []reconcile.Violation{
		{Kind: "chain", Key: "chain:1:ROYAL STAG:750"},
		{Kind: "ledger:shop", Key: "shop:1"},
		{Kind: "ledger:warehouse", Key: "w_stock"},
	}}
	job, _ := newIntegrityJob(svc)

	require.NoError(t, job.HandleScan(context.Background(), task(t, TaskIntegrityScan, IntegrityScanPayload{Repair: true})))
	require.Equal(t, []stock.Key{stock.NewKey(1, "Royal Stag", 750)}, svc.chains)
	require.Equal(t, []ledger.Key{ledger.ShopKey(1), ledger.AggregateKey(ledger.BookWarehouse, ledger.TagWarehouseStock)}, svc.ledgers)
}

func TestIntegrityScanFailures(t *testing.T) {
	boom := errors.New("pool closed")
	job, rec := newIntegrityJob(&stubIntegrity{verifyErr: boom})
	require.ErrorIs(t, job.HandleScan(context.Background(), asynq.NewTask(TaskIntegrityScan, nil)), boom)
	require.Equal(t, []string{TaskIntegrityScan + "=failure"}, rec.statuses)

	job, _ = newIntegrityJob(&stubIntegrity{
		violations: []reconcile.Violation{{Kind: "chain", Key: "chain:1:X:750"}},
		rebuildErr: boom,
	})
	require.ErrorIs(t, job.HandleScan(context.Background(), task(t, TaskIntegrityScan, IntegrityScanPayload{Repair: true})), boom)

	err := job.HandleScan(context.Background(), asynq.NewTask(TaskIntegrityScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRebuildTask(t *testing.T) {
	svc := &stubIntegrity{}
	job, _ := newIntegrityJob(svc)
	ctx := context.Background()

	require.NoError(t, job.HandleRebuild(ctx, task(t, TaskRebuild, RebuildPayload{Chain: "2:glenfiddich:700"})))
	require.Equal(t, []stock.Key{{ShopID: 2, BrandName: "GLENFIDDICH", VolumeML: 700}}, svc.chains)

	require.NoError(t, job.HandleRebuild(ctx, task(t, TaskRebuild, RebuildPayload{Book: "warehouse", LedgerKey: "warehouse:Central"})))
	require.Equal(t, []ledger.Key{ledger.WarehouseKey("Central")}, svc.ledgers)

	for _, p := range []RebuildPayload{
		{},
		{Chain: "1:X:750", Book: "shop"},
		{Chain: "bogus"},
		{Book: "shop", LedgerKey: "warehouse:Central"},
	} {
		err := job.HandleRebuild(ctx, task(t, TaskRebuild, p))
		require.ErrorIs(t, err, asynq.SkipRetry, "%+v", p)
	}

	svc.rebuildErr = reconcile.ErrTransaction
	err := job.HandleRebuild(ctx, task(t, TaskRebuild, RebuildPayload{Chain: "1:X:750"}))
	require.ErrorIs(t, err, reconcile.ErrTransaction)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

type stubCleaner struct {
	got time.Duration
	err error
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.got = olderThan
	return 4, s.err
}

func TestCleanupUsesPayloadOrDefault(t *testing.T) {
	store := &stubCleaner{}
	job := NewCleanupJob(store, 48*time.Hour, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 48*time.Hour, store.got)

	tk, err := NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), tk))
	require.Equal(t, time.Hour, store.got)

	store.err = errors.New("locked")
	require.Error(t, job.Handle(context.Background(), tk))

	_, err = NewIdempotencyCleanupTask(0)
	require.Error(t, err)
}

type capturedEnqueue struct {
	tasks []*asynq.Task
}

func (c *capturedEnqueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (c *capturedEnqueue) Close() error { return nil }

func TestClientEnqueuesTypedTasks(t *testing.T) {
	enq := &capturedEnqueue{}
	client := NewClientWith(enq)
	ctx := context.Background()

	_, err := client.EnqueueIntegrityScan(ctx, true)
	require.NoError(t, err)
	_, err = client.EnqueueRebuild(ctx, RebuildPayload{Book: "shop", LedgerKey: "all"})
	require.NoError(t, err)
	_, err = client.EnqueueRebuild(ctx, RebuildPayload{})
	require.Error(t, err)
	_, err = client.EnqueueCleanup(ctx, time.Hour)
	require.NoError(t, err)

	require.Len(t, enq.tasks, 3)
	require.Equal(t, TaskIntegrityScan, enq.tasks[0].Type())
	require.JSONEq(t, `{"repair":true}`, string(enq.tasks[0].Payload()))
	require.Equal(t, TaskRebuild, enq.tasks[1].Type())
	require.Equal(t, TaskIdempotencyCleanup, enq.tasks[2].Type())
	require.NoError(t, client.Close())
}

type stubInspector struct {
	err error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	if queue == QueueMaintenance {
		return nil, asynq.ErrQueueNotFound
	}
	return &asynq.QueueInfo{Queue: queue, Pending: 3, Retry: 1}, nil
}

func TestHealthEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{}, logger).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queues":[
		{"queue":"default","pending":3,"active":0,"retry":1,"scheduled":0},
		{"queue":"maintenance","pending":0,"active":0,"retry":0,"scheduled":0}
	]}`, rr.Body.String())

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{err: errors.New("redis down")}, logger).MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
