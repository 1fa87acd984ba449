package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/liquorledger/liquorledger/internal/jobs"
	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/reconcile"
	"github.com/liquorledger/liquorledger/internal/stock"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// systemActor marks audit records written by background jobs.
const systemActor int64 = 0

// IntegrityService is the slice of reconcile.Service the integrity jobs use.
type IntegrityService interface {
	VerifyAll(ctx context.Context) ([]reconcile.Violation, error)
	RebuildChain(ctx context.Context, actorID int64, key stock.Key) (reconcile.RebuildResult, error)
	RebuildLedger(ctx context.Context, actorID int64, key ledger.Key) (reconcile.RebuildResult, error)
}

// IntegrityJob scans and repairs chains and ledgers.
type IntegrityJob struct {
	Service IntegrityService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIntegrityJob initialises the integrity handlers.
func NewIntegrityJob(service IntegrityService, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleScan verifies every key. Violations are logged and counted; with
// Repair set each violating key is rebuilt. The task only fails on store
// errors or failed repairs.
func (j *IntegrityJob) HandleScan(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("integrity scan: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	start := j.now()
	tracker := j.metrics().Track(TaskIntegrityScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskIntegrityScan).With(slog.Bool("repair", payload.Repair))
	logger.Info("starting integrity scan")

	violations, err := j.Service.VerifyAll(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}

	counts := map[string]int{}
	var repairErrs []error
	for _, v := range violations {
		kind := violationKind(v)
		counts[kind]++
		logger.Warn("integrity violation detected",
			slog.String("kind", v.Kind),
			slog.String("key", v.Key),
			slog.String("detail", v.Detail),
		)
		if !payload.Repair {
			continue
		}
		res, err := j.rebuild(ctx, repairPayload(v))
		if err != nil {
			logger.Error("repair failed", slog.String("key", v.Key), slog.Any("error", err))
			repairErrs = append(repairErrs, fmt.Errorf("%s: %w", v.Key, err))
			continue
		}
		j.metrics().AddRepaired(kind, res.Rewritten)
		logger.Info("repaired", slog.String("key", v.Key), slog.Int("rewritten", res.Rewritten))
	}
	for kind, n := range counts {
		j.metrics().AddViolations(kind, n)
	}

	logger.Info("completed integrity scan",
		slog.Int("violations", len(violations)),
		slog.Duration("duration", time.Since(start)),
	)
	return errors.Join(repairErrs...)
}

// HandleRebuild recomputes the chain or ledger named by the payload.
func (j *IntegrityJob) HandleRebuild(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("rebuild: handler not configured")
	}
	var payload RebuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("rebuild: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskRebuild)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	kind := "ledger"
	if payload.Chain != "" {
		kind = "chain"
	}
	logger := j.logger(TaskRebuild).With(slog.String("kind", kind))

	res, err := j.rebuild(ctx, payload)
	if err != nil {
		logger.Error("rebuild failed", slog.Any("error", err))
		switch reconcile.KindOf(err) {
		case reconcile.KindValidation, reconcile.KindNotFound:
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.metrics().AddRepaired(kind, res.Rewritten)
	logger.Info("rebuild completed", slog.String("key", res.Key), slog.Int("rewritten", res.Rewritten))
	return nil
}

func (j *IntegrityJob) rebuild(ctx context.Context, payload RebuildPayload) (reconcile.RebuildResult, error) {
	if payload.Chain != "" {
		key, err := stock.ParseKey(payload.Chain)
		if err != nil {
			return reconcile.RebuildResult{}, errors.Join(reconcile.ErrValidation, err)
		}
		return j.Service.RebuildChain(ctx, systemActor, key)
	}
	key, err := ledger.ParseKey(ledger.Book(payload.Book), payload.LedgerKey)
	if err != nil {
		return reconcile.RebuildResult{}, errors.Join(reconcile.ErrValidation, err)
	}
	return j.Service.RebuildLedger(ctx, systemActor, key)
}

// repairPayload turns a reported violation into the rebuild that fixes it.
func repairPayload(v reconcile.Violation) RebuildPayload {
	if v.Kind == "chain" {
		return RebuildPayload{Chain: v.Key}
	}
	return RebuildPayload{Book: strings.TrimPrefix(v.Kind, "ledger:"), LedgerKey: v.Key}
}

func violationKind(v reconcile.Violation) string {
	if strings.HasPrefix(v.Kind, "ledger") {
		return "ledger"
	}
	return "chain"
}

func (j *IntegrityJob) logger(task string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
