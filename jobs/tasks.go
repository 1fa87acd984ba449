package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMaintenance holds low priority housekeeping.
	QueueMaintenance = "maintenance"

	// TaskIntegrityScan verifies every chain and ledger.
	TaskIntegrityScan = "ledger:integrity_scan"
	// TaskRebuild recomputes one chain or one ledger from its first row.
	TaskRebuild = "ledger:rebuild"
	// TaskIdempotencyCleanup prunes old processed event ids.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

// IntegrityScanPayload configures a scan run.
type IntegrityScanPayload struct {
	// Repair rebuilds every key the scan reports.
	Repair bool `json:"repair,omitempty"`
}

// RebuildPayload names exactly one target: Chain ("shop:brand:ml") or
// Book plus LedgerKey ("shop", "shop:3").
type RebuildPayload struct {
	Chain     string `json:"chain,omitempty"`
	Book      string `json:"book,omitempty"`
	LedgerKey string `json:"ledger_key,omitempty"`
}

func (p RebuildPayload) validate() error {
	switch {
	case p.Chain != "" && (p.Book != "" || p.LedgerKey != ""):
		return fmt.Errorf("rebuild: chain and ledger are exclusive")
	case p.Chain == "" && (p.Book == "" || p.LedgerKey == ""):
		return fmt.Errorf("rebuild: chain or book with ledger_key required")
	}
	return nil
}

// CleanupPayload bounds how long processed event ids are kept.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIntegrityScanTask constructs the scan task.
func NewIntegrityScanTask(repair bool) (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityScanPayload{Repair: repair})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityScan, data), nil
}

// NewRebuildTask constructs a rebuild task for one chain or ledger.
func NewRebuildTask(payload RebuildPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRebuild, data), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("cleanup: retention must be positive")
	}
	data, err := json.Marshal(CleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueMaintenance)), nil
}
