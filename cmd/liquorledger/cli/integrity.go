package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/reconcile"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// Exit codes shared by the integrity commands.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitUsage      = 2
	ExitViolations = 10
)

// IntegrityService is the engine surface the integrity commands drive.
type IntegrityService interface {
	VerifyAll(ctx context.Context) ([]reconcile.Violation, error)
	RebuildChain(ctx context.Context, actorID int64, key stock.Key) (reconcile.RebuildResult, error)
	RebuildLedger(ctx context.Context, actorID int64, key ledger.Key) (reconcile.RebuildResult, error)
}

// IntegrityCLI runs verification and repairs from the command line.
type IntegrityCLI struct {
	service IntegrityService
}

// NewIntegrityCLI constructs the helper.
func NewIntegrityCLI(service IntegrityService) *IntegrityCLI {
	return &IntegrityCLI{service: service}
}

// VerifyOptions defines the flags of the verify command.
type VerifyOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary is the JSON shape printed by verify.
type VerifySummary struct {
	OK         bool                  `json:"ok"`
	Violations []reconcile.Violation `json:"violations"`
}

// VerifyCommand scans every chain and ledger. It exits with ExitViolations
// when any key is inconsistent.
func (c *IntegrityCLI) VerifyCommand(ctx context.Context, opts VerifyOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	violations, err := c.service.VerifyAll(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
		return ExitError
	}
	if violations == nil {
		violations = []reconcile.Violation{}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(VerifySummary{OK: len(violations) == 0, Violations: violations}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return ExitError
		}
	} else if len(violations) == 0 {
		_, _ = fmt.Fprintln(opts.Stdout, "All chains and ledgers are consistent.")
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "%d inconsistent key(s):\n", len(violations))
		for _, v := range violations {
			_, _ = fmt.Fprintf(opts.Stdout, " - [%s] %s: %s\n", v.Kind, v.Key, v.Detail)
		}
	}
	if len(violations) > 0 {
		return ExitViolations
	}
	return ExitOK
}

// RebuildOptions defines the flags of the rebuild command. Exactly one of
// Chain ("shop:brand:ml") or Ledger ("book:key", e.g. "shop:shop:3",
// "warehouse:w_stock") must be set.
type RebuildOptions struct {
	Chain      string
	Ledger     string
	ActorID    int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RebuildCommand recomputes one chain or ledger synchronously.
func (c *IntegrityCLI) RebuildCommand(ctx context.Context, opts RebuildOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	chain, ledgerRaw := strings.TrimSpace(opts.Chain), strings.TrimSpace(opts.Ledger)
	if (chain == "") == (ledgerRaw == "") {
		_, _ = fmt.Fprintln(opts.Stderr, "rebuild: exactly one of --chain or --ledger is required")
		return ExitUsage
	}

	var (
		res reconcile.RebuildResult
		err error
	)
	if chain != "" {
		var key stock.Key
		key, err = stock.ParseKey(chain)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rebuild: %v\n", err)
			return ExitUsage
		}
		res, err = c.service.RebuildChain(ctx, opts.ActorID, key)
	} else {
		var key ledger.Key
		key, err = ParseLedgerArg(ledgerRaw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rebuild: %v\n", err)
			return ExitUsage
		}
		res, err = c.service.RebuildLedger(ctx, opts.ActorID, key)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "rebuild: %s: %v\n", reconcile.KindOf(err), err)
		return ExitError
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(res); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rebuild: encode json: %v\n", err)
			return ExitError
		}
		return ExitOK
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Rebuilt %s: %d row(s) rewritten.\n", res.Key, res.Rewritten)
	return ExitOK
}

// ParseLedgerArg splits "book:key" into a ledger key.
func ParseLedgerArg(raw string) (ledger.Key, error) {
	book, key, ok := strings.Cut(raw, ":")
	if !ok || key == "" {
		return ledger.Key{}, errors.New("ledger must look like book:key")
	}
	if !ledger.Book(book).Valid() {
		return ledger.Key{}, fmt.Errorf("unknown book %q", book)
	}
	return ledger.ParseKey(ledger.Book(book), key)
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
