// Package ingest runs batches of anchor queries against the flow source under
// a bounded concurrency limit. Each task collects rows into its own private
// result list; a single coordinator merges them after completion, so tasks
// never share mutable state. Per-anchor failures are retried with exponential
// backoff and then recorded in the manifest, never propagated; only a batch
// where no anchor succeeds is an error.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tmakela/flowsift/internal/conf"
	"github.com/tmakela/flowsift/internal/errors"
	"github.com/tmakela/flowsift/internal/flowapi"
	"github.com/tmakela/flowsift/internal/flowtable"
	"github.com/tmakela/flowsift/internal/geoid"
	"github.com/tmakela/flowsift/internal/logging"
)

// Package-level logger specific to the ingest service
var (
	logger      *slog.Logger
	closeLogger func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "ingest.log")

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "ingest", slog.LevelDebug)
	if err != nil {
		log.Printf("Failed to initialize ingest file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, nil)
		logger = slog.New(fbHandler).With("service", "ingest")
		closeLogger = func() error { return nil }
	}
}

// Querier is the slice of the flow source client the ingestor depends on.
type Querier interface {
	Query(ctx context.Context, anchorID string, role geoid.Role, year int) ([]flowapi.FlowRow, error)
}

// Request names one anchor query: the anchor entity and the role to query it
// in. Callers wanting both directions for an anchor submit two requests.
type Request struct {
	AnchorID string
	Role     geoid.Role
}

// Status classifies the outcome of one anchor query.
type Status string

const (
	StatusOK     Status = "ok"
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// AnchorOutcome is one manifest entry.
type AnchorOutcome struct {
	AnchorID string
	Role     geoid.Role
	Status   Status
	Rows     int    // rows accepted
	Dropped  int    // rows dropped during normalization
	Reason   string // failure or skip reason, empty on success
}

// Manifest records the outcome of every anchor query in a batch, so data loss
// is never silent.
type Manifest struct {
	Outcomes    []AnchorOutcome
	DroppedRows map[string]int // drop reason -> count, across the whole batch
}

// Succeeded returns the number of anchor queries that returned usable rows.
func (m *Manifest) Succeeded() int {
	n := 0
	for i := range m.Outcomes {
		if m.Outcomes[i].Status == StatusOK {
			n++
		}
	}
	return n
}

// Failed returns the number of anchor queries that exhausted their retries.
func (m *Manifest) Failed() int {
	n := 0
	for i := range m.Outcomes {
		if m.Outcomes[i].Status == StatusFailed {
			n++
		}
	}
	return n
}

// Result is the merged output of one ingestion batch.
type Result struct {
	Edges    []flowtable.RawEdge
	Manifest Manifest
}

// Ingestor coordinates batched anchor queries.
type Ingestor struct {
	client     Querier
	normalizer *geoid.Normalizer
	settings   conf.IngestSettings
	year       int
}

// New creates an Ingestor.
func New(client Querier, normalizer *geoid.Normalizer, settings conf.IngestSettings, year int) *Ingestor {
	return &Ingestor{
		client:     client,
		normalizer: normalizer,
		settings:   settings,
		year:       year,
	}
}

// taskResult is the private result list of one anchor task.
type taskResult struct {
	edges   []flowtable.RawEdge
	outcome AnchorOutcome
	dropped map[string]int
}

// Run executes all requests under the configured concurrency limit and merges
// the per-task results. Cancellation or the overall timeout marks outstanding
// anchors failed; results of anchors that completed before the cutoff remain
// in the output and are valid partial input for assembly.
func (ing *Ingestor) Run(ctx context.Context, requests []Request) (*Result, error) {
	if len(requests) == 0 {
		return nil, errors.Newf("no anchor requests given").
			Category(errors.CategoryValidation).
			Component("ingest").
			Build()
	}

	if ing.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ing.settings.Timeout)*time.Second)
		defer cancel()
	}

	logger.Info("starting ingestion batch",
		"requests", len(requests),
		"concurrency", ing.settings.Concurrency,
		"year", ing.year)

	start := time.Now()

	// One slot per request: each task writes only its own slot, the
	// coordinator reads them all after Wait.
	results := make([]taskResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.settings.Concurrency)

	for i := range requests {
		g.Go(func() error {
			results[i] = ing.fetchAnchor(gctx, requests[i])
			// Task errors are recorded in the slot, never returned:
			// one failed anchor must not cancel the batch.
			return nil
		})
	}

	// errgroup with nil-returning tasks cannot fail; Wait is a barrier.
	_ = g.Wait()

	merged := &Result{
		Manifest: Manifest{DroppedRows: make(map[string]int)},
	}
	for i := range results {
		merged.Edges = append(merged.Edges, results[i].edges...)
		merged.Manifest.Outcomes = append(merged.Manifest.Outcomes, results[i].outcome)
		for reason, count := range results[i].dropped {
			merged.Manifest.DroppedRows[reason] += count
		}
	}

	succeeded := merged.Manifest.Succeeded()
	logger.Info("ingestion batch finished",
		"requests", len(requests),
		"succeeded", succeeded,
		"failed", merged.Manifest.Failed(),
		"edges", len(merged.Edges),
		"duration_ms", time.Since(start).Milliseconds())

	if succeeded == 0 {
		return merged, errors.Newf("all %d anchor queries failed", len(requests)).
			Category(errors.CategoryIngest).
			Context("requests", len(requests)).
			Component("ingest").
			Build()
	}

	return merged, nil
}

// fetchAnchor queries one anchor with retries and converts its rows into raw
// edges with roles relabeled relative to the anchor.
func (ing *Ingestor) fetchAnchor(ctx context.Context, req Request) taskResult {
	res := taskResult{
		outcome: AnchorOutcome{AnchorID: req.AnchorID, Role: req.Role},
		dropped: make(map[string]int),
	}

	rows, err := ing.queryWithBackoff(ctx, req)
	if err != nil {
		res.outcome.Status = StatusFailed
		res.outcome.Reason = err.Error()
		logger.Warn("anchor query failed",
			"anchor", req.AnchorID,
			"role", req.Role,
			"error", err)
		return res
	}

	if len(rows) == 0 {
		res.outcome.Status = StatusEmpty
		res.outcome.Reason = "source returned no rows"
		logger.Debug("anchor query returned no data",
			"anchor", req.AnchorID,
			"role", req.Role)
		return res
	}

	anchor := ing.normalizer.Normalize(req.AnchorID, req.Role)
	sourceTag := fmt.Sprintf("%d/%s/%s", ing.year, anchor.ID, req.Role)

	for i := range rows {
		row := &rows[i]

		magnitude := row.Magnitude(req.Role)
		if !magnitude.Valid {
			res.outcome.Dropped++
			res.dropped["malformed magnitude"]++
			continue
		}
		if magnitude.Value <= 0 {
			res.outcome.Dropped++
			res.dropped["non-positive magnitude"]++
			continue
		}

		counterpartRole := geoid.RoleOrigin
		if req.Role == geoid.RoleOrigin {
			counterpartRole = geoid.RoleDestination
		}
		counterpart := ing.normalizer.Normalize(row.CounterpartID, counterpartRole).
			WithName(row.CounterpartName)

		if !counterpart.IsPrimary() {
			res.outcome.Dropped++
			res.dropped["non-primary counterpart"]++
			continue
		}

		// The source reports rows from the anchor's perspective. A
		// destination-anchored query describes flow counterpart->anchor,
		// an origin-anchored query the reverse; relabel before insertion.
		edge := flowtable.RawEdge{
			Magnitude:  magnitude.Value,
			AnchorID:   anchor.ID,
			AnchorRole: req.Role,
			SourceTag:  sourceTag,
		}
		if req.Role == geoid.RoleDestination {
			edge.OriginID = counterpart.ID
			edge.DestinationID = anchor.ID
		} else {
			edge.OriginID = anchor.ID
			edge.DestinationID = counterpart.ID
		}

		res.edges = append(res.edges, edge)
		res.outcome.Rows++
	}

	if res.outcome.Rows == 0 {
		res.outcome.Status = StatusEmpty
		res.outcome.Reason = "all rows dropped during normalization"
	} else {
		res.outcome.Status = StatusOK
	}

	return res
}

// queryWithBackoff retries transient failures with exponential backoff up to
// the configured ceiling.
func (ing *Ingestor) queryWithBackoff(ctx context.Context, req Request) ([]flowapi.FlowRow, error) {
	var lastErr error

	for attempt := 0; attempt <= ing.settings.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(ing.settings.BackoffMS) * time.Millisecond << (attempt - 1)
			if maxDelay := 30 * time.Second; delay > maxDelay {
				delay = maxDelay
			}
			logger.Debug("retrying anchor query",
				"anchor", req.AnchorID,
				"role", req.Role,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rows, err := ing.client.Query(ctx, req.AnchorID, req.Role, ing.year)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}

		// Non-transient errors are not worth the backoff.
		var enhancedErr *errors.EnhancedError
		if errors.As(err, &enhancedErr) {
			switch enhancedErr.Category {
			case errors.CategoryConfiguration, errors.CategoryValidation, errors.CategoryNotFound:
				return nil, err
			}
		}
	}

	return nil, lastErr
}

// Close releases the ingest service logger.
func Close() {
	if closeLogger != nil {
		_ = closeLogger()
	}
}
