// Package pipeline orchestrates the staging-feed loop: extract a batch of
// raw reports, run each through the deduplication engine, publish update
// notices, and commit the offsets that are safe to commit.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/observability"
)

// BatchExtractor reads up to batchSize raw reports from the staging feed.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Processor decides the outcome of one raw report. An error return means the
// decision could not be recorded and the report must be redelivered.
type Processor interface {
	Process(ctx context.Context, raw domain.RawEvent) (domain.Outcome, error)
}

// NoticeWriter publishes master-event update notices to the sink feed.
type NoticeWriter interface {
	WriteNotice(ctx context.Context, notice domain.UpdateNotice) error
}

// Pipeline runs the extract-process-commit loop.
type Pipeline struct {
	extractor BatchExtractor
	processor Processor
	notices   NoticeWriter
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
	workers   int

	mu     sync.Mutex
	totals map[domain.OutcomeStatus]int
}

// New creates a Pipeline. notices may be nil to disable the update feed.
func New(e BatchExtractor, p Processor, n NoticeWriter, logger *slog.Logger, metrics *observability.Metrics, batchSize, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		extractor: e,
		processor: p,
		notices:   n,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
		workers:   workers,
		totals:    make(map[domain.OutcomeStatus]int),
	}
}

// CheckReadiness returns nil once the pipeline has processed at least one
// report.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any reports yet")
	}
	return nil
}

// Run executes the loop until the context is cancelled, then logs the
// per-run outcome summary.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize, "workers", p.workers)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.logSummary()

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-process-commit cycle. Returns false if the
// pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := time.Now()

	batch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	if len(batch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.ReportsConsumed.Add(float64(len(batch)))
	p.metrics.BatchSize.Observe(float64(len(batch)))

	failed := p.processReports(ctx, batch)
	if failed > 0 {
		// Store trouble: slow down before pulling the next batch. The
		// unprocessed reports stay uncommitted and will be redelivered.
		if !p.backoffOrStop(ctx, backoff, maxBackoff) {
			return false
		}
	} else {
		*backoff = 200 * time.Millisecond
	}

	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	p.ready.Store(true)
	return true
}

// reportResult records how one report of a batch ended up: terminal means
// its offset may be committed, failed means the decision could not be
// recorded at all.
type reportResult struct {
	raw      domain.RawEvent
	terminal bool
	failed   bool
}

// processReports fans the batch out over the worker pool, then commits
// whatever prefix of each partition reached a terminal outcome. Returns the
// number of reports whose decision could not be recorded. Correctness under
// parallelism is the engine's concern: it serializes decisions per
// classification.
func (p *Pipeline) processReports(ctx context.Context, batch []domain.RawEvent) int {
	results := make([]reportResult, len(batch))
	work := make(chan int)
	var wg sync.WaitGroup

	for range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = p.processOne(ctx, batch[i])
			}
		}()
	}

	for i := range batch {
		work <- i
	}
	close(work)
	wg.Wait()

	p.commitTerminalPrefix(ctx, results)

	failed := 0
	for _, r := range results {
		if r.failed {
			failed++
		}
	}
	return failed
}

// processOne runs a single report through the engine. Offsets are not
// committed here; commitTerminalPrefix decides what is safe once the whole
// batch has settled.
func (p *Pipeline) processOne(ctx context.Context, raw domain.RawEvent) reportResult {
	res := reportResult{raw: raw}

	outcome, err := p.processor.Process(ctx, raw)
	if err != nil {
		p.logger.Error("processing failed, report will be redelivered",
			"error", err,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
		res.failed = true
		return res
	}

	p.metrics.Outcomes.WithLabelValues(string(outcome.Status)).Inc()
	p.countOutcome(outcome.Status)

	switch outcome.Status {
	case domain.OutcomePending:
		// Not terminal: the report must be redelivered on a later pass.
		return res
	case domain.OutcomeRejected:
		p.logger.Warn("report rejected",
			"reason", outcome.Reason,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
	case domain.OutcomeMerged, domain.OutcomePromoted:
		p.publishNotice(ctx, raw, outcome)
	}

	res.terminal = true
	return res
}

// commitTerminalPrefix commits offsets per partition in ascending order,
// stopping at the first report that is not yet terminal. Kafka tracks a
// single committed offset per partition, so committing past a pending or
// failed report would silently skip it on the next rebalance.
func (p *Pipeline) commitTerminalPrefix(ctx context.Context, results []reportResult) {
	type partition struct {
		topic string
		id    int
	}
	byPartition := make(map[partition][]reportResult)
	for _, r := range results {
		k := partition{topic: r.raw.Topic, id: r.raw.Partition}
		byPartition[k] = append(byPartition[k], r)
	}

	for _, rs := range byPartition {
		sort.Slice(rs, func(i, j int) bool { return rs[i].raw.Offset < rs[j].raw.Offset })
		for _, r := range rs {
			if !r.terminal {
				break
			}
			p.commitOffset(ctx, r.raw)
		}
	}
}

// publishNotice emits a best-effort update notice. The store is the source
// of truth; a lost notice only delays a dashboard refresh, so failures are
// logged and the offset is still committed.
func (p *Pipeline) publishNotice(ctx context.Context, raw domain.RawEvent, outcome domain.Outcome) {
	if p.notices == nil {
		return
	}

	var report domain.RawReport
	_ = json.Unmarshal(raw.Value, &report)

	notice := domain.UpdateNotice{
		MasterEventID: outcome.MasterEventID,
		Status:        outcome.Status,
		SourceName:    report.SourceName,
		SourceEventID: report.SourceEventID,
		ProcessedAt:   time.Now().UTC(),
	}
	if err := p.notices.WriteNotice(ctx, notice); err != nil {
		p.logger.Warn("publish update notice failed", "error", err, "master_event_id", outcome.MasterEventID)
		return
	}
	p.metrics.NoticesWritten.Inc()
}

func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func (p *Pipeline) countOutcome(status domain.OutcomeStatus) {
	p.mu.Lock()
	p.totals[status]++
	p.mu.Unlock()
}

func (p *Pipeline) logSummary() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("run summary",
		"merged", p.totals[domain.OutcomeMerged],
		"promoted", p.totals[domain.OutcomePromoted],
		"rejected", p.totals[domain.OutcomeRejected],
		"pending", p.totals[domain.OutcomePending],
		"skipped", p.totals[domain.OutcomeSkipped],
	)
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
