package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/observability"
	"github.com/crisismesh/disaster-dedup-service/internal/pipeline"
)

// --- mocks ---

type mockExtractor struct {
	batches [][]domain.RawEvent
	index   atomic.Int64
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawEvent, error) {
	i := int(m.index.Add(1) - 1)
	if i >= len(m.batches) {
		// Block until cancelled to simulate waiting for messages.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.batches[i], nil
}

type mockProcessor struct {
	mu       sync.Mutex
	outcomes map[string]domain.Outcome
	err      error
	seen     []string
}

func (m *mockProcessor) Process(_ context.Context, raw domain.RawEvent) (domain.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Outcome{}, m.err
	}
	var report domain.RawReport
	_ = json.Unmarshal(raw.Value, &report)
	m.seen = append(m.seen, report.SourceEventID)
	if out, ok := m.outcomes[report.SourceEventID]; ok {
		return out, nil
	}
	return domain.Outcome{Status: domain.OutcomePromoted, MasterEventID: 1}, nil
}

type mockNoticeWriter struct {
	mu      sync.Mutex
	notices []domain.UpdateNotice
	err     error
}

func (m *mockNoticeWriter) WriteNotice(_ context.Context, n domain.UpdateNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.notices = append(m.notices, n)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *observability.Metrics {
	// Fresh registry avoids "already registered" panics across tests.
	return observability.NewMetricsForTesting()
}

func makeRawEvent(t *testing.T, sourceEventID string, offset int64, commit func(context.Context) error) domain.RawEvent {
	t.Helper()
	value, err := json.Marshal(domain.RawReport{
		SourceName:    "gdacs",
		SourceEventID: sourceEventID,
		ReportedTime:  "2024-09-14T12:00:00Z",
		DisasterType:  "Flood",
	})
	require.NoError(t, err)
	return domain.RawEvent{
		Key:    []byte(sourceEventID),
		Value:  value,
		Topic:  "raw-disaster-reports",
		Offset: offset,
		Commit: commit,
	}
}

// commitRecorder collects the offsets whose commit callbacks fired.
type commitRecorder struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *commitRecorder) at(offset int64) func(context.Context) error {
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.offsets = append(c.offsets, offset)
		return nil
	}
}

func (c *commitRecorder) committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.offsets...)
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	rec := &commitRecorder{}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{
		makeRawEvent(t, "gd-1", 0, rec.at(0)),
		makeRawEvent(t, "gd-2", 1, rec.at(1)),
	}}}
	proc := &mockProcessor{}
	notices := &mockNoticeWriter{}

	p := pipeline.New(ext, proc, notices, testLogger(), newTestMetrics(), 10, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]int64{0, 1}, rec.committed()); diff != "" {
		t.Errorf("committed offsets mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, notices.notices, 2)
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ext := &mockExtractor{} // no batches, will block
	p := pipeline.New(ext, &mockProcessor{}, nil, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	require.NoError(t, err)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_PendingOutcomeDoesNotCommit(t *testing.T) {
	var committed atomic.Int64
	commit := func(context.Context) error {
		committed.Add(1)
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{makeRawEvent(t, "gd-1", 0, commit)}}}
	proc := &mockProcessor{outcomes: map[string]domain.Outcome{
		"gd-1": {Status: domain.OutcomePending, Reason: "store conflict"},
	}}

	p := pipeline.New(ext, proc, nil, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Zero(t, committed.Load())
}

func TestPipeline_CommitsOnlyContiguousTerminalPrefix(t *testing.T) {
	rec := &commitRecorder{}

	// Offsets 0..2 on one partition; the middle one stays pending. The later
	// offset must not be committed either, or a restart would skip the
	// pending report entirely.
	ext := &mockExtractor{batches: [][]domain.RawEvent{{
		makeRawEvent(t, "gd-0", 0, rec.at(0)),
		makeRawEvent(t, "gd-1", 1, rec.at(1)),
		makeRawEvent(t, "gd-2", 2, rec.at(2)),
	}}}
	proc := &mockProcessor{outcomes: map[string]domain.Outcome{
		"gd-1": {Status: domain.OutcomePending, Reason: "store conflict"},
	}}

	p := pipeline.New(ext, proc, nil, testLogger(), newTestMetrics(), 10, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	if diff := cmp.Diff([]int64{0}, rec.committed()); diff != "" {
		t.Errorf("committed offsets mismatch (-want +got):\n%s", diff)
	}
}

func TestPipeline_PartitionsCommitIndependently(t *testing.T) {
	rec0 := &commitRecorder{}
	rec1 := &commitRecorder{}

	p1a := makeRawEvent(t, "p1-0", 0, rec1.at(0))
	p1a.Partition = 1
	p1b := makeRawEvent(t, "p1-1", 1, rec1.at(1))
	p1b.Partition = 1

	ext := &mockExtractor{batches: [][]domain.RawEvent{{
		makeRawEvent(t, "p0-0", 0, rec0.at(0)),
		makeRawEvent(t, "p0-1", 1, rec0.at(1)),
		p1a,
		p1b,
	}}}
	// A pending report on partition 1 must not hold back partition 0.
	proc := &mockProcessor{outcomes: map[string]domain.Outcome{
		"p1-0": {Status: domain.OutcomePending, Reason: "store conflict"},
	}}

	p := pipeline.New(ext, proc, nil, testLogger(), newTestMetrics(), 10, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	if diff := cmp.Diff([]int64{0, 1}, rec0.committed()); diff != "" {
		t.Errorf("partition 0 offsets mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, rec1.committed())
}

func TestPipeline_RejectedOutcomeCommits(t *testing.T) {
	var committed atomic.Int64
	commit := func(context.Context) error {
		committed.Add(1)
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{makeRawEvent(t, "gd-1", 0, commit)}}}
	proc := &mockProcessor{outcomes: map[string]domain.Outcome{
		"gd-1": {Status: domain.OutcomeRejected, Reason: "unparsable reported time"},
	}}
	notices := &mockNoticeWriter{}

	p := pipeline.New(ext, proc, notices, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, int64(1), committed.Load())
	// Rejections produce no update notice.
	assert.Empty(t, notices.notices)
}

func TestPipeline_ProcessorErrorLeavesOffsetUncommitted(t *testing.T) {
	var committed atomic.Int64
	commit := func(context.Context) error {
		committed.Add(1)
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{makeRawEvent(t, "gd-1", 0, commit)}}}
	proc := &mockProcessor{err: errors.New("store down")}

	p := pipeline.New(ext, proc, nil, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Zero(t, committed.Load())
}

func TestPipeline_NoticeCarriesSourceIdentity(t *testing.T) {
	ext := &mockExtractor{batches: [][]domain.RawEvent{{makeRawEvent(t, "gd-7", 0, nil)}}}
	proc := &mockProcessor{outcomes: map[string]domain.Outcome{
		"gd-7": {Status: domain.OutcomeMerged, MasterEventID: 42},
	}}
	notices := &mockNoticeWriter{}

	p := pipeline.New(ext, proc, notices, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	require.Len(t, notices.notices, 1)
	n := notices.notices[0]
	assert.Equal(t, int64(42), n.MasterEventID)
	assert.Equal(t, domain.OutcomeMerged, n.Status)
	assert.Equal(t, "gdacs", n.SourceName)
	assert.Equal(t, "gd-7", n.SourceEventID)
	assert.False(t, n.ProcessedAt.IsZero())
}

func TestPipeline_NoticeFailureStillCommits(t *testing.T) {
	var committed atomic.Int64
	commit := func(context.Context) error {
		committed.Add(1)
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{makeRawEvent(t, "gd-1", 0, commit)}}}
	notices := &mockNoticeWriter{err: errors.New("broker down")}

	p := pipeline.New(ext, &mockProcessor{}, notices, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, int64(1), committed.Load())
}

func TestPipeline_NilNoticeWriter(t *testing.T) {
	ext := &mockExtractor{batches: [][]domain.RawEvent{{makeRawEvent(t, "gd-1", 0, nil)}}}
	proc := &mockProcessor{}

	p := pipeline.New(ext, proc, nil, testLogger(), newTestMetrics(), 10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []string{"gd-1"}, proc.seen)
}

func TestPipeline_WorkerPoolProcessesWholeBatch(t *testing.T) {
	batch := make([]domain.RawEvent, 20)
	for i := range batch {
		batch[i] = makeRawEvent(t, string(rune('a'+i)), int64(i), nil)
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{batch}}
	proc := &mockProcessor{}

	p := pipeline.New(ext, proc, nil, testLogger(), newTestMetrics(), 20, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Len(t, proc.seen, 20)
}
