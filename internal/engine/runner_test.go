package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/devblac/lag-watch/internal/height"
	"github.com/devblac/lag-watch/internal/metrics"
	"github.com/devblac/lag-watch/internal/sink"
	"github.com/devblac/lag-watch/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeSource struct {
	mu     sync.Mutex
	calls  int
	values []height.Height
	errs   []error
	panics bool
}

func (f *fakeSource) next(ctx context.Context) (height.Height, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if f.panics {
		panic("upstream exploded")
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return height.Height{}, f.errs[i]
	}
	if len(f.values) == 0 {
		return height.Height{}, fault.New(fault.DataShape, "fake", errors.New("no values"))
	}
	if i >= len(f.values) {
		i = len(f.values) - 1
	}
	return f.values[i], nil
}

func (f *fakeSource) FetchHead(ctx context.Context) (height.Height, error)    { return f.next(ctx) }
func (f *fakeSource) FetchIndexed(ctx context.Context) (height.Height, error) { return f.next(ctx) }

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fixed(n uint64) *fakeSource {
	return &fakeSource{values: []height.Height{height.FromUint64(n)}}
}

func failing(err error) *fakeSource {
	return &fakeSource{errs: []error{err, err, err, err, err}}
}

type fakeSink struct {
	mu       sync.Mutex
	messages []string
	err      error
	panics   bool
}

func (f *fakeSink) Send(ctx context.Context, incident sink.Incident) error {
	if f.panics {
		panic("sink exploded")
	}
	msg, err := sink.Render(sink.DefaultTemplate, incident)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	return f.err
}

type fakeJournal struct {
	ticks   []storage.Tick
	pruned  []time.Time
	failErr error
}

func (f *fakeJournal) InsertTick(ctx context.Context, t storage.Tick) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.ticks = append(f.ticks, t)
	return nil
}

func (f *fakeJournal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.pruned = append(f.pruned, cutoff)
	return 0, nil
}

var testNow = time.Date(2024, 1, 15, 17, 30, 0, 0, time.UTC)

func newTestRunner(t *testing.T, head HeadFetcher, cursor CursorFetcher, sinks map[string]sink.Sender, mutate func(*Options)) *Runner {
	t.Helper()
	opts := Options{
		Interval:  time.Minute,
		Threshold: height.FromUint64(10),
		Location:  time.UTC,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRunner(head, cursor, sinks, opts)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	r.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.nowFunc = func() time.Time { return testNow }
	r.retryInitial = time.Millisecond
	return r
}

func TestRunOnceStaleSendsOneAlert(t *testing.T) {
	s := &fakeSink{}
	r := newTestRunner(t, fixed(1000), fixed(989), map[string]sink.Sender{"slack": s}, nil)

	report := r.RunOnce(context.Background())

	if report.Outcome.Status != Stale {
		t.Fatalf("status = %s, want stale", report.Outcome.Status)
	}
	if report.Outcome.Lag.Cmp(height.FromUint64(11)) != 0 {
		t.Fatalf("lag = %s, want 11", report.Outcome.Lag)
	}
	if len(s.messages) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(s.messages))
	}
	if !strings.Contains(s.messages[0], "Cursor is 11 blocks behind") {
		t.Fatalf("message missing lag: %q", s.messages[0])
	}
	if !strings.Contains(s.messages[0], "Network Block: 1000") || !strings.Contains(s.messages[0], "Cursor Block: 989") {
		t.Fatalf("message missing heights: %q", s.messages[0])
	}
	if report.AlertsSent != 1 || report.AlertsFailed != 0 {
		t.Fatalf("alerts sent=%d failed=%d", report.AlertsSent, report.AlertsFailed)
	}
}

func TestRunOnceHealthyDoesNotAlert(t *testing.T) {
	s := &fakeSink{}
	r := newTestRunner(t, fixed(1000), fixed(995), map[string]sink.Sender{"slack": s}, nil)

	report := r.RunOnce(context.Background())

	if report.Outcome.Status != Healthy {
		t.Fatalf("status = %s, want healthy", report.Outcome.Status)
	}
	if report.Outcome.Lag.Cmp(height.FromUint64(5)) != 0 {
		t.Fatalf("lag = %s, want 5", report.Outcome.Lag)
	}
	if len(s.messages) != 0 {
		t.Fatalf("expected no alerts, got %d", len(s.messages))
	}
}

func TestRunOnceUnmeasurableWhenNodeFails(t *testing.T) {
	s := &fakeSink{}
	head := failing(fault.New(fault.Transport, "eth_blockNumber", errors.New("connection refused")))
	r := newTestRunner(t, head, fixed(500), map[string]sink.Sender{"slack": s}, nil)

	report := r.RunOnce(context.Background())

	if report.Outcome.Status != Unmeasurable {
		t.Fatalf("status = %s, want unmeasurable", report.Outcome.Status)
	}
	if report.Network != nil {
		t.Fatalf("network height should be absent")
	}
	if report.Indexed == nil || report.Indexed.Cmp(height.FromUint64(500)) != 0 {
		t.Fatalf("indexed = %v, want 500", report.Indexed)
	}
	if !fault.Is(report.NetworkErr, fault.Transport) {
		t.Fatalf("network error kind = %s, want transport", fault.KindOf(report.NetworkErr))
	}
	if len(s.messages) != 0 {
		t.Fatalf("expected no alerts, got %d", len(s.messages))
	}
}

func TestRunOnceBothFetchesAttemptedWhenOneFails(t *testing.T) {
	head := fixed(1000)
	cursor := failing(fault.New(fault.DataShape, "cursor query", errors.New("empty")))
	r := newTestRunner(t, head, cursor, nil, nil)

	report := r.RunOnce(context.Background())

	if head.Calls() != 1 || cursor.Calls() != 1 {
		t.Fatalf("calls head=%d cursor=%d, want 1 each", head.Calls(), cursor.Calls())
	}
	if report.Network == nil || report.IndexedErr == nil {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunOnceDispatchFailureTolerated(t *testing.T) {
	bad := &fakeSink{err: fault.New(fault.Dispatch, "slack", errors.New("502"))}
	good := &fakeSink{}
	reg := prometheus.NewRegistry()
	r := newTestRunner(t, fixed(1000), fixed(900), map[string]sink.Sender{"a-bad": bad, "b-good": good}, nil)
	r.WithMetrics(metrics.New(reg))

	report := r.RunOnce(context.Background())

	if report.Err != nil {
		t.Fatalf("tick error: %v", report.Err)
	}
	if report.AlertsFailed != 1 || report.AlertsSent != 1 {
		t.Fatalf("alerts sent=%d failed=%d, want 1/1", report.AlertsSent, report.AlertsFailed)
	}
	if len(good.messages) != 1 {
		t.Fatalf("healthy sink should still receive the alert")
	}

	// the next tick still runs and alerts again
	report = r.RunOnce(context.Background())
	if report.Outcome.Status != Stale || len(good.messages) != 2 {
		t.Fatalf("second tick status=%s messages=%d", report.Outcome.Status, len(good.messages))
	}
}

func TestRunOnceDryRunSuppressesAlerts(t *testing.T) {
	s := &fakeSink{}
	r := newTestRunner(t, fixed(1000), fixed(1), map[string]sink.Sender{"slack": s}, func(o *Options) { o.DryRun = true })

	report := r.RunOnce(context.Background())

	if report.Outcome.Status != Stale {
		t.Fatalf("status = %s, want stale", report.Outcome.Status)
	}
	if len(s.messages) != 0 {
		t.Fatalf("dry run should not send, got %d", len(s.messages))
	}
}

func TestRunOnceRecordsJournal(t *testing.T) {
	j := &fakeJournal{}
	r := newTestRunner(t, fixed(1000), fixed(989), map[string]sink.Sender{"slack": &fakeSink{}}, func(o *Options) {
		o.JournalRetention = time.Hour
	})
	r.WithJournal(j)

	r.RunOnce(context.Background())

	if len(j.ticks) != 1 {
		t.Fatalf("expected one journal row, got %d", len(j.ticks))
	}
	got := j.ticks[0]
	if got.Status != "stale" || got.Network != "1000" || got.Indexed != "989" || got.Lag != "11" || got.AlertsSent != 1 {
		t.Fatalf("unexpected journal row: %+v", got)
	}
	if len(j.pruned) != 1 || !j.pruned[0].Equal(testNow.Add(-time.Hour)) {
		t.Fatalf("unexpected prune cutoff: %v", j.pruned)
	}
}

func TestRunOnceJournalFailureDoesNotAbortTick(t *testing.T) {
	j := &fakeJournal{failErr: errors.New("disk full")}
	s := &fakeSink{}
	r := newTestRunner(t, fixed(1000), fixed(900), map[string]sink.Sender{"slack": s}, nil)
	r.WithJournal(j)

	report := r.RunOnce(context.Background())
	if report.Err != nil || len(s.messages) != 1 {
		t.Fatalf("err=%v messages=%d", report.Err, len(s.messages))
	}
}

func TestRunOnceUnmeasurableJournalHasNoLag(t *testing.T) {
	j := &fakeJournal{}
	r := newTestRunner(t, failing(fault.New(fault.Response, "eth_blockNumber", errors.New("500"))), fixed(7), nil, nil)
	r.WithJournal(j)

	r.RunOnce(context.Background())

	got := j.ticks[0]
	if got.Status != "unmeasurable" || got.Lag != "" || got.Network != "" || got.Indexed != "7" {
		t.Fatalf("unexpected journal row: %+v", got)
	}
	if !strings.Contains(got.NetworkError, "500") {
		t.Fatalf("network error not recorded: %q", got.NetworkError)
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	head := &fakeSource{
		errs:   []error{fault.New(fault.Transport, "eth_blockNumber", errors.New("reset"))},
		values: []height.Height{height.FromUint64(50), height.FromUint64(50)},
	}
	r := newTestRunner(t, head, fixed(45), nil, func(o *Options) { o.FetchRetries = 2 })

	report := r.RunOnce(context.Background())

	if head.Calls() != 2 {
		t.Fatalf("expected 2 attempts, got %d", head.Calls())
	}
	if report.Outcome.Status != Healthy {
		t.Fatalf("status = %s, want healthy", report.Outcome.Status)
	}
}

func TestFetchRetriesExhausted(t *testing.T) {
	head := failing(fault.New(fault.Transport, "eth_blockNumber", errors.New("reset")))
	r := newTestRunner(t, head, fixed(45), nil, func(o *Options) { o.FetchRetries = 2 })

	report := r.RunOnce(context.Background())

	if head.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", head.Calls())
	}
	if report.Outcome.Status != Unmeasurable {
		t.Fatalf("status = %s, want unmeasurable", report.Outcome.Status)
	}
}

func TestFetchConfigurationErrorNotRetried(t *testing.T) {
	head := failing(fault.New(fault.Configuration, "node endpoint", errors.New("ALCHEMY_API_KEY is not set")))
	r := newTestRunner(t, head, fixed(45), nil, func(o *Options) { o.FetchRetries = 3 })

	report := r.RunOnce(context.Background())

	if head.Calls() != 1 {
		t.Fatalf("configuration errors should not be retried, got %d attempts", head.Calls())
	}
	if !fault.Is(report.NetworkErr, fault.Configuration) {
		t.Fatalf("kind = %s, want configuration", fault.KindOf(report.NetworkErr))
	}
}

func TestRunOnceRecoversPanics(t *testing.T) {
	t.Run("fetcher", func(t *testing.T) {
		r := newTestRunner(t, &fakeSource{panics: true}, fixed(1), nil, nil)
		report := r.RunOnce(context.Background())
		if report.Outcome.Status != Unmeasurable || report.NetworkErr == nil {
			t.Fatalf("unexpected report: %+v", report)
		}
	})
	t.Run("sink", func(t *testing.T) {
		r := newTestRunner(t, fixed(1000), fixed(1), map[string]sink.Sender{"boom": &fakeSink{panics: true}}, nil)
		report := r.RunOnce(context.Background())
		if report.Err == nil {
			t.Fatalf("expected tick error from panic")
		}
		if last, ok := r.LastReport(); !ok || last.Err == nil {
			t.Fatalf("last report should record the aborted tick")
		}
	})
}

func TestLastReport(t *testing.T) {
	r := newTestRunner(t, fixed(10), fixed(10), nil, nil)
	if _, ok := r.LastReport(); ok {
		t.Fatalf("no tick has run yet")
	}
	r.RunOnce(context.Background())
	last, ok := r.LastReport()
	if !ok || last.Outcome.Status != Healthy || !last.At.Equal(testNow) {
		t.Fatalf("unexpected last report: %+v", last)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	head := fixed(10)
	r := newTestRunner(t, head, fixed(10), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if head.Calls() != 1 {
		t.Fatalf("expected the immediate tick, got %d", head.Calls())
	}
}

func TestNewRunnerRejectsBadOptions(t *testing.T) {
	if _, err := NewRunner(nil, fixed(1), nil, Options{Interval: time.Second}); err == nil {
		t.Fatalf("expected error for nil head fetcher")
	}
	if _, err := NewRunner(fixed(1), fixed(1), nil, Options{}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestRunOnceLogsTickComplete(t *testing.T) {
	tests := []struct {
		name       string
		head       *fakeSource
		wantStatus string
		wantLag    string
	}{
		{"healthy", fixed(1000), "healthy", "5"},
		{"stale", fixed(1100), "stale", "105"},
		{"unmeasurable", failing(fault.New(fault.Transport, "eth_blockNumber", errors.New("reset"))), "unmeasurable", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := newTestRunner(t, tt.head, fixed(995), map[string]sink.Sender{"slack": &fakeSink{}}, nil)
			r.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

			r.RunOnce(context.Background())

			var found map[string]any
			for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
				var rec map[string]any
				if err := json.Unmarshal(line, &rec); err != nil {
					t.Fatalf("decode log line %q: %v", line, err)
				}
				if rec["msg"] == "tick complete" {
					found = rec
				}
			}
			if found == nil {
				t.Fatalf("no tick complete line in:\n%s", buf.String())
			}
			if found["status"] != tt.wantStatus {
				t.Fatalf("status = %v, want %s", found["status"], tt.wantStatus)
			}
			lag, _ := found["lag"].(string)
			if lag != tt.wantLag {
				t.Fatalf("lag = %q, want %q", lag, tt.wantLag)
			}
		})
	}
}

func TestZeroThresholdFromConfigAlertsOnAnyLag(t *testing.T) {
	cfg, err := config.Parse([]byte(`version: 1
global: {threshold: 0}
network: {rpc_url: http://node.test}
indexer: {graphql_url: http://indexer.test}
sinks: [{id: s, type: slack_api}]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := &fakeSink{}
	r, err := NewRunner(fixed(1000), fixed(999), map[string]sink.Sender{"slack": s}, OptionsFromConfig(cfg, false))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	r.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	report := r.RunOnce(context.Background())

	if report.Outcome.Status != Stale || len(s.messages) != 1 {
		t.Fatalf("status=%s messages=%d, want stale with one alert", report.Outcome.Status, len(s.messages))
	}
}
