package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/devblac/lag-watch/internal/height"
	"github.com/devblac/lag-watch/internal/metrics"
	"github.com/devblac/lag-watch/internal/sink"
	"github.com/devblac/lag-watch/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	sourceNode    = "node"
	sourceIndexer = "indexer"
)

// HeadFetcher returns the network head.
type HeadFetcher interface {
	FetchHead(ctx context.Context) (height.Height, error)
}

// CursorFetcher returns the reduced indexed head.
type CursorFetcher interface {
	FetchIndexed(ctx context.Context) (height.Height, error)
}

// Journal records tick outcomes. Implemented by *storage.Store.
type Journal interface {
	InsertTick(ctx context.Context, t storage.Tick) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options are fixed for the life of a Runner.
type Options struct {
	Interval         time.Duration
	Threshold        height.Height
	FetchRetries     uint64
	Location         *time.Location
	DryRun           bool
	JournalRetention time.Duration
}

// OptionsFromConfig derives runner options from a validated config.
func OptionsFromConfig(cfg *config.Config, dryRun bool) Options {
	return Options{
		Interval:         cfg.Global.Interval,
		Threshold:        height.FromUint64(cfg.Global.ThresholdBlocks()),
		FetchRetries:     cfg.Global.FetchRetries,
		Location:         cfg.Global.Location(),
		DryRun:           dryRun,
		JournalRetention: cfg.Global.JournalRetention,
	}
}

// TickReport is the diagnostic record of one tick.
type TickReport struct {
	At           time.Time
	Network      *height.Height
	Indexed      *height.Height
	NetworkErr   error
	IndexedErr   error
	Outcome      Outcome
	AlertsSent   int
	AlertsFailed int
	Err          error
}

// Runner drives the fetch, evaluate, dispatch cycle.
type Runner struct {
	head    HeadFetcher
	cursor  CursorFetcher
	sinks   map[string]sink.Sender
	sinkIDs []string
	journal Journal
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	nowFunc      func() time.Time
	retryInitial time.Duration

	mu   sync.RWMutex
	last *TickReport
}

// NewRunner builds a runner for the provided fetchers and sinks.
func NewRunner(head HeadFetcher, cursor CursorFetcher, sinks map[string]sink.Sender, opts Options) (*Runner, error) {
	if head == nil || cursor == nil {
		return nil, fmt.Errorf("head and cursor fetchers are required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	ids := make([]string, 0, len(sinks))
	for id := range sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Runner{
		head:         head,
		cursor:       cursor,
		sinks:        sinks,
		sinkIDs:      ids,
		log:          slog.Default(),
		opts:         opts,
		nowFunc:      time.Now,
		retryInitial: 500 * time.Millisecond,
	}, nil
}

func (r *Runner) WithJournal(j Journal) *Runner {
	r.journal = j
	return r
}

func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	if l != nil {
		r.log = l
	}
	return r
}

// Run executes a tick immediately and then once per interval until ctx is cancelled.
// A failing tick never stops the loop.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.Info("probe started",
		"interval", r.opts.Interval.String(),
		"threshold", r.opts.Threshold.String(),
		"sinks", len(r.sinkIDs),
		"dry_run", r.opts.DryRun,
	)
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("probe stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one tick. It always returns a report and never panics.
func (r *Runner) RunOnce(ctx context.Context) (report TickReport) {
	report.At = r.nowFunc()
	defer func() {
		if p := recover(); p != nil {
			report.Err = fmt.Errorf("tick panic: %v", p)
			r.metrics.TickPanic()
			r.log.Error("tick aborted", "panic", p)
		}
		r.finish(ctx, &report)
	}()

	r.fetch(ctx, &report)
	report.Outcome = Evaluate(report.Network, report.Indexed, r.opts.Threshold)
	if report.Outcome.Status == Stale {
		r.dispatch(ctx, &report)
	}
	return report
}

// LastReport returns the most recent completed tick.
func (r *Runner) LastReport() (TickReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return TickReport{}, false
	}
	return *r.last, true
}

// fetch runs both fetchers concurrently; neither failure affects the other.
func (r *Runner) fetch(ctx context.Context, report *TickReport) {
	var g errgroup.Group
	g.Go(func() error {
		h, err := r.fetchWithRetry(ctx, sourceNode, r.head.FetchHead)
		if err != nil {
			report.NetworkErr = err
			r.fetchFailed(sourceNode, err)
			return nil
		}
		report.Network = &h
		return nil
	})
	g.Go(func() error {
		h, err := r.fetchWithRetry(ctx, sourceIndexer, r.cursor.FetchIndexed)
		if err != nil {
			report.IndexedErr = err
			r.fetchFailed(sourceIndexer, err)
			return nil
		}
		report.Indexed = &h
		return nil
	})
	_ = g.Wait()
}

func (r *Runner) fetchFailed(source string, err error) {
	kind := fault.KindOf(err)
	r.metrics.FetchError(source, kind.String())
	r.log.Warn("fetch failed", "source", source, "kind", kind.String(), "error", err)
}

// fetchWithRetry applies the loop-level retry policy. With FetchRetries == 0 it is a single attempt.
func (r *Runner) fetchWithRetry(ctx context.Context, source string, fn func(context.Context) (height.Height, error)) (height.Height, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInitial
	eb.MaxElapsedTime = r.opts.Interval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.opts.FetchRetries), ctx)

	var h height.Height
	err := backoff.RetryNotify(func() error {
		v, err := callSafely(ctx, fn)
		if err != nil {
			if fault.Is(err, fault.Configuration) {
				return backoff.Permanent(err)
			}
			return err
		}
		h = v
		return nil
	}, policy, func(err error, wait time.Duration) {
		r.log.Debug("fetch retry scheduled", "source", source, "wait", wait.String(), "error", err)
	})
	return h, err
}

func callSafely(ctx context.Context, fn func(context.Context) (height.Height, error)) (h height.Height, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fetch panic: %v", p)
		}
	}()
	return fn(ctx)
}

// dispatch sends one alert per sink. Failures are logged and counted, never retried.
func (r *Runner) dispatch(ctx context.Context, report *TickReport) {
	incident := sink.Incident{
		Network:   *report.Network,
		Indexed:   *report.Indexed,
		Lag:       report.Outcome.Lag,
		Threshold: r.opts.Threshold,
		At:        report.At,
		Location:  r.opts.Location,
	}
	if r.opts.DryRun {
		r.log.Info("dry run, alert suppressed", "lag", incident.Lag.String())
		return
	}

	for _, id := range r.sinkIDs {
		s := r.sinks[id]
		if s == nil {
			continue
		}
		if err := s.Send(ctx, incident); err != nil {
			report.AlertsFailed++
			r.metrics.AlertsFailed()
			r.log.Error("alert not delivered", "sink", id, "kind", fault.KindOf(err).String(), "error", err)
			continue
		}
		report.AlertsSent++
		r.metrics.AlertsSent()
		r.log.Info("alert sent", "sink", id, "lag", incident.Lag.String())
	}
}

func (r *Runner) finish(ctx context.Context, report *TickReport) {
	status := report.Outcome.Status.String()
	r.metrics.Tick(status, report.At)
	if report.Network != nil {
		r.metrics.NetworkHeight(report.Network.Float64())
	}
	if report.Indexed != nil {
		r.metrics.IndexedHeight(report.Indexed.Float64())
	}

	switch report.Outcome.Status {
	case Unmeasurable:
		r.log.Warn("could not compare blocks", "network", heightAttr(report.Network), "indexed", heightAttr(report.Indexed))
	case Healthy:
		r.metrics.Lag(report.Outcome.Lag.Float64())
	case Stale:
		r.metrics.Lag(report.Outcome.Lag.Float64())
		r.log.Warn("cursor behind network", "lag", report.Outcome.Lag.String(), "threshold", r.opts.Threshold.String(),
			"network", report.Network.String(), "indexed", report.Indexed.String(), "alerts_sent", report.AlertsSent)
	}

	if r.journal != nil {
		r.record(ctx, report)
	}

	r.mu.Lock()
	last := *report
	r.last = &last
	r.mu.Unlock()

	attrs := []any{
		"status", status,
		"network", heightAttr(report.Network),
		"indexed", heightAttr(report.Indexed),
		"alerts_sent", report.AlertsSent,
		"alerts_failed", report.AlertsFailed,
		"dry_run", r.opts.DryRun,
	}
	if report.Outcome.Status != Unmeasurable {
		attrs = append(attrs, "lag", report.Outcome.Lag.String())
	}
	if report.Err != nil {
		attrs = append(attrs, "error", report.Err)
	}
	r.log.Info("tick complete", attrs...)
}

func (r *Runner) record(ctx context.Context, report *TickReport) {
	if err := r.journal.InsertTick(ctx, report.JournalEntry()); err != nil {
		r.log.Error("journal write failed", "error", err)
		return
	}
	if r.opts.JournalRetention > 0 {
		n, err := r.journal.PruneBefore(ctx, report.At.Add(-r.opts.JournalRetention))
		if err != nil {
			r.log.Error("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			r.log.Debug("journal pruned", "rows", n)
		}
	}
}

// JournalEntry converts the report to its persisted form.
func (t TickReport) JournalEntry() storage.Tick {
	entry := storage.Tick{
		At:           t.At,
		Status:       t.Outcome.Status.String(),
		Network:      heightAttr(t.Network),
		Indexed:      heightAttr(t.Indexed),
		AlertsSent:   t.AlertsSent,
		AlertsFailed: t.AlertsFailed,
	}
	if t.Outcome.Status != Unmeasurable {
		entry.Lag = t.Outcome.Lag.String()
	}
	if t.NetworkErr != nil {
		entry.NetworkError = t.NetworkErr.Error()
	}
	if t.IndexedErr != nil {
		entry.IndexedError = t.IndexedErr.Error()
	}
	return entry
}

func heightAttr(h *height.Height) string {
	if h == nil {
		return ""
	}
	return h.String()
}
