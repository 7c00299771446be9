package health

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/lag-watch/internal/engine"
)

type tickSource interface {
	LastReport() (engine.TickReport, bool)
}

// UpstreamChecker reports upstream health from the most recent tick instead of
// calling the provider, so probing /healthz never spends provider quota.
type UpstreamChecker struct {
	ticks tickSource
}

// NewUpstreamChecker creates a checker backed by the runner's last report.
func NewUpstreamChecker(ticks tickSource) *UpstreamChecker {
	return &UpstreamChecker{ticks: ticks}
}

// PingNode fails when the last tick could not read the network head.
// Before the first tick it reports ok.
func (c *UpstreamChecker) PingNode(ctx context.Context) error {
	last, ok := c.ticks.LastReport()
	if !ok || last.NetworkErr == nil {
		return nil
	}
	return fmt.Errorf("node: %w", last.NetworkErr)
}

// PingIndexer fails when the last tick could not read the indexed cursor.
func (c *UpstreamChecker) PingIndexer(ctx context.Context) error {
	last, ok := c.ticks.LastReport()
	if !ok || last.IndexedErr == nil {
		return nil
	}
	return fmt.Errorf("indexer: %w", last.IndexedErr)
}

// LastTick reports when the last tick started.
func (c *UpstreamChecker) LastTick() (time.Time, bool) {
	last, ok := c.ticks.LastReport()
	return last.At, ok
}
