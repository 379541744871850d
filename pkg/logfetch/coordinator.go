// Package logfetch retrieves pool logs over a block range in adaptive
// batches. Fetching may overlap I/O across a bounded worker group; decoding
// order never matters because results are merged by a single sort at the end.
package logfetch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/poolscope/poolscope/pkg/clients/ethereum"
	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
	"github.com/poolscope/poolscope/pkg/retry"
	"go.uber.org/zap"
)

// LogSource is the slice of the chain client the coordinator needs.
type LogSource interface {
	GetLogs(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
}

// Progress receives advisory fetch progress: the fraction of the block range
// processed and the running decoded-event count. It must not be relied on for
// correctness.
type Progress func(fraction float64, eventCount int)

type CoordinatorConfig struct {
	WindowBlocks     uint64
	MinWindowBlocks  uint64
	Concurrency      int
	Concurrent       bool
	InterWindowDelay time.Duration
	Retry            *retry.RetryConfig
}

func NewCoordinatorDefaultConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		WindowBlocks:     config.DefaultLogWindowBlocks,
		MinWindowBlocks:  config.MinLogWindowBlocks,
		Concurrency:      config.DefaultFetchConcurrency,
		Concurrent:       true,
		InterWindowDelay: 50 * time.Millisecond,
		Retry:            retry.DefaultRetryConfig(),
	}
}

type Coordinator struct {
	source   LogSource
	decoder  *events.Decoder
	cfg      *CoordinatorConfig
	logger   *zap.Logger
	progress Progress

	fellBack atomic.Bool
}

// FellBackToSequential reports whether any fetch so far tripped a provider
// range limit and degraded to sequential processing. Diagnostic only.
func (c *Coordinator) FellBackToSequential() bool {
	return c.fellBack.Load()
}

func NewCoordinator(
	source LogSource,
	decoder *events.Decoder,
	cfg *CoordinatorConfig,
	progress Progress,
	logger *zap.Logger,
) *Coordinator {
	if cfg == nil {
		cfg = NewCoordinatorDefaultConfig()
	}
	return &Coordinator{
		source:   source,
		decoder:  decoder,
		cfg:      cfg,
		logger:   logger,
		progress: progress,
	}
}

type window struct {
	from uint64
	to   uint64
}

// FetchRange returns all pool events for the inclusive block range, sorted by
// (blockNumber, logIndex). Transfer logs are included only when requested.
//
// Fetching runs concurrently over fixed-size windows until the provider
// signals a range limit; from that point every remaining window is processed
// sequentially with a halving window size, down to the configured floor.
func (c *Coordinator) FetchRange(
	ctx context.Context,
	pool common.Address,
	fromBlock, toBlock uint64,
	includeTransfers bool,
) ([]events.PoolEvent, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("invalid block range [%d, %d]", fromBlock, toBlock)
	}

	topics := c.decoder.Topics(includeTransfers)
	windows := splitRange(fromBlock, toBlock, c.cfg.WindowBlocks)
	totalBlocks := toBlock - fromBlock + 1

	c.logger.Sugar().Infow("Fetching pool logs",
		"pool", pool.Hex(),
		"fromBlock", fromBlock,
		"toBlock", toBlock,
		"windows", len(windows),
		"includeTransfers", includeTransfers,
	)

	results := make([][]events.PoolEvent, len(windows))
	tracker := &progressTracker{total: totalBlocks, report: c.progress}

	var sequential []int
	startSpan := c.cfg.WindowBlocks
	if c.cfg.Concurrent && len(windows) > 1 {
		deferred, err := c.fetchConcurrent(ctx, pool, topics, windows, results, tracker)
		if err != nil {
			return nil, err
		}
		sequential = deferred
		if c.fellBack.Load() {
			// The full span already tripped the limit once; start halved.
			startSpan = c.cfg.WindowBlocks / 2
			if startSpan < c.cfg.MinWindowBlocks {
				startSpan = c.cfg.MinWindowBlocks
			}
		}
	} else {
		sequential = make([]int, len(windows))
		for i := range windows {
			sequential[i] = i
		}
	}

	for n, i := range sequential {
		if n > 0 && c.cfg.InterWindowDelay > 0 {
			// Pacing between sequential requests keeps throttling providers calm.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.InterWindowDelay):
			}
		}
		evts, err := c.fetchWindowAdaptive(ctx, pool, topics, windows[i], startSpan)
		if err != nil {
			return nil, err
		}
		results[i] = evts
		tracker.advance(windows[i], len(evts))
	}

	var merged []events.PoolEvent
	for _, evts := range results {
		merged = append(merged, evts...)
	}
	events.SortEvents(merged)

	c.logger.Sugar().Infow("Fetched pool logs",
		"pool", pool.Hex(),
		"eventCount", len(merged),
		"sequentialWindows", len(sequential),
	)
	return merged, nil
}

// fetchConcurrent runs windows on a bounded worker group. The first
// range-limit error flips rangeLimited; workers seeing the flag defer their
// window to the sequential pass instead of tripping the same limit again.
func (c *Coordinator) fetchConcurrent(
	ctx context.Context,
	pool common.Address,
	topics [][]common.Hash,
	windows []window,
	results [][]events.PoolEvent,
	tracker *progressTracker,
) ([]int, error) {
	var rangeLimited atomic.Bool
	var mu sync.Mutex
	var deferred []int

	workers := pond.NewPool(c.cfg.Concurrency, pond.WithContext(ctx))
	group := workers.NewGroup()

	for i := range windows {
		i := i
		group.SubmitErr(func() error {
			if rangeLimited.Load() {
				mu.Lock()
				deferred = append(deferred, i)
				mu.Unlock()
				return nil
			}

			evts, err := c.fetchWindowOnce(ctx, pool, topics, windows[i])
			if err != nil {
				if ethereum.IsRangeLimit(err) {
					c.logger.Sugar().Warnw("Provider range limit hit, falling back to sequential fetch",
						"fromBlock", windows[i].from,
						"toBlock", windows[i].to,
						"error", err,
					)
					rangeLimited.Store(true)
					c.fellBack.Store(true)
					mu.Lock()
					deferred = append(deferred, i)
					mu.Unlock()
					return nil
				}
				return err
			}

			mu.Lock()
			results[i] = evts
			mu.Unlock()
			tracker.advance(windows[i], len(evts))
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		workers.Stop()
		return nil, err
	}
	workers.StopAndWait()

	// Deterministic sequential order regardless of worker scheduling.
	sort.Ints(deferred)
	return deferred, nil
}

// fetchWindowOnce fetches one window at its full span, retrying transient
// errors only.
func (c *Coordinator) fetchWindowOnce(
	ctx context.Context,
	pool common.Address,
	topics [][]common.Hash,
	w window,
) ([]events.PoolEvent, error) {
	var logs []types.Log
	op := fmt.Sprintf("getLogs[%d,%d]", w.from, w.to)
	err := retry.WithBackoff(ctx, c.cfg.Retry, c.logger, op, func() error {
		var err error
		logs, err = c.source.GetLogs(ctx, pool, topics, w.from, w.to)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.decodeLogs(logs)
}

// fetchWindowAdaptive fetches one window sequentially, halving the request
// span on range-limit errors down to the floor.
func (c *Coordinator) fetchWindowAdaptive(
	ctx context.Context,
	pool common.Address,
	topics [][]common.Hash,
	w window,
	initialSpan uint64,
) ([]events.PoolEvent, error) {
	span := w.to - w.from + 1
	if initialSpan < span {
		span = initialSpan
	}
	var out []events.PoolEvent

	cursor := w.from
	for cursor <= w.to {
		end := cursor + span - 1
		if end > w.to {
			end = w.to
		}

		evts, err := c.fetchWindowOnce(ctx, pool, topics, window{from: cursor, to: end})
		if err != nil {
			if ethereum.IsRangeLimit(err) {
				if span/2 < c.cfg.MinWindowBlocks {
					return nil, fmt.Errorf("provider range limit below floor of %d blocks: %w", c.cfg.MinWindowBlocks, err)
				}
				span /= 2
				c.logger.Sugar().Warnw("Halving log fetch window",
					"newSpan", span,
					"fromBlock", cursor,
				)
				continue
			}
			return nil, err
		}

		out = append(out, evts...)
		cursor = end + 1
	}
	return out, nil
}

func (c *Coordinator) decodeLogs(logs []types.Log) ([]events.PoolEvent, error) {
	out := make([]events.PoolEvent, 0, len(logs))
	for i := range logs {
		evt, err := c.decoder.DecodeLog(&logs[i])
		if err != nil {
			return nil, err
		}
		if evt == nil {
			continue
		}
		out = append(out, *evt)
	}
	return out, nil
}

func splitRange(from, to, size uint64) []window {
	var windows []window
	for cursor := from; cursor <= to; {
		end := cursor + size - 1
		if end > to || end < cursor {
			end = to
		}
		windows = append(windows, window{from: cursor, to: end})
		if end == to {
			break
		}
		cursor = end + 1
	}
	return windows
}

type progressTracker struct {
	total  uint64
	report Progress

	mu        sync.Mutex
	processed uint64
	count     int
}

func (p *progressTracker) advance(w window, eventCount int) {
	if p.report == nil {
		return
	}
	p.mu.Lock()
	p.processed += w.to - w.from + 1
	p.count += eventCount
	fraction := float64(p.processed) / float64(p.total)
	count := p.count
	p.mu.Unlock()
	p.report(fraction, count)
}
