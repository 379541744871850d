// Package anchor maps calendar dates onto blocks and picks the snapshots
// that best stand in for the requested window boundaries.
package anchor

import (
	"context"
	"fmt"
	"time"

	"github.com/poolscope/poolscope/pkg/replay"
)

// TimestampSource is the slice of the chain client date anchoring needs.
type TimestampSource interface {
	GetBlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// DayStart returns 00:01 UTC of the given calendar day, DayEnd 23:59 UTC.
// The one-minute insets keep boundary blocks from straddling midnight on
// providers with coarse timestamp resolution.
func DayStart(day time.Time) time.Time {
	y, m, d := day.UTC().Date()
	return time.Date(y, m, d, 0, 1, 0, 0, time.UTC)
}

func DayEnd(day time.Time) time.Time {
	y, m, d := day.UTC().Date()
	return time.Date(y, m, d, 23, 59, 0, 0, time.UTC)
}

// BlockByTime binary-searches block timestamps for the earliest block minted
// at or after target. Chain timestamps are monotonic, which is what makes
// the bisection valid.
func BlockByTime(ctx context.Context, source TimestampSource, target time.Time) (uint64, error) {
	latest, err := source.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}

	targetTs := uint64(target.Unix())
	lo, hi := uint64(1), latest

	for lo < hi {
		mid := lo + (hi-lo)/2
		ts, err := source.GetBlockTimestamp(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ts < targetTs {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// SelectAnchors picks the contiguous snapshot sub-sequence whose ends lie
// nearest by absolute block distance to fromBlock and toBlock. Matching is
// nearest-block, not containment: the best stand-in for a boundary may sit
// just outside the requested range. Fails if fewer than two snapshots result.
func SelectAnchors(snapshots []replay.Snapshot, fromBlock, toBlock uint64) ([]replay.Snapshot, error) {
	if len(snapshots) < 2 {
		return nil, fmt.Errorf("need at least 2 snapshots to anchor a window, have %d", len(snapshots))
	}

	start := nearestIndex(snapshots, fromBlock)
	end := nearestIndex(snapshots, toBlock)
	if start > end {
		start, end = end, start
	}
	if start == end {
		return nil, fmt.Errorf("window [%d, %d] anchors to a single snapshot at block %d",
			fromBlock, toBlock, snapshots[start].Block)
	}

	return snapshots[start : end+1], nil
}

func nearestIndex(snapshots []replay.Snapshot, block uint64) int {
	best := 0
	bestDist := blockDistance(snapshots[0].Block, block)
	for i := 1; i < len(snapshots); i++ {
		d := blockDistance(snapshots[i].Block, block)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

func blockDistance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
