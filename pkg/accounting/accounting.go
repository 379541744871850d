// Package accounting integrates anchored snapshots into total revenue,
// time-weighted TVL, and the realized/unrealized DAO revenue split. All
// arithmetic is exact big.Int fixed-point; nothing here touches the network.
package accounting

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
	"github.com/poolscope/poolscope/pkg/replay"
)

var bpsDenominator = big.NewInt(config.MaxBps)

// IntervalResult accumulates snapshot-to-snapshot deltas over the anchored
// window.
type IntervalResult struct {
	// TotalRevenue is signed: price declines reduce it, they are not floored
	// per interval.
	TotalRevenue *big.Int
	// WeightedTVLSum is sum(expectedLiquidity * timeDelta).
	WeightedTVLSum *big.Int
	// TotalTimeSum is the seconds spanned by usable intervals.
	TotalTimeSum uint64

	// NegativeIntervals counts intervals whose share price declined.
	NegativeIntervals int
	// NegativeMagnitude is the cumulative magnitude of those declines.
	NegativeMagnitude *big.Int
	// SkippedIntervals counts intervals dropped for non-positive time deltas.
	SkippedIntervals int
}

// Integrate walks adjacent snapshot pairs. Intervals with a non-positive
// time delta are skipped: block timestamps must be monotonic, but they are
// not trusted to be.
func Integrate(snapshots []replay.Snapshot, timestamps map[uint64]uint64) *IntervalResult {
	res := &IntervalResult{
		TotalRevenue:      big.NewInt(0),
		WeightedTVLSum:    big.NewInt(0),
		NegativeMagnitude: big.NewInt(0),
	}

	for i := 0; i+1 < len(snapshots); i++ {
		current, next := &snapshots[i], &snapshots[i+1]

		timeDelta := int64(timestamps[next.Block]) - int64(timestamps[current.Block])
		if timeDelta <= 0 {
			res.SkippedIntervals++
			continue
		}

		priceDiff := new(big.Int).Sub(next.SharePrice, current.SharePrice)
		intervalRevenue := new(big.Int).Mul(current.TotalSupply, priceDiff)
		intervalRevenue.Quo(intervalRevenue, config.Scale)
		res.TotalRevenue.Add(res.TotalRevenue, intervalRevenue)

		if priceDiff.Sign() < 0 {
			res.NegativeIntervals++
			res.NegativeMagnitude.Add(res.NegativeMagnitude, new(big.Int).Abs(intervalRevenue))
		}

		delta := big.NewInt(timeDelta)
		weighted := new(big.Int).Mul(current.ExpectedLiquidity, delta)
		res.WeightedTVLSum.Add(res.WeightedTVLSum, weighted)
		res.TotalTimeSum += uint64(timeDelta)
	}

	return res
}

// AverageTVL is WeightedTVLSum / TotalTimeSum, zero when no time was covered.
func (r *IntervalResult) AverageTVL() *big.Int {
	if r.TotalTimeSum == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.WeightedTVLSum, new(big.Int).SetUint64(r.TotalTimeSum))
}

// ApplyFees reduces gross revenue to the DAO's cut: first the interest fee,
// then the DAO share, both in basis points. Both stages are returned, the
// revenue-share formulas need the intermediate figure.
func ApplyFees(totalRevenue *big.Int, interestFeeBps, daoShareBps int) (withInterestFee, totalForDAO *big.Int) {
	withInterestFee = new(big.Int).Mul(totalRevenue, big.NewInt(int64(interestFeeBps)))
	withInterestFee.Quo(withInterestFee, bpsDenominator)

	totalForDAO = new(big.Int).Mul(withInterestFee, big.NewInt(int64(daoShareBps)))
	totalForDAO.Quo(totalForDAO, bpsDenominator)
	return withInterestFee, totalForDAO
}

// RealizedRevenue values treasury fee mints at the final anchor's share
// price. A mint whose transaction also carries a Deposit by the treasury is
// the treasury moving its own principal, not revenue, and is excluded.
//
// The minted shares are not additionally scaled by the DAO split: the
// treasury is taken to be the sole recipient of fee mints.
func RealizedRevenue(
	evts []events.PoolEvent,
	treasury common.Address,
	fromBlock, toBlock uint64,
	finalSharePrice *big.Int,
) (mintedShares *big.Int, realized *big.Int) {
	treasuryDeposits := make(map[common.Hash]bool)
	for i := range evts {
		evt := &evts[i]
		if evt.Kind == events.KindDeposit && evt.Owner == treasury {
			treasuryDeposits[evt.TxHash] = true
		}
	}

	mintedShares = big.NewInt(0)
	for i := range evts {
		evt := &evts[i]
		if !evt.IsMint() || evt.To != treasury {
			continue
		}
		if evt.BlockNumber < fromBlock || evt.BlockNumber > toBlock {
			continue
		}
		if treasuryDeposits[evt.TxHash] {
			continue
		}
		mintedShares.Add(mintedShares, evt.Value)
	}

	realized = new(big.Int).Mul(mintedShares, finalSharePrice)
	realized.Quo(realized, config.Scale)
	return mintedShares, realized
}

// UnrealizedRevenue is the accrued-but-unminted remainder, floored at zero.
func UnrealizedRevenue(totalForDAO, realized *big.Int) *big.Int {
	unrealized := new(big.Int).Sub(totalForDAO, realized)
	if unrealized.Sign() < 0 {
		unrealized.SetInt64(0)
	}
	return unrealized
}

// CoverageRatio reports how much of the requested period is spanned by
// usable intervals, clamped to [0, 1].
func CoverageRatio(totalTimeSum, fromTimestamp, toTimestamp uint64) float64 {
	if toTimestamp <= fromTimestamp {
		return 0
	}
	ratio := float64(totalTimeSum) / float64(toTimestamp-fromTimestamp)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
