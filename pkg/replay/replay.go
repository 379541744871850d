// Package replay folds sorted pool events into the snapshot sequence that is
// the sole authoritative history of the pool for one invocation. The fold is
// a pure reducer: same events in, same snapshots out, independent of how the
// logs were fetched.
package replay

import (
	"math/big"

	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
)

// Snapshot is the pool state immediately after one Deposit or Withdraw.
type Snapshot struct {
	Block    uint64
	LogIndex uint
	Kind     events.Kind

	// TotalSupply is the LP shares outstanding. Never negative.
	TotalSupply *big.Int
	// SharePrice is underlying-per-share scaled by config.Scale.
	SharePrice *big.Int
	// ExpectedLiquidity = SharePrice * TotalSupply / Scale.
	ExpectedLiquidity *big.Int
}

// History is the replayed snapshot sequence plus the final running state.
type History struct {
	Snapshots []Snapshot

	FinalSupply *big.Int
	FinalPrice  *big.Int
}

// Replay folds Deposit/Withdraw events into snapshots. Events must not be
// mutated by the caller afterwards; the input slice is re-sorted in place to
// guarantee (blockNumber, logIndex) order. Transfer events are skipped here,
// the balance ledger replays them separately.
func Replay(evts []events.PoolEvent) *History {
	events.SortEvents(evts)

	supply := big.NewInt(0)
	// Until the first priced event the pool is worth exactly one underlying
	// unit per share.
	price := new(big.Int).Set(config.Scale)

	history := &History{
		Snapshots: make([]Snapshot, 0, len(evts)),
	}

	for i := range evts {
		evt := &evts[i]
		if evt.Kind != events.KindDeposit && evt.Kind != events.KindWithdraw {
			continue
		}

		price = nextPrice(price, evt)
		supply = nextSupply(supply, evt)

		liquidity := new(big.Int).Mul(price, supply)
		liquidity.Div(liquidity, config.Scale)

		history.Snapshots = append(history.Snapshots, Snapshot{
			Block:             evt.BlockNumber,
			LogIndex:          evt.LogIndex,
			Kind:              evt.Kind,
			TotalSupply:       new(big.Int).Set(supply),
			SharePrice:        new(big.Int).Set(price),
			ExpectedLiquidity: liquidity,
		})
	}

	history.FinalSupply = new(big.Int).Set(supply)
	history.FinalPrice = new(big.Int).Set(price)
	return history
}

// nextPrice derives the share price carried by one event. Events with zero
// shares, or whose derived price would be zero, never move the price.
func nextPrice(current *big.Int, evt *events.PoolEvent) *big.Int {
	if evt.Shares == nil || evt.Shares.Sign() <= 0 || evt.Assets == nil {
		return current
	}
	derived := new(big.Int).Mul(evt.Assets, config.Scale)
	derived.Div(derived, evt.Shares)
	if derived.Sign() <= 0 {
		return current
	}
	return derived
}

// nextSupply applies the event's share delta, clamping withdrawals at zero.
func nextSupply(current *big.Int, evt *events.PoolEvent) *big.Int {
	if evt.Shares == nil {
		return current
	}
	next := new(big.Int)
	switch evt.Kind {
	case events.KindDeposit:
		next.Add(current, evt.Shares)
	case events.KindWithdraw:
		next.Sub(current, evt.Shares)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
	default:
		return current
	}
	return next
}

// HasFundedSnapshotBefore reports whether any snapshot strictly before block
// carries non-zero supply. The lookback search uses this to decide whether it
// has reached far enough into history.
func (h *History) HasFundedSnapshotBefore(block uint64) bool {
	for i := range h.Snapshots {
		if h.Snapshots[i].Block >= block {
			break
		}
		if h.Snapshots[i].TotalSupply.Sign() > 0 {
			return true
		}
	}
	return false
}
