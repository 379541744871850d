// Package ledger replays transfer logs into point-in-time balances for a
// tracked address set and derives their time-weighted share of the pool.
package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
	"go.uber.org/zap"
)

// Checkpoint is one anchored snapshot's block, timestamp and share price.
// Balances are valued at the checkpoint's price so the weighted figure is in
// the same underlying units as pool TVL.
type Checkpoint struct {
	Block      uint64
	Timestamp  uint64
	SharePrice *big.Int
}

// Ledger maintains balances only for tracked addresses; everything else is
// ignored on both sides of a transfer.
type Ledger struct {
	tracked  map[common.Address]bool
	balances map[common.Address]*big.Int
	logger   *zap.Logger
}

func NewLedger(addrs []common.Address, logger *zap.Logger) *Ledger {
	tracked := make(map[common.Address]bool, len(addrs))
	balances := make(map[common.Address]*big.Int, len(addrs))
	for _, a := range addrs {
		tracked[a] = true
		balances[a] = big.NewInt(0)
	}
	return &Ledger{tracked: tracked, balances: balances, logger: logger}
}

// apply mutates balances for one transfer. Mint senders are never debited;
// debits floor at zero rather than going negative.
func (l *Ledger) apply(evt *events.PoolEvent) {
	if evt.Kind != events.KindTransfer || evt.Value == nil {
		return
	}
	if evt.From != events.ZeroAddress && l.tracked[evt.From] {
		bal := l.balances[evt.From]
		bal.Sub(bal, evt.Value)
		if bal.Sign() < 0 {
			bal.SetInt64(0)
		}
	}
	if l.tracked[evt.To] {
		l.balances[evt.To].Add(l.balances[evt.To], evt.Value)
	}
}

func (l *Ledger) totalBalance() *big.Int {
	total := big.NewInt(0)
	for _, bal := range l.balances {
		total.Add(total, bal)
	}
	return total
}

// WeightedBalance walks sorted transfers once, snapshotting the tracked
// balance total at each checkpoint and accumulating balance-value x time over
// consecutive checkpoint intervals. Checkpoints must be in ascending block
// order.
func (l *Ledger) WeightedBalance(transfers []events.PoolEvent, checkpoints []Checkpoint) (*big.Int, error) {
	if len(checkpoints) < 2 {
		return nil, fmt.Errorf("need at least 2 checkpoints, have %d", len(checkpoints))
	}

	totals := make([]*big.Int, len(checkpoints))
	cursor := 0
	for i, cp := range checkpoints {
		for cursor < len(transfers) && transfers[cursor].BlockNumber <= cp.Block {
			l.apply(&transfers[cursor])
			cursor++
		}
		// Value shares at the checkpoint price to land in underlying units.
		value := new(big.Int).Mul(l.totalBalance(), cp.SharePrice)
		totals[i] = value.Quo(value, config.Scale)
	}

	weighted := big.NewInt(0)
	for i := 0; i+1 < len(checkpoints); i++ {
		timeDelta := int64(checkpoints[i+1].Timestamp) - int64(checkpoints[i].Timestamp)
		if timeDelta <= 0 {
			continue
		}
		contribution := new(big.Int).Mul(totals[i], big.NewInt(timeDelta))
		weighted.Add(weighted, contribution)
	}

	l.logger.Sugar().Debugw("Computed weighted balance",
		"checkpoints", len(checkpoints),
		"trackedAddresses", len(l.tracked),
		"weighted", weighted.String(),
	)
	return weighted, nil
}

// WeightedTVL divides the weighted balance accumulator by the pool's total
// covered time, yielding the addresses' time-weighted TVL.
func WeightedTVL(weightedBalance *big.Int, totalTimeSum uint64) *big.Int {
	if totalTimeSum == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(weightedBalance, new(big.Int).SetUint64(totalTimeSum))
}

// ProRataShare scales pool revenue by the addresses' fraction of average TVL
// and the supplied coefficient.
func ProRataShare(addrWeightedTVL, poolAverageTVL, poolRevenue *big.Int, coefficient *big.Rat) *big.Int {
	if poolAverageTVL.Sign() == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(poolRevenue, addrWeightedTVL)
	share.Quo(share, poolAverageTVL)
	share.Mul(share, coefficient.Num())
	return share.Quo(share, coefficient.Denom())
}

// FlatShare multiplies DAO revenue by the coefficient only.
func FlatShare(daoRevenue *big.Int, coefficient *big.Rat) *big.Int {
	share := new(big.Int).Mul(daoRevenue, coefficient.Num())
	return share.Quo(share, coefficient.Denom())
}
