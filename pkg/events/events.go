// Package events defines the pool event model and the decoding of raw chain
// logs into it. Events are immutable once decoded; their ordering key is
// (blockNumber, logIndex).
package events

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindDeposit  Kind = "Deposit"
	KindWithdraw Kind = "Withdraw"
	KindTransfer Kind = "Transfer"
)

// ZeroAddress is the mint/burn counterparty in ERC-20 Transfer events.
var ZeroAddress = common.Address{}

// PoolEvent is one on-chain occurrence relevant to pool accounting.
// Deposit/Withdraw populate Sender/Owner/Assets/Shares; Transfer populates
// From/To/Value. Accounting attributes shares to the owner; the sender is
// carried for completeness only.
type PoolEvent struct {
	Kind        Kind
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash

	Sender common.Address
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int

	From  common.Address
	To    common.Address
	Value *big.Int
}

// IsMint reports whether a Transfer event mints new shares.
func (e *PoolEvent) IsMint() bool {
	return e.Kind == KindTransfer && e.From == ZeroAddress
}

// SortEvents orders events by (blockNumber, logIndex). The sort is stable so
// replay is deterministic regardless of how batches arrived.
func SortEvents(evts []PoolEvent) {
	sort.SliceStable(evts, func(i, j int) bool {
		if evts[i].BlockNumber != evts[j].BlockNumber {
			return evts[i].BlockNumber < evts[j].BlockNumber
		}
		return evts[i].LogIndex < evts[j].LogIndex
	})
}

// CountByKind returns per-kind event counts for report diagnostics.
func CountByKind(evts []PoolEvent) map[Kind]int {
	counts := make(map[Kind]int, 3)
	for i := range evts {
		counts[evts[i].Kind]++
	}
	return counts
}
