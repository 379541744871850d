package replay

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deposit(block uint64, index uint, assets, shares int64) events.PoolEvent {
	return events.PoolEvent{
		Kind:        events.KindDeposit,
		BlockNumber: block,
		LogIndex:    index,
		Assets:      big.NewInt(assets),
		Shares:      big.NewInt(shares),
	}
}

func withdraw(block uint64, index uint, assets, shares int64) events.PoolEvent {
	return events.PoolEvent{
		Kind:        events.KindWithdraw,
		BlockNumber: block,
		LogIndex:    index,
		Assets:      big.NewInt(assets),
		Shares:      big.NewInt(shares),
	}
}

func TestReplay_DepositThenWithdraw(t *testing.T) {
	evts := []events.PoolEvent{
		deposit(100, 0, 1000, 1000),
		withdraw(200, 0, 440, 400),
	}

	history := Replay(evts)
	require.Len(t, history.Snapshots, 2)

	first := history.Snapshots[0]
	assert.Equal(t, big.NewInt(1000), first.TotalSupply)
	assert.Equal(t, config.Scale, first.SharePrice)
	assert.Equal(t, big.NewInt(1000), first.ExpectedLiquidity)

	second := history.Snapshots[1]
	assert.Equal(t, big.NewInt(600), second.TotalSupply)

	// 440 * Scale / 400 = 1.1 * Scale
	wantPrice := new(big.Int).Mul(big.NewInt(440), config.Scale)
	wantPrice.Div(wantPrice, big.NewInt(400))
	assert.Equal(t, wantPrice, second.SharePrice)

	// 600 shares at 1.1 underlying each.
	assert.Equal(t, big.NewInt(660), second.ExpectedLiquidity)
}

func TestReplay_SupplyNeverNegative(t *testing.T) {
	evts := []events.PoolEvent{
		deposit(1, 0, 100, 100),
		withdraw(2, 0, 500, 500),
		withdraw(3, 0, 500, 500),
		deposit(4, 0, 50, 50),
	}

	history := Replay(evts)
	for _, s := range history.Snapshots {
		assert.GreaterOrEqual(t, s.TotalSupply.Sign(), 0, "supply went negative at block %d", s.Block)
	}
	assert.Equal(t, big.NewInt(50), history.FinalSupply)
}

func TestReplay_ZeroSharesCarriesPriceForward(t *testing.T) {
	evts := []events.PoolEvent{
		deposit(1, 0, 200, 100), // price = 2 * Scale
		deposit(2, 0, 999, 0),   // zero shares, must not move the price
	}

	history := Replay(evts)
	require.Len(t, history.Snapshots, 2)

	wantPrice := new(big.Int).Mul(big.NewInt(2), config.Scale)
	assert.Equal(t, wantPrice, history.Snapshots[0].SharePrice)
	assert.Equal(t, wantPrice, history.Snapshots[1].SharePrice)
	assert.Equal(t, history.Snapshots[0].TotalSupply, history.Snapshots[1].TotalSupply)
}

func TestReplay_ZeroDerivedPriceCarriesForward(t *testing.T) {
	evts := []events.PoolEvent{
		deposit(1, 0, 300, 100),
		// assets=0 derives a zero price, which must be ignored.
		withdraw(2, 0, 0, 10),
	}

	history := Replay(evts)
	require.Len(t, history.Snapshots, 2)
	wantPrice := new(big.Int).Mul(big.NewInt(3), config.Scale)
	assert.Equal(t, wantPrice, history.Snapshots[1].SharePrice)
	assert.Equal(t, big.NewInt(90), history.Snapshots[1].TotalSupply)
}

func TestReplay_DeterministicUnderShuffledInput(t *testing.T) {
	var evts []events.PoolEvent
	for b := uint64(1); b <= 50; b++ {
		evts = append(evts, deposit(b, 0, int64(b)*10, int64(b)*10))
		evts = append(evts, withdraw(b, 1, int64(b), int64(b)))
	}

	reference := Replay(append([]events.PoolEvent(nil), evts...))

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]events.PoolEvent(nil), evts...)
		rand.New(rand.NewSource(int64(trial))).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got := Replay(shuffled)
		require.Equal(t, len(reference.Snapshots), len(got.Snapshots))
		for i := range reference.Snapshots {
			assert.Equal(t, reference.Snapshots[i], got.Snapshots[i], "snapshot %d diverged on trial %d", i, trial)
		}
	}
}

func TestReplay_TransfersIgnored(t *testing.T) {
	evts := []events.PoolEvent{
		deposit(1, 0, 100, 100),
		{
			Kind:        events.KindTransfer,
			BlockNumber: 2,
			Value:       big.NewInt(40),
		},
	}

	history := Replay(evts)
	assert.Len(t, history.Snapshots, 1)
}

func TestHasFundedSnapshotBefore(t *testing.T) {
	history := Replay([]events.PoolEvent{
		deposit(10, 0, 100, 100),
		withdraw(20, 0, 100, 100),
	})

	assert.False(t, history.HasFundedSnapshotBefore(10))
	assert.True(t, history.HasFundedSnapshotBefore(11))
	assert.True(t, history.HasFundedSnapshotBefore(100))
}
