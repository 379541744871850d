package pipeline

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testTreasury   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	testUnderlying = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	testHolder     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

// genesisTime is 2023-12-01 00:00:00 UTC; fake blocks tick every 12 seconds.
const (
	genesisTime   = 1_701_388_800
	blockInterval = 12
)

type fakeClient struct {
	logs     []types.Log
	latest   uint64
	treasury common.Address
	daoSplit *big.Int

	treasuryErr error
}

func (f *fakeClient) GetLogs(_ context.Context, _ common.Address, _ [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= fromBlock && lg.BlockNumber <= toBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) GetBlockTimestamp(_ context.Context, blockNumber uint64) (uint64, error) {
	return genesisTime + blockNumber*blockInterval, nil
}

func (f *fakeClient) LatestBlock(_ context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeClient) UnderlyingToken(_ context.Context, _ common.Address) (common.Address, error) {
	return testUnderlying, nil
}

func (f *fakeClient) Treasury(_ context.Context, _ common.Address) (common.Address, error) {
	if f.treasuryErr != nil {
		return common.Address{}, f.treasuryErr
	}
	return f.treasury, nil
}

func (f *fakeClient) DAOSplit(_ context.Context, _ common.Address) (*big.Int, error) {
	return f.daoSplit, nil
}

func (f *fakeClient) Decimals(_ context.Context, _ common.Address) (uint8, error) {
	return 6, nil
}

func (f *fakeClient) TokenName(_ context.Context, _ common.Address) (string, error) {
	return "Test USD", nil
}

type logBuilder struct {
	t       *testing.T
	decoder *events.Decoder
}

func newLogBuilder(t *testing.T) *logBuilder {
	t.Helper()
	decoder, err := events.NewDecoder(zap.NewNop())
	require.NoError(t, err)
	return &logBuilder{t: t, decoder: decoder}
}

func pad(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func packed(values ...int64) []byte {
	var data []byte
	for _, v := range values {
		data = append(data, common.LeftPadBytes(big.NewInt(v).Bytes(), 32)...)
	}
	return data
}

func (b *logBuilder) deposit(block uint64, index uint, owner common.Address, assets, shares int64, txHash common.Hash) types.Log {
	return types.Log{
		Topics:      []common.Hash{b.decoder.Topics(false)[0][0], pad(owner), pad(owner)},
		Data:        packed(assets, shares),
		BlockNumber: block,
		Index:       index,
		TxHash:      txHash,
	}
}

func (b *logBuilder) withdraw(block uint64, index uint, owner common.Address, assets, shares int64) types.Log {
	return types.Log{
		Topics:      []common.Hash{b.decoder.Topics(false)[0][1], pad(owner), pad(owner), pad(owner)},
		Data:        packed(assets, shares),
		BlockNumber: block,
		Index:       index,
	}
}

func (b *logBuilder) mint(block uint64, index uint, to common.Address, value int64, txHash common.Hash) types.Log {
	return types.Log{
		Topics:      []common.Hash{b.decoder.Topics(true)[0][2], pad(events.ZeroAddress), pad(to)},
		Data:        packed(value),
		BlockNumber: block,
		Index:       index,
		TxHash:      txHash,
	}
}

func testRunConfig() *config.RunConfig {
	cfg := config.NewRunConfig()
	cfg.RPCUrl = "https://rpc.example.com"
	cfg.PoolAddress = "0x24946bCbBd028D5ABb62ad9B635EB1b1a67AF668"
	cfg.FromDate = "2024-01-10"
	cfg.ToDate = "2024-01-20"
	cfg.InterestFeeBps = 10_000
	cfg.DaoShareBps = 10_000
	return cfg
}

// The canonical scenario: one funding deposit before the window, one deposit
// and one withdrawal inside it, and one treasury fee mint between them.
func testLogs(t *testing.T) []types.Log {
	b := newLogBuilder(t)
	return []types.Log{
		b.deposit(200_000, 0, testHolder, 1000, 1000, common.HexToHash("0x01")),
		b.deposit(290_000, 0, testHolder, 2200, 2000, common.HexToHash("0x02")),
		b.mint(300_000, 0, testTreasury, 100, common.HexToHash("0x03")),
		b.withdraw(350_000, 0, testHolder, 600, 500),
	}
}

func TestRun_EndToEnd(t *testing.T) {
	client := &fakeClient{
		logs:     testLogs(t),
		latest:   1_000_000,
		treasury: testTreasury,
		daoSplit: big.NewInt(5000),
	}

	rep, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rep.DeployBlock)
	// The window anchors to the in-range deposit and withdrawal snapshots.
	assert.Equal(t, uint64(290_000), rep.FromBlock)
	assert.Equal(t, uint64(350_000), rep.ToBlock)

	// Supply 3000 over a 0.1*Scale price rise: revenue 300, passed through
	// 100% fee and 100% DAO share.
	assert.Equal(t, big.NewInt(300), rep.TotalRevenueForDAO)

	// 100 minted shares valued at the final 1.2*Scale price.
	assert.Equal(t, big.NewInt(100), rep.MintedShares)
	assert.Equal(t, big.NewInt(120), rep.RealizedRevenue)
	assert.Equal(t, big.NewInt(180), rep.UnrealizedRevenue)

	// Liquidity 3300 held across the whole anchored interval.
	assert.Equal(t, big.NewInt(3300), rep.AverageTVL)

	assert.GreaterOrEqual(t, rep.CoverageRatio, 0.0)
	assert.LessOrEqual(t, rep.CoverageRatio, 1.0)

	assert.Equal(t, "Test USD", rep.TokenName)
	assert.Equal(t, uint8(6), rep.Decimals)
	assert.Equal(t, 2, rep.EventCounts[events.KindDeposit])
	assert.Equal(t, 1, rep.EventCounts[events.KindWithdraw])
	assert.Equal(t, 1, rep.EventCounts[events.KindTransfer])
	assert.Empty(t, rep.LookbackWarning)
	assert.NotEmpty(t, rep.ReportID)
}

func TestRun_TreasuryDepositMintExcluded(t *testing.T) {
	b := newLogBuilder(t)
	sharedTx := common.HexToHash("0x99")
	logs := testLogs(t)
	// The treasury deposits its own principal; the matching mint must not
	// count as realized revenue.
	logs = append(logs,
		b.deposit(310_000, 0, testTreasury, 550, 500, sharedTx),
		b.mint(310_000, 1, testTreasury, 500, sharedTx),
	)

	client := &fakeClient{
		logs:     logs,
		latest:   1_000_000,
		treasury: testTreasury,
	}

	rep, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), rep.MintedShares)
}

func TestRun_RevenueShareProRata(t *testing.T) {
	b := newLogBuilder(t)
	logs := testLogs(t)
	logs = append(logs, b.mint(250_000, 0, testHolder, 1000, common.HexToHash("0x04")))

	client := &fakeClient{
		logs:     logs,
		latest:   1_000_000,
		treasury: testTreasury,
	}

	cfg := testRunConfig()
	cfg.RevenueShare = true
	cfg.RevenueShareAddrs = []string{testHolder.Hex()}
	cfg.RevenueCoefficient = "1"

	rep, err := NewPipeline(client, cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.RevenueShare)

	// 1000 shares at the 1.1*Scale start-anchor price: TVL 1100 of 3300.
	assert.Equal(t, big.NewInt(1100), rep.RevenueShare.WeightedTVL)
	// One third of the 300 pool revenue.
	assert.Equal(t, big.NewInt(100), rep.RevenueShare.ShareAmount)
	assert.Equal(t, config.ShareFormulaProRata, rep.RevenueShare.Formula)
}

func TestRun_RevenueShareFlat(t *testing.T) {
	b := newLogBuilder(t)
	logs := testLogs(t)
	logs = append(logs, b.mint(250_000, 0, testHolder, 1000, common.HexToHash("0x04")))

	client := &fakeClient{
		logs:     logs,
		latest:   1_000_000,
		treasury: testTreasury,
	}

	cfg := testRunConfig()
	cfg.RevenueShare = true
	cfg.RevenueShareAddrs = []string{testHolder.Hex()}
	cfg.RevenueCoefficient = "0.5"
	cfg.RevenueShareFormula = config.ShareFormulaFlat

	rep, err := NewPipeline(client, cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.RevenueShare)
	assert.Equal(t, big.NewInt(150), rep.RevenueShare.ShareAmount)
}

func TestRun_DaoShareFromContract(t *testing.T) {
	client := &fakeClient{
		logs:     testLogs(t),
		latest:   1_000_000,
		treasury: testTreasury,
		daoSplit: big.NewInt(5000),
	}

	cfg := testRunConfig()
	cfg.DaoShareBps = config.DaoShareFromContract

	rep, err := NewPipeline(client, cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	// Half of the 300 gross revenue.
	assert.Equal(t, big.NewInt(150), rep.TotalRevenueForDAO)
}

func TestRun_NoEventsIsFatal(t *testing.T) {
	client := &fakeClient{
		latest:   1_000_000,
		treasury: testTreasury,
	}

	_, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no events to build state")
}

func TestRun_WindowBeforeFirstDepositIsFatal(t *testing.T) {
	b := newLogBuilder(t)
	// The pool's entire history happens after the requested window, so the
	// fetch up to the window end sees nothing.
	client := &fakeClient{
		logs: []types.Log{
			b.deposit(900_000, 0, testHolder, 1000, 1000, common.HexToHash("0x01")),
			b.deposit(910_000, 0, testHolder, 1000, 1000, common.HexToHash("0x02")),
		},
		latest:   1_000_000,
		treasury: testTreasury,
	}

	_, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no events to build state")
}

func TestRun_SingleSnapshotIsFatal(t *testing.T) {
	b := newLogBuilder(t)
	client := &fakeClient{
		logs: []types.Log{
			b.deposit(200_000, 0, testHolder, 1000, 1000, common.HexToHash("0x01")),
		},
		latest:   1_000_000,
		treasury: testTreasury,
	}

	_, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anchor")
}

func TestRun_StalePoolAnchorsCollapse(t *testing.T) {
	b := newLogBuilder(t)
	// All activity happened long before the window; both window edges anchor
	// onto the same final snapshot, which cannot form an interval.
	client := &fakeClient{
		logs: []types.Log{
			b.deposit(100, 0, testHolder, 1000, 1000, common.HexToHash("0x01")),
			b.deposit(200, 0, testHolder, 1000, 1000, common.HexToHash("0x02")),
		},
		latest:   1_000_000,
		treasury: testTreasury,
	}

	_, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anchor")
}

func TestRun_UnresolvedTreasuryIsFatal(t *testing.T) {
	client := &fakeClient{
		logs:   testLogs(t),
		latest: 1_000_000,
		// treasury left as the zero address
	}

	_, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "treasury")
}

func TestRun_TreasuryReadErrorIsFatal(t *testing.T) {
	client := &fakeClient{
		logs:        testLogs(t),
		latest:      1_000_000,
		treasuryErr: errors.New("execution reverted"),
	}

	_, err := NewPipeline(client, testRunConfig(), zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "treasury")
}

func TestRun_DeployDateSkipsLookback(t *testing.T) {
	client := &fakeClient{
		logs:     testLogs(t),
		latest:   1_000_000,
		treasury: testTreasury,
	}

	cfg := testRunConfig()
	cfg.DeployDate = "2023-12-25"

	rep, err := NewPipeline(client, cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	// 2023-12-25 00:01 UTC is 24 days and 1 minute past genesis.
	wantDeploy := uint64((24*86400 + 60) / blockInterval)
	assert.Equal(t, wantDeploy, rep.DeployBlock)
}
