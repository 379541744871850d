// Package pipeline runs one full invocation: window resolution, lookback
// fetch and replay, anchoring, interval accounting, and the optional
// revenue-share computation. All computation downstream of fetching is
// single-threaded over sorted events.
package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/poolscope/poolscope/pkg/accounting"
	"github.com/poolscope/poolscope/pkg/anchor"
	"github.com/poolscope/poolscope/pkg/clients/ethereum"
	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
	"github.com/poolscope/poolscope/pkg/ledger"
	"github.com/poolscope/poolscope/pkg/logfetch"
	"github.com/poolscope/poolscope/pkg/replay"
	"github.com/poolscope/poolscope/pkg/report"
	"go.uber.org/zap"
)

const defaultDecimals = 18

type Pipeline struct {
	client ethereum.Client
	cfg    *config.RunConfig
	logger *zap.Logger
}

func NewPipeline(client ethereum.Client, cfg *config.RunConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{client: client, cfg: cfg, logger: logger}
}

// Run recomputes the pool's history from logs and produces the revenue
// report. Nothing is persisted; every run starts from the chain.
func (p *Pipeline) Run(ctx context.Context) (*report.RevenueReport, error) {
	reportID := uuid.New().String()
	log := p.logger.With(zap.String("reportId", reportID))
	sugar := log.Sugar()

	fromDate, err := p.cfg.From()
	if err != nil {
		return nil, err
	}
	toDate, err := p.cfg.To()
	if err != nil {
		return nil, err
	}
	fromTime := anchor.DayStart(fromDate)
	toTime := anchor.DayEnd(toDate)

	fromBlock, err := anchor.BlockByTime(ctx, p.client, fromTime)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve start block: %w", err)
	}
	toBlock, err := anchor.BlockByTime(ctx, p.client, toTime)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve end block: %w", err)
	}
	sugar.Infow("Resolved request window",
		"fromBlock", fromBlock,
		"toBlock", toBlock,
		"fromDate", p.cfg.FromDate,
		"toDate", p.cfg.ToDate,
	)

	decoder, err := events.NewDecoder(log)
	if err != nil {
		return nil, err
	}
	coordinator := logfetch.NewCoordinator(p.client, decoder, nil, func(fraction float64, count int) {
		sugar.Infow("Fetch progress", "fraction", fmt.Sprintf("%.2f", fraction), "events", count)
	}, log)

	deployBlock, evts, history, lookbackWarning, err := p.buildHistory(ctx, coordinator, fromTime, fromBlock, toBlock, sugar)
	if err != nil {
		return nil, err
	}
	if len(evts) == 0 {
		return nil, fmt.Errorf("no events to build state: pool %s emitted nothing since block %d", p.cfg.PoolAddress, deployBlock)
	}

	if p.cfg.DebugSharePrice {
		for i := range history.Snapshots {
			s := &history.Snapshots[i]
			sugar.Debugw("Snapshot",
				"block", s.Block,
				"kind", s.Kind,
				"totalSupply", s.TotalSupply.String(),
				"sharePrice", s.SharePrice.String(),
				"expectedLiquidity", s.ExpectedLiquidity.String(),
			)
		}
	}

	anchored, err := anchor.SelectAnchors(history.Snapshots, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to anchor window [%s, %s]: %w", p.cfg.FromDate, p.cfg.ToDate, err)
	}

	timestamps, err := p.blockTimestamps(ctx, anchored)
	if err != nil {
		return nil, err
	}

	intervals := accounting.Integrate(anchored, timestamps)
	daoShareBps, err := p.resolveDAOShare(ctx)
	if err != nil {
		return nil, err
	}
	withInterestFee, totalForDAO := accounting.ApplyFees(intervals.TotalRevenue, p.cfg.InterestFeeBps, daoShareBps)

	treasury, err := p.resolveTreasury(ctx)
	if err != nil {
		return nil, err
	}

	firstAnchor := anchored[0]
	lastAnchor := anchored[len(anchored)-1]
	finalPrice := lastAnchor.SharePrice

	mintedShares, realized := accounting.RealizedRevenue(evts, treasury, firstAnchor.Block, lastAnchor.Block, finalPrice)
	unrealized := accounting.UnrealizedRevenue(totalForDAO, realized)
	coverage := accounting.CoverageRatio(intervals.TotalTimeSum, uint64(fromTime.Unix()), uint64(toTime.Unix()))

	tokenName, decimals := p.tokenMetadata(ctx, sugar)

	rep := &report.RevenueReport{
		ReportID:               reportID,
		PoolAddress:            p.cfg.Pool().Hex(),
		TokenName:              tokenName,
		Decimals:               decimals,
		FromDate:               p.cfg.FromDate,
		ToDate:                 p.cfg.ToDate,
		FromBlock:              firstAnchor.Block,
		ToBlock:                lastAnchor.Block,
		FromTimestamp:          timestamps[firstAnchor.Block],
		ToTimestamp:            timestamps[lastAnchor.Block],
		DeployBlock:            deployBlock,
		AverageTVL:             intervals.AverageTVL(),
		TotalRevenueForDAO:     totalForDAO,
		RealizedRevenue:        realized,
		UnrealizedRevenue:      unrealized,
		MintedShares:           mintedShares,
		EventCounts:            events.CountByKind(evts),
		CoverageRatio:          coverage,
		NegativePriceIntervals: intervals.NegativeIntervals,
		SkippedIntervals:       intervals.SkippedIntervals,
		SequentialFallback:     coordinator.FellBackToSequential(),
		LookbackWarning:        lookbackWarning,
	}

	if p.cfg.RevenueShare {
		share, err := p.revenueShare(evts, anchored, timestamps, intervals, withInterestFee, totalForDAO, log)
		if err != nil {
			return nil, err
		}
		rep.RevenueShare = share
	}

	return rep, nil
}

// buildHistory fetches logs back to the deploy block and replays them. When
// no deploy date is given, the lookback doubles until a funded snapshot
// before the window is found, the cap is hit, or genesis is reached.
func (p *Pipeline) buildHistory(
	ctx context.Context,
	coordinator *logfetch.Coordinator,
	fromTime time.Time,
	fromBlock, toBlock uint64,
	sugar *zap.SugaredLogger,
) (deployBlock uint64, evts []events.PoolEvent, history *replay.History, warning string, err error) {
	pool := p.cfg.Pool()

	if p.cfg.DeployDate != "" {
		deployDate, perr := time.ParseInLocation(config.DateLayout, p.cfg.DeployDate, time.UTC)
		if perr != nil {
			return 0, nil, nil, "", fmt.Errorf("invalid deploy date '%s': %w", p.cfg.DeployDate, perr)
		}
		deployBlock, err = anchor.BlockByTime(ctx, p.client, anchor.DayStart(deployDate))
		if err != nil {
			return 0, nil, nil, "", fmt.Errorf("failed to resolve deploy block: %w", err)
		}
		if deployBlock > fromBlock {
			deployBlock = fromBlock
		}
		evts, err = coordinator.FetchRange(ctx, pool, deployBlock, toBlock, true)
		if err != nil {
			return 0, nil, nil, "", err
		}
		return deployBlock, evts, replay.Replay(evts), "", nil
	}

	lookbackDays := config.DefaultLookbackDays
	capDays := config.DefaultLookbackDays * config.LookbackCapMultiplier

	for {
		lookbackTime := fromTime.AddDate(0, 0, -lookbackDays)
		deployBlock, err = anchor.BlockByTime(ctx, p.client, lookbackTime)
		if err != nil {
			return 0, nil, nil, "", fmt.Errorf("failed to resolve lookback block: %w", err)
		}

		evts, err = coordinator.FetchRange(ctx, pool, deployBlock, toBlock, true)
		if err != nil {
			return 0, nil, nil, "", err
		}
		history = replay.Replay(evts)

		if history.HasFundedSnapshotBefore(fromBlock) {
			return deployBlock, evts, history, "", nil
		}
		if lookbackDays >= capDays || deployBlock <= 1 {
			warning = fmt.Sprintf("no funded snapshot before block %d within %d day lookback", fromBlock, lookbackDays)
			sugar.Warnw("Lookback exhausted without a prior funding event",
				"fromBlock", fromBlock,
				"lookbackDays", lookbackDays,
			)
			return deployBlock, evts, history, warning, nil
		}

		lookbackDays *= 2
		if lookbackDays > capDays {
			lookbackDays = capDays
		}
		sugar.Infow("No funding event before window, expanding lookback",
			"lookbackDays", lookbackDays,
		)
	}
}

func (p *Pipeline) blockTimestamps(ctx context.Context, snapshots []replay.Snapshot) (map[uint64]uint64, error) {
	timestamps := make(map[uint64]uint64, len(snapshots))
	for i := range snapshots {
		block := snapshots[i].Block
		if _, ok := timestamps[block]; ok {
			continue
		}
		ts, err := p.client.GetBlockTimestamp(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("failed to read timestamp of block %d: %w", block, err)
		}
		timestamps[block] = ts
	}
	return timestamps, nil
}

func (p *Pipeline) resolveDAOShare(ctx context.Context) (int, error) {
	if p.cfg.DaoShareBps != config.DaoShareFromContract {
		return p.cfg.DaoShareBps, nil
	}
	split, err := p.client.DAOSplit(ctx, p.cfg.Pool())
	if err != nil {
		return 0, fmt.Errorf("dao share not configured and daoSplit() unreadable: %w", err)
	}
	if !split.IsInt64() || split.Int64() < 0 || split.Int64() > config.MaxBps {
		return 0, fmt.Errorf("daoSplit() returned %s, outside [0, %d] bps", split, config.MaxBps)
	}
	return int(split.Int64()), nil
}

// resolveTreasury prefers the override; otherwise treasury() is read from the
// pool. An unresolvable treasury is fatal: realized revenue is meaningless
// without it.
func (p *Pipeline) resolveTreasury(ctx context.Context) (common.Address, error) {
	if p.cfg.TreasuryAddress != "" {
		return common.HexToAddress(p.cfg.TreasuryAddress), nil
	}
	treasury, err := p.client.Treasury(ctx, p.cfg.Pool())
	if err != nil {
		return common.Address{}, fmt.Errorf("treasury address unresolved and not overridden: %w", err)
	}
	if treasury == events.ZeroAddress {
		return common.Address{}, fmt.Errorf("treasury address unresolved: pool %s reports the zero address", p.cfg.PoolAddress)
	}
	return treasury, nil
}

// tokenMetadata is for report labelling only; failures degrade to defaults
// instead of aborting a finished computation.
func (p *Pipeline) tokenMetadata(ctx context.Context, sugar *zap.SugaredLogger) (string, uint8) {
	pool := p.cfg.Pool()
	token, err := p.client.UnderlyingToken(ctx, pool)
	if err != nil {
		sugar.Warnw("Could not resolve underlying token, labelling with pool address", "error", err)
		return pool.Hex(), defaultDecimals
	}

	name, err := p.client.TokenName(ctx, token)
	if err != nil {
		name = token.Hex()
	}
	decimals, err := p.client.Decimals(ctx, token)
	if err != nil {
		sugar.Warnw("Could not read token decimals, assuming 18", "token", token.Hex(), "error", err)
		decimals = defaultDecimals
	}
	return name, decimals
}

func (p *Pipeline) revenueShare(
	evts []events.PoolEvent,
	anchored []replay.Snapshot,
	timestamps map[uint64]uint64,
	intervals *accounting.IntervalResult,
	withInterestFee, totalForDAO *big.Int,
	log *zap.Logger,
) (*report.RevenueShareReport, error) {
	coefficient, ok := new(big.Rat).SetString(p.cfg.RevenueCoefficient)
	if !ok {
		return nil, fmt.Errorf("invalid revenue coefficient '%s'", p.cfg.RevenueCoefficient)
	}

	addrs := make([]common.Address, len(p.cfg.RevenueShareAddrs))
	for i, a := range p.cfg.RevenueShareAddrs {
		addrs[i] = common.HexToAddress(a)
	}

	var transfers []events.PoolEvent
	for i := range evts {
		if evts[i].Kind == events.KindTransfer {
			transfers = append(transfers, evts[i])
		}
	}

	checkpoints := make([]ledger.Checkpoint, len(anchored))
	for i := range anchored {
		checkpoints[i] = ledger.Checkpoint{
			Block:      anchored[i].Block,
			Timestamp:  timestamps[anchored[i].Block],
			SharePrice: anchored[i].SharePrice,
		}
	}

	weighted, err := ledger.NewLedger(addrs, log).WeightedBalance(transfers, checkpoints)
	if err != nil {
		return nil, err
	}
	weightedTVL := ledger.WeightedTVL(weighted, intervals.TotalTimeSum)

	var shareAmount *big.Int
	switch p.cfg.RevenueShareFormula {
	case config.ShareFormulaFlat:
		shareAmount = ledger.FlatShare(totalForDAO, coefficient)
	default:
		shareAmount = ledger.ProRataShare(weightedTVL, intervals.AverageTVL(), withInterestFee, coefficient)
	}

	return &report.RevenueShareReport{
		Addresses:   p.cfg.RevenueShareAddrs,
		WeightedTVL: weightedTVL,
		ShareAmount: shareAmount,
		Coefficient: p.cfg.RevenueCoefficient,
		Formula:     p.cfg.RevenueShareFormula,
	}, nil
}
