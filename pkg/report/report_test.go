package report

import (
	"math/big"
	"testing"

	"github.com/poolscope/poolscope/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestHumanAmount(t *testing.T) {
	cases := []struct {
		raw      int64
		decimals uint8
		want     string
	}{
		{0, 6, "0"},
		{1_000_000, 6, "1"},
		{1_500_000, 6, "1.5"},
		{1_000_001, 6, "1.000001"},
		{123, 6, "0.000123"},
		{-2_500_000, 6, "-2.5"},
		{42, 0, "42"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, HumanAmount(big.NewInt(tc.raw), tc.decimals))
	}
	assert.Equal(t, "0", HumanAmount(nil, 18))
}

func TestRender(t *testing.T) {
	rep := &RevenueReport{
		ReportID:           "test-run",
		PoolAddress:        "0x24946bCbBd028D5ABb62ad9B635EB1b1a67AF668",
		TokenName:          "USD Coin",
		Decimals:           6,
		FromDate:           "2024-01-01",
		ToDate:             "2024-02-01",
		FromBlock:          100,
		ToBlock:            200,
		DeployBlock:        10,
		AverageTVL:         big.NewInt(5_000_000),
		TotalRevenueForDAO: big.NewInt(1_000_000),
		RealizedRevenue:    big.NewInt(250_000),
		UnrealizedRevenue:  big.NewInt(750_000),
		MintedShares:       big.NewInt(250_000),
		EventCounts:        map[events.Kind]int{events.KindDeposit: 3},
		CoverageRatio:      0.9876,
	}

	out := rep.Render()
	assert.Contains(t, out, "USD Coin")
	assert.Contains(t, out, "average TVL:     5")
	assert.Contains(t, out, "0.9876")
	assert.Contains(t, out, "deposits=3")
	assert.NotContains(t, out, "revenue share")
	assert.NotContains(t, out, "warning")

	rep.RevenueShare = &RevenueShareReport{
		Addresses:   []string{"0x7B079Bf53d7A27e716a6bf222Db9E6bcC24d4f23"},
		WeightedTVL: big.NewInt(1_000_000),
		ShareAmount: big.NewInt(100_000),
		Coefficient: "0.5",
		Formula:     "pro-rata",
	}
	rep.LookbackWarning = "no funded snapshot before block 100"

	out = rep.Render()
	assert.Contains(t, out, "revenue share (pro-rata, coeff 0.5)")
	assert.Contains(t, out, "0x7B079Bf53d7A27e716a6bf222Db9E6bcC24d4f23")
	assert.Contains(t, out, "warning")
}
