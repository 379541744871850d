// Package report is the read-only output of one invocation.
package report

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/events"
)

// RevenueShareReport is present only when an address set was supplied.
type RevenueShareReport struct {
	Addresses   []string
	WeightedTVL *big.Int
	ShareAmount *big.Int
	Coefficient string
	Formula     config.ShareFormula
}

// RevenueReport is produced once per invocation and never mutated afterward.
type RevenueReport struct {
	ReportID    string
	PoolAddress string
	TokenName   string
	Decimals    uint8

	FromDate string
	ToDate   string

	// Anchored range actually used for the computation.
	FromBlock     uint64
	ToBlock       uint64
	FromTimestamp uint64
	ToTimestamp   uint64
	DeployBlock   uint64

	AverageTVL         *big.Int
	TotalRevenueForDAO *big.Int
	RealizedRevenue    *big.Int
	UnrealizedRevenue  *big.Int
	MintedShares       *big.Int

	EventCounts   map[events.Kind]int
	CoverageRatio float64

	NegativePriceIntervals int
	SkippedIntervals       int
	SequentialFallback     bool
	LookbackWarning        string

	RevenueShare *RevenueShareReport
}

// HumanAmount renders a raw integer token amount with a decimal point.
func HumanAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(v)
	if v.Sign() < 0 {
		sign = "-"
	}

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))
	if frac.Sign() == 0 {
		return fmt.Sprintf("%s%s", sign, whole.String())
	}

	fracStr := fmt.Sprintf("%0*s", decimals, frac.String())
	fracStr = strings.TrimRight(fracStr, "0")
	return fmt.Sprintf("%s%s.%s", sign, whole.String(), fracStr)
}

// Render formats the report for human consumption.
func (r *RevenueReport) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Pool revenue report %s\n", r.ReportID)
	fmt.Fprintf(&b, "  pool:            %s (%s)\n", r.PoolAddress, r.TokenName)
	fmt.Fprintf(&b, "  period:          %s .. %s\n", r.FromDate, r.ToDate)
	fmt.Fprintf(&b, "  anchored blocks: %d .. %d (ts %d .. %d)\n", r.FromBlock, r.ToBlock, r.FromTimestamp, r.ToTimestamp)
	fmt.Fprintf(&b, "  deploy block:    %d\n", r.DeployBlock)
	fmt.Fprintf(&b, "  average TVL:     %s (raw %s)\n", HumanAmount(r.AverageTVL, r.Decimals), r.AverageTVL)
	fmt.Fprintf(&b, "  DAO revenue:     %s (raw %s)\n", HumanAmount(r.TotalRevenueForDAO, r.Decimals), r.TotalRevenueForDAO)
	fmt.Fprintf(&b, "    realized:      %s (raw %s, %s shares minted)\n",
		HumanAmount(r.RealizedRevenue, r.Decimals), r.RealizedRevenue, r.MintedShares)
	fmt.Fprintf(&b, "    unrealized:    %s (raw %s)\n", HumanAmount(r.UnrealizedRevenue, r.Decimals), r.UnrealizedRevenue)
	fmt.Fprintf(&b, "  coverage:        %.4f\n", r.CoverageRatio)
	fmt.Fprintf(&b, "  events:          deposits=%d withdrawals=%d transfers=%d\n",
		r.EventCounts[events.KindDeposit], r.EventCounts[events.KindWithdraw], r.EventCounts[events.KindTransfer])
	fmt.Fprintf(&b, "  diagnostics:     negativePriceIntervals=%d skippedIntervals=%d sequentialFallback=%t\n",
		r.NegativePriceIntervals, r.SkippedIntervals, r.SequentialFallback)
	if r.LookbackWarning != "" {
		fmt.Fprintf(&b, "  warning:         %s\n", r.LookbackWarning)
	}
	if r.RevenueShare != nil {
		fmt.Fprintf(&b, "  revenue share (%s, coeff %s):\n", r.RevenueShare.Formula, r.RevenueShare.Coefficient)
		fmt.Fprintf(&b, "    addresses:     %s\n", strings.Join(r.RevenueShare.Addresses, ", "))
		fmt.Fprintf(&b, "    weighted TVL:  %s (raw %s)\n", HumanAmount(r.RevenueShare.WeightedTVL, r.Decimals), r.RevenueShare.WeightedTVL)
		fmt.Fprintf(&b, "    share amount:  %s (raw %s)\n", HumanAmount(r.RevenueShare.ShareAmount, r.Decimals), r.RevenueShare.ShareAmount)
	}
	return b.String()
}
