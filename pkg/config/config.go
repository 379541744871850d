package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"sigs.k8s.io/yaml"
)

const (
	EnvPrefix = "POOLSCOPE"

	Debug = "debug"

	// DateLayout is the calendar-day format accepted on the command line.
	DateLayout = "2006-01-02"

	MaxBps = 10_000

	// DaoShareFromContract makes the pipeline read daoSplit() on-chain
	// instead of taking the share from configuration.
	DaoShareFromContract = -1

	// DefaultLogWindowBlocks is the block span of one getLogs request before
	// any range-limit degradation.
	DefaultLogWindowBlocks uint64 = 100_000

	// MinLogWindowBlocks is the floor the fetch window may be halved down to.
	MinLogWindowBlocks uint64 = 2_000

	DefaultFetchConcurrency = 4

	// DefaultLookbackDays is the initial historical search window used to find
	// a funding event prior to the requested period.
	DefaultLookbackDays = 365

	// LookbackCapMultiplier bounds how far the lookback may double.
	LookbackCapMultiplier = 5
)

// Scale is the fixed-point denominator for share prices (ray, 10^27).
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

type ShareFormula string

const (
	// ShareFormulaProRata scales pool revenue by the addresses' share of the
	// time-weighted TVL, then by the coefficient.
	ShareFormulaProRata ShareFormula = "pro-rata"
	// ShareFormulaFlat multiplies total DAO revenue by the coefficient only.
	ShareFormulaFlat ShareFormula = "flat"
)

// RunConfig is everything one invocation needs. All fields are validated
// before any network access happens.
type RunConfig struct {
	RPCUrl      string `json:"rpcUrl"`
	PoolAddress string `json:"poolAddress"`
	FromDate    string `json:"fromDate"`
	ToDate      string `json:"toDate"`

	InterestFeeBps int `json:"interestFeeBps"`
	DaoShareBps    int `json:"daoShareBps"`

	DeployDate      string `json:"deployDate,omitempty"`
	TreasuryAddress string `json:"treasuryAddress,omitempty"`

	RevenueShare        bool         `json:"revenueShare,omitempty"`
	RevenueShareAddrs   []string     `json:"revenueShareAddrs,omitempty"`
	RevenueCoefficient  string       `json:"revenueCoefficient,omitempty"`
	RevenueShareFormula ShareFormula `json:"revenueShareFormula,omitempty"`

	DebugSharePrice bool `json:"debugSharePrice,omitempty"`
	Debug           bool `json:"debug,omitempty"`
}

func NewRunConfig() *RunConfig {
	return &RunConfig{
		RevenueShareFormula: ShareFormulaProRata,
	}
}

func NewRunConfigFromYamlBytes(data []byte) (*RunConfig, error) {
	cfg := NewRunConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
	}
	return cfg, nil
}

func (c *RunConfig) Validate() error {
	if c.RPCUrl == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(c.PoolAddress) {
		return fmt.Errorf("invalid pool address '%s'", c.PoolAddress)
	}
	from, err := c.From()
	if err != nil {
		return err
	}
	to, err := c.To()
	if err != nil {
		return err
	}
	if from.After(to) {
		return fmt.Errorf("fromDate %s is after toDate %s", c.FromDate, c.ToDate)
	}
	if c.InterestFeeBps < 0 || c.InterestFeeBps > MaxBps {
		return fmt.Errorf("interest fee %d out of range [0, %d] bps", c.InterestFeeBps, MaxBps)
	}
	// -1 means resolve the DAO split from the pool contract.
	if c.DaoShareBps != DaoShareFromContract && (c.DaoShareBps < 0 || c.DaoShareBps > MaxBps) {
		return fmt.Errorf("dao share %d out of range [0, %d] bps", c.DaoShareBps, MaxBps)
	}
	if c.DeployDate != "" {
		if _, err := time.Parse(DateLayout, c.DeployDate); err != nil {
			return fmt.Errorf("invalid deploy date '%s': %w", c.DeployDate, err)
		}
	}
	if c.TreasuryAddress != "" && !common.IsHexAddress(c.TreasuryAddress) {
		return fmt.Errorf("invalid treasury address '%s'", c.TreasuryAddress)
	}
	if c.RevenueShare {
		if len(c.RevenueShareAddrs) == 0 {
			return fmt.Errorf("revenue share requested but no addresses supplied")
		}
		for _, addr := range c.RevenueShareAddrs {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("invalid revenue share address '%s'", addr)
			}
		}
		if _, ok := new(big.Rat).SetString(c.RevenueCoefficient); !ok {
			return fmt.Errorf("invalid revenue coefficient '%s'", c.RevenueCoefficient)
		}
		switch c.RevenueShareFormula {
		case ShareFormulaProRata, ShareFormulaFlat:
		default:
			return fmt.Errorf("unknown revenue share formula '%s'", c.RevenueShareFormula)
		}
	}
	return nil
}

func (c *RunConfig) From() (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, c.FromDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid from date '%s': %w", c.FromDate, err)
	}
	return t, nil
}

func (c *RunConfig) To() (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, c.ToDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid to date '%s': %w", c.ToDate, err)
	}
	return t, nil
}

// Pool returns the validated pool address.
func (c *RunConfig) Pool() common.Address {
	return common.HexToAddress(c.PoolAddress)
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}
