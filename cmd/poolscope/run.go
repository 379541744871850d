package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/poolscope/poolscope/pkg/clients/ethereum"
	"github.com/poolscope/poolscope/pkg/config"
	"github.com/poolscope/poolscope/pkg/logger"
	"github.com/poolscope/poolscope/pkg/pipeline"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run rpcUrl poolAddress fromDate toDate interestFeeBps",
	Short: "Compute time-weighted TVL and DAO revenue for a date window",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		initRunCmd(cmd)

		if err := applyArgsAndFlags(Config, cmd, args); err != nil {
			return err
		}

		log, _ := logger.NewLogger(&logger.LoggerConfig{Debug: Config.Debug})
		sugar := log.Sugar()

		// All input validation happens before dialing the RPC endpoint.
		if err := Config.Validate(); err != nil {
			sugar.Errorw("Invalid configuration", "error", err)
			return err
		}

		ctx := context.Background()
		client, err := ethereum.NewRPCClient(ctx, Config.RPCUrl, log)
		if err != nil {
			sugar.Errorw("Failed to connect to RPC endpoint", "error", err)
			return err
		}

		rep, err := pipeline.NewPipeline(client, Config, log).Run(ctx)
		if err != nil {
			sugar.Errorw("Revenue computation failed", "error", err)
			return err
		}

		fmt.Print(rep.Render())
		return nil
	},
}

func init() {
	runCmd.Flags().Int("dao-share-bps", config.DaoShareFromContract, "DAO share of fee revenue in basis points (required; -1 reads daoSplit() from the pool)")
	runCmd.Flags().String("deploy-date", "", "pool deployment date (YYYY-MM-DD); skips the lookback search")
	runCmd.Flags().String("treasury", "", "treasury address override")
	runCmd.Flags().Bool("revenue-share", false, "compute a pro-rata revenue share for --addresses")
	runCmd.Flags().StringSlice("addresses", nil, "addresses for the revenue share computation")
	runCmd.Flags().String("rev-coeff", "1", "revenue share coefficient (decimal or fraction)")
	runCmd.Flags().String("share-formula", string(config.ShareFormulaProRata), "revenue share formula: pro-rata or flat")
	runCmd.Flags().Bool("debug-share-price", false, "dump the replayed snapshot sequence")

	if err := runCmd.MarkFlagRequired("dao-share-bps"); err != nil {
		panic(err)
	}
}

func initRunCmd(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s': %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(f.Name); err != nil {
			fmt.Printf("Failed to bind env '%s': %+v\n", f.Name, err)
		}
	})
}

// applyArgsAndFlags layers positional arguments and flags over whatever the
// optional config file provided.
func applyArgsAndFlags(cfg *config.RunConfig, cmd *cobra.Command, args []string) error {
	cfg.RPCUrl = args[0]
	cfg.PoolAddress = args[1]
	cfg.FromDate = args[2]
	cfg.ToDate = args[3]

	interestFee, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("invalid interestFeeBps '%s': %w", args[4], err)
	}
	cfg.InterestFeeBps = interestFee

	cfg.DaoShareBps = viper.GetInt("dao_share_bps")
	if v := viper.GetString("deploy_date"); v != "" {
		cfg.DeployDate = v
	}
	if v := viper.GetString("treasury"); v != "" {
		cfg.TreasuryAddress = v
	}
	if viper.GetBool("revenue_share") {
		cfg.RevenueShare = true
		cfg.RevenueShareAddrs = viper.GetStringSlice("addresses")
		cfg.RevenueCoefficient = viper.GetString("rev_coeff")
		cfg.RevenueShareFormula = config.ShareFormula(viper.GetString("share_formula"))
	}
	cfg.DebugSharePrice = viper.GetBool("debug_share_price")
	cfg.Debug = viper.GetBool(config.Debug)
	return nil
}
