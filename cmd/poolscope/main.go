package main

import (
	"os"
	"strings"

	"github.com/poolscope/poolscope/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "poolscope",
	Short: "Reconstruct pool state from chain logs and report DAO revenue",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *config.RunConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	rootCmd.PersistentFlags().Bool(config.Debug, false, `"true" or "false"`)

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			panic(err)
		}
		cfg, err := config.NewRunConfigFromYamlBytes(data)
		if err != nil {
			panic(err)
		}
		Config = cfg
	} else {
		Config = config.NewRunConfig()
	}
}

func main() {
	Execute()
}
