// Package cli implements fleetctl, the command-line client for the
// fleet orchestrator's HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl controls the fleet orchestrator",
	Long: `fleetctl is the command-line client for the fleet orchestrator.

It submits tasks and workflows, inspects their status, and manages
registered agents through the orchestrator's HTTP API.

Example:
  fleetctl task submit --name build --agent worker-1 --shell "make build"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code, per
// the CLI's exit-code contract: 0 success, 1 caller error, 2 not found,
// 3 subsystem unhealthy.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .fleetctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080/api/v1", "orchestrator API base URL")
	rootCmd.PersistentFlags().Duration("timeout", 0, "request timeout (0 = no timeout)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error getting working directory:", err)
			os.Exit(1)
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".fleetctl")
	}

	viper.SetEnvPrefix("FLEETCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
		}
	}
}
