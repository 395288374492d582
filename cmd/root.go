// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dapbridge",
	Short: "DAP adapter for remote script debuggers",
	Long: `dapbridge is a Debug Adapter Protocol server that bridges an editor to a
script runtime debugger listening on a TCP port. The editor speaks DAP to
dapbridge; dapbridge speaks the debuggee's remote protocol.

Getting started:
  dapbridge serve                         Listen for an editor on port 4711
  dapbridge serve --stdio                 Talk DAP on stdin/stdout
  dapbridge serve --remote host:56000     Default debuggee address
  dapbridge version                       Print version information

Configuration is read from $HOME/.dapbridge.yaml and from DAPBRIDGE_*
environment variables; flags take precedence.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dapbridge.yaml)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in home directory with name ".dapbridge" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".dapbridge")
	}

	viper.SetEnvPrefix("dapbridge")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// Stdout may carry DAP, so the config file is reported on stderr.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
