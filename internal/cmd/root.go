package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atikulmunna/mcpmon/internal/config"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=…".
var Version = "dev"

var cfgFile string

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "mcpmon",
	Short: "mcpmon: live monitor for Cursor's MCP logs",
	Long: `mcpmon discovers Cursor's "MCP" log files under the logs directory, tails
them as they grow (surviving rotation, truncation and locked files), classifies
every line into MCP events and streams them to the terminal and to any browser
connected to the live dashboard.

Examples:
  mcpmon
  mcpmon --logs-root ~/Library/Application\ Support/Cursor/logs
  mcpmon -f "*.log" --filter offerings -v warning
  mcpmon -o json --addr ""`,
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	d := config.Default()
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: $HOME/.mcpmon.yaml)")
	flags.StringP(config.KeyLogsRoot, "l", "", "root directory containing Cursor logs (default: "+d.LogsRoot+")")
	flags.IntP(config.KeyPollInterval, "p", int(d.PollInterval.Milliseconds()), "polling interval in milliseconds")
	flags.StringP(config.KeyVerbosity, "v", d.Verbosity, "minimum level to show: debug, info, warning, error")
	flags.StringP(config.KeyLogPattern, "f", d.LogPattern, "log file name or glob pattern to monitor")
	flags.String(config.KeyFilter, "", "only show lines containing this text (case-insensitive)")
	flags.StringP(config.KeyOutput, "o", d.Output, "console output format: text, json, none")
	flags.String(config.KeyAddr, d.Addr, `dashboard listen address ("" disables)`)
	flags.Int(config.KeyRescanInterval, int(d.RescanInterval.Milliseconds()), "directory rescan interval in milliseconds (0 disables)")

	flags.Int(config.KeyTruncationNotice, int(d.TruncationNotice.Milliseconds()), "minimum milliseconds between rotation notices")
	flags.Int(config.KeyMaxRetries, d.MaxRetries, "error count at which read backoff stops growing")
	flags.Int(config.KeyStopGrace, int(d.StopGrace.Milliseconds()), "milliseconds to wait for each tailer on shutdown")
	for _, hidden := range []string{config.KeyTruncationNotice, config.KeyMaxRetries, config.KeyStopGrace} {
		_ = flags.MarkHidden(hidden)
	}

	config.SetDefaults(viper.GetViper())
	cobra.CheckErr(viper.BindPFlags(flags))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".mcpmon")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Warning: cannot read config file:", err)
		}
	}
}
