// logrecon downloads container logs from a search backend and writes them
// back in producer order.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/logflow/logrecon/pkg/config"
	"github.com/logflow/logrecon/pkg/logging"
	"github.com/logflow/logrecon/pkg/tui"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
	searchURL  string
	indexFlag  string
	quiet      bool
)

// Loaded by the root PersistentPreRunE.
var (
	cfg     *config.Config
	logger  *slog.Logger
	printer *tui.Printer
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "logrecon",
	Short: "logrecon - Download ordered container logs from Elasticsearch",
	Long: `logrecon pages through a search backend and rebuilds each container's log in
the order it was produced, using the count=<N> counter in every line.

Configuration is read from /etc/logrecon/config.yaml, ~/.logrecon/config.yaml,
./.logrecon.yaml and --config, then LOGRECON_* environment variables, then flags.`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "logrecon %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (overrides the default search paths)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&searchURL, "url", "", "Search backend URL")
	rootCmd.PersistentFlags().StringVar(&indexFlag, "index", "", "Index pattern to search")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Hide progress output")

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(containsCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig layers files, environment and flags, then builds the logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	m := config.NewManager()
	if err := m.Load(configFile); err != nil {
		return err
	}
	cfg = m.Get()

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("url") {
		cfg.Search.URL = searchURL
	}
	if flags.Changed("index") {
		cfg.Search.Index = indexFlag
	}
	applyDownloadFlags(cmd)

	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	logger = l
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "paths", m.GetPaths())

	printer = tui.NewPrinter(cmd.OutOrStdout(), quiet)
	return nil
}
