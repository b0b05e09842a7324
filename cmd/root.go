package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/config"
	"github.com/AlfredBerg/joe-harvester/internal/pipeline"
)

var (
	cfgFile string
	debug   bool

	cfg    *config.Config
	logger *zap.Logger

	// exitCode is set by commands that report partial success.
	exitCode = pipeline.ExitOK
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer func() {
		if logger != nil {
			_ = logger.Sync()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		return pipeline.ExitFailure
	}
	return exitCode
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.joe-harvester.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level with a human readable encoder.")
	rootCmd.PersistentFlags().Bool("headless", true, "Run the browser without a window. Use --headless=false to watch it.")
	cobra.CheckErr(viper.BindPFlag("headless", rootCmd.PersistentFlags().Lookup("headless")))

	rootCmd.AddCommand(runCmd, smokeCmd, showCmd)
}

// initConfig reads in config file, .env and ENV variables and builds the
// logger.
func initConfig() {
	l, err := newLogger(debug)
	cobra.CheckErr(err)
	logger = l

	c, err := config.Load(viper.GetViper(), cfgFile)
	cobra.CheckErr(err)
	cfg = c
	if cfg.File != "" {
		logger.Info("config: using file", zap.String("path", cfg.File))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// signalContext is cancelled on SIGINT or SIGTERM, which aborts the run and
// leaves the snapshot untouched.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:   "joe-harvester",
	Short: "Harvests job market listings into a validated historical snapshot",
	Long: `joe-harvester drives a browser against the listings site, downloads one
spreadsheet per (period, section), merges the postings into the historical
snapshot and hands the snapshot to an external site generator.`,
	SilenceUsage: true,
}

func printErr(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
