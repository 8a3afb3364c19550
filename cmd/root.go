// Package cmd implements the shogun command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kmoriya/shogun/internal/app"
	"github.com/kmoriya/shogun/internal/config"
	"github.com/kmoriya/shogun/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	workspace string
)

var rootCmd = &cobra.Command{
	Use:     "shogun",
	Short:   "Hierarchical multi-agent coordinator",
	Long:    `shogun coordinates a king/shogun/karou/ashigaru agent hierarchy over a crash-safe file mailbox.`,
	Version: version,
	RunE:    runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	RunE:  runServe,
}

// SetVersion injects the build version from main.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI. The returned code is the process exit status;
// 75 asks the launcher to respawn.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return exitCode
}

// exitCode carries the run loop's result out of cobra.
var exitCode int

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: {workspace}/.shogun/config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "",
		"workspace root (default: current directory)")
	rootCmd.PersistentFlags().Bool("poll", false,
		"poll the mailbox instead of using native filesystem events")
	rootCmd.PersistentFlags().Bool("debug", false,
		"log at debug level")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ws := workspace
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		ws = wd
	}

	cfg, err := config.Load(ws, cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.LoadProfiles(); err != nil {
		return err
	}
	if poll, _ := cmd.Flags().GetBool("poll"); poll {
		cfg.Poll = true
	}
	if envPoll := os.Getenv("SHOGUN_POLL"); envPoll == "1" || envPoll == "true" {
		cfg.Poll = true
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); !debug {
		log.SetMinLevel(log.LevelInfo)
	}

	if err := a.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode = a.Run(ctx)
	return nil
}
