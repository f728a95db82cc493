package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drawparse/drawparse/internal/config"
	"github.com/drawparse/drawparse/internal/taskdir"
)

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired task directories once and exit",
	Long: `Scan the uploads root and delete every task directory whose liveness
marker has aged past the TTL. The serve command runs the same sweep on a
timer; this command exists for cron-style setups and manual cleanup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ttl, err := time.ParseDuration(cfg.Cleanup.TTL)
		if err != nil {
			return fmt.Errorf("invalid cleanup TTL %q: %w", cfg.Cleanup.TTL, err)
		}

		tasks, err := taskdir.New(cfg.Storage.UploadsDir)
		if err != nil {
			return err
		}

		sweeper := taskdir.NewSweeper(tasks, ttl, 0)
		removed, err := sweeper.SweepOnce(time.Now())
		if err != nil {
			return err
		}

		printSuccess("Removed %d expired task(s) from %s", removed, cfg.Storage.UploadsDir)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			if strings.Contains(err.Error(), "unknown config key") {
				printWarning("Valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
