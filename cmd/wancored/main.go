// Wancored - SD-WAN tunnel control-plane daemon
//
// Plans and reconciles the encrypted tunnel overlay of managed device
// fleets:
//   - topology planning (full mesh, hub-and-spoke, external peers)
//   - deterministic tunnel parameter derivation and job dispatch
//   - per-device desired-state hashing and drift reconciliation
//   - periodic sweep re-applying the declared fleet policy
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wancore-net/wancore/pkg/settings"
	"github.com/wancore-net/wancore/pkg/util"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	settingsPath string
	cfg          *settings.Settings
)

var rootCmd = &cobra.Command{
	Use:   "wancored",
	Short: "SD-WAN tunnel control-plane daemon",
	Long: `wancored plans, provisions and reconciles the tunnel overlay of
managed SD-WAN device fleets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if settingsPath != "" {
			cfg, err = settings.LoadFrom(settingsPath)
		} else {
			cfg, err = settings.Load()
		}
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		if err := util.SetLogLevel(cfg.GetLogLevel()); err != nil {
			return err
		}
		if cfg.LogFormat == "json" {
			util.SetJSONFormat()
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the wancored version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "",
		"settings file path (default ~/.wancore/settings.json)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
