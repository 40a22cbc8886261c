package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wancore-net/wancore/pkg/audit"
	"github.com/wancore-net/wancore/pkg/notify"
	"github.com/wancore-net/wancore/pkg/queue"
	"github.com/wancore-net/wancore/pkg/store"
	wsync "github.com/wancore-net/wancore/pkg/sync"
)

func storeClient() *store.Client {
	return store.NewClient(store.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

var resyncCmd = &cobra.Command{
	Use:   "resync <machine-id>",
	Short: "Force a full resync of a device",
	Long: `Plants the force-resync sentinel so the device's next status report
mismatches and a full-sync job is generated regardless of actual drift.
Also re-enables automatic sync if it was disabled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := storeClient()
		defer st.Close()
		q := queue.NewRedisQueue(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		defer q.Close()

		engine := wsync.NewEngine(st, q, notify.LogNotifier{})
		if err := engine.ForceResync(context.Background(), args[0]); err != nil {
			return err
		}
		if err := audit.Log(audit.NewEvent("admin", "", audit.OpForceResync).
			WithDevices(args[0]).WithResult("ok", "")); err != nil {
			return err
		}
		fmt.Printf("device %s marked for full resync\n", args[0])
		return nil
	},
}

var autosyncCmd = &cobra.Command{
	Use:   "autosync <machine-id> <on|off>",
	Short: "Toggle automatic resynchronization for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled := args[1] == "on"
		if !enabled && args[1] != "off" {
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		st := storeClient()
		defer st.Close()

		if err := st.SetAutoSync(context.Background(), args[0], enabled); err != nil {
			return err
		}
		if err := audit.Log(audit.NewEvent("admin", "", audit.OpSetAutoSync).
			WithDevices(args[0]).WithResult(args[1], "")); err != nil {
			return err
		}
		fmt.Printf("autosync %s for device %s\n", args[1], args[0])
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <id>",
	Short: "Show the status of a background batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := storeClient()
		defer st.Close()

		p, err := st.GetProgress(context.Background(), args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no progress record %s", args[0])
		}
		state := "running"
		if p.Done {
			state = "done"
		}
		fmt.Printf("%s: %d/%d completed, %d failed (%s)\n",
			state, p.Completed, p.Total, p.Failed, args[0])
		if p.Message != "" {
			fmt.Println(p.Message)
		}
		return nil
	},
}

var syncStateCmd = &cobra.Command{
	Use:   "sync-state <machine-id>",
	Short: "Show a device's sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := storeClient()
		defer st.Close()

		rec, err := st.GetSyncRecord(context.Background(), args[0])
		if err != nil {
			return err
		}
		autosync := "on"
		if !rec.AutoSync {
			autosync = "off"
		}
		fmt.Printf("state: %s\nhash: %s\ntrials: %d\nautosync: %s\n",
			rec.State, rec.Hash, rec.Trials, autosync)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AuditLogPath == "" {
			return fmt.Errorf("audit logging is not configured")
		}
		logger, err := audit.NewFileLogger(cfg.AuditLogPath, audit.RotationConfig{})
		if err != nil {
			return err
		}
		defer logger.Close()

		org, _ := cmd.Flags().GetString("org")
		op, _ := cmd.Flags().GetString("operation")
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := logger.Query(audit.Filter{Org: org, Operation: op, Limit: limit})
		if err != nil {
			return err
		}
		for _, ev := range events {
			outcome := "ok"
			if !ev.Success {
				outcome = "FAILED: " + ev.Error
			}
			fmt.Printf("%s %-16s org=%s user=%s tunnels=%s %s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"),
				ev.Operation, ev.Org, ev.User, formatNums(ev.Tunnels), outcome)
		}
		return nil
	},
}

func formatNums(nums []int) string {
	if len(nums) == 0 {
		return "-"
	}
	out := ""
	for i, n := range nums {
		if i > 0 {
			out += ","
		}
		out += strconv.Itoa(n)
	}
	return out
}

func init() {
	auditCmd.Flags().String("org", "", "filter by organization")
	auditCmd.Flags().String("operation", "", "filter by operation")
	auditCmd.Flags().Int("limit", 50, "maximum events to show")
	rootCmd.AddCommand(resyncCmd, autosyncCmd, progressCmd, syncStateCmd, auditCmd)
}
