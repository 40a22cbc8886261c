package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/wancore-net/wancore/pkg/audit"
	"github.com/wancore-net/wancore/pkg/metrics"
	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/notify"
	"github.com/wancore-net/wancore/pkg/queue"
	"github.com/wancore-net/wancore/pkg/settings"
	"github.com/wancore-net/wancore/pkg/store"
	wsync "github.com/wancore-net/wancore/pkg/sync"
	"github.com/wancore-net/wancore/pkg/tunnel"
	"github.com/wancore-net/wancore/pkg/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane daemon",
	Long: `Starts the tunnel control plane: the reconciliation engine, the
periodic policy sweep and the metrics endpoint.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	st := store.NewClient(store.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Ping(ctx); err != nil {
		return err
	}

	if cfg.AuditLogPath != "" {
		logger, err := audit.NewFileLogger(cfg.AuditLogPath, audit.RotationConfig{
			MaxSize: 64 << 20, MaxBackups: 5,
		})
		if err != nil {
			return err
		}
		defer logger.Close()
		audit.SetDefaultLogger(logger)
	}

	q := queue.NewRedisQueue(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	defer q.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	notifier := notify.LogNotifier{}

	engine := wsync.NewEngine(st, q, notifier, &wsync.TunnelsModule{
		Tunnels:    st,
		Devices:    st,
		Peers:      st,
		OrgRange:   cfg.GetOrgRange(),
		DefaultMTU: cfg.DefaultMTU,
	})
	engine.SetRecorder(m)

	svc := tunnel.NewService(st, q, st, st, st,
		tunnel.NewPlanner(tunnel.NewGate(certValidator{})),
		engine, notifier, m,
		tunnel.Config{
			OrgRange:   cfg.GetOrgRange(),
			DefaultMTU: cfg.DefaultMTU,
		})

	var policy *settings.Policy
	if cfg.PolicyPath != "" {
		var err error
		if policy, err = settings.LoadPolicy(cfg.PolicyPath); err != nil {
			return err
		}
		util.Infof("loaded fleet policy for %d orgs from %s", len(policy.Orgs), cfg.PolicyPath)
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.GetSweepSchedule(), func() {
		sweep(ctx, st, svc, policy)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.GetSweepSchedule(), err)
	}
	c.Start()
	defer c.Stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			util.Infof("metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				util.Errorf("metrics server: %v", err)
			}
		}()
	}

	util.Infof("wancored %s serving (sweep %s)", Version, cfg.GetSweepSchedule())
	<-ctx.Done()
	util.Infof("shutting down")
	return nil
}

// sweep is the periodic reconciliation pass: retry pending tunnels and
// re-apply the declared fleet policy. Planning is idempotent against the
// existing tunnel set, so an unchanged fleet produces no new work.
func sweep(ctx context.Context, st *store.Client, svc *tunnel.Service, policy *settings.Policy) {
	if policy == nil {
		return
	}
	for i := range policy.Orgs {
		op := &policy.Orgs[i]

		if res, err := svc.RetryPending(ctx, op.Org, "system"); err != nil {
			util.WithOrg(op.Org).Errorf("sweep: retrying pending tunnels: %v", err)
		} else if res.Status != model.StatusCompleted {
			util.WithOrg(op.Org).Infof("sweep: pending retry: %s (%s)", res.Status, res.Message)
		}

		req, err := policyRequest(ctx, st, op)
		if err != nil {
			util.WithOrg(op.Org).Errorf("sweep: building policy request: %v", err)
			continue
		}
		if req == nil {
			continue
		}
		res, err := svc.CreateTunnels(ctx, req)
		if err != nil {
			util.WithOrg(op.Org).Errorf("sweep: applying policy: %v", err)
			continue
		}
		if len(res.IDs) > 0 {
			util.WithOrg(op.Org).Infof("sweep: policy produced %d jobs (%s)", len(res.IDs), res.Status)
		}
	}
}

// policyRequest translates one org policy entry into a creation batch over
// the org's current device fleet.
func policyRequest(ctx context.Context, st *store.Client, op *settings.OrgPolicy) (*tunnel.CreateRequest, error) {
	devices, err := st.ListDevices(ctx, op.Org)
	if err != nil {
		return nil, err
	}
	if len(devices) < 2 {
		return nil, nil
	}

	req := &tunnel.CreateRequest{
		PlanRequest: tunnel.PlanRequest{
			Org:        op.Org,
			Devices:    devices,
			Topology:   model.Topology(op.Topology),
			PathLabels: op.PathLabels,
			Encryption: model.EncryptionMethod(op.Encryption),
			Advanced: model.AdvancedOptions{
				MTU:      op.Advanced.MTU,
				MSSClamp: op.Advanced.MSSClamp,
				OSPFCost: op.Advanced.OSPFCost,
				OSPFArea: op.Advanced.OSPFArea,
				Routing:  model.RoutingProtocol(op.Advanced.Routing),
			},
		},
		Username: "system",
		OrgRange: op.OrgRange,
	}
	if req.Encryption == "" {
		req.Encryption = model.EncryptionPSK
	}
	if op.Topology == "hubAndSpoke" {
		req.HubIndex = -1
		for i, d := range devices {
			if d.ID == op.Hub || d.Hostname == op.Hub {
				req.HubIndex = i
				break
			}
		}
		if req.HubIndex < 0 {
			return nil, fmt.Errorf("hub device %q not found", op.Hub)
		}
	}
	return req, nil
}

// certValidator is the IKEv2 readiness check. Certificate management lives
// outside this daemon; a device is considered ready when its agent version
// supports IKEv2 tunnels at all.
type certValidator struct{}

func (certValidator) ValidateIKEv2(d *model.Device) (bool, string) {
	if !util.SupportsFeature(d.Versions.Agent, util.FeaturePeerTunnels) {
		return false, fmt.Sprintf("agent %s does not support IKEv2", d.Versions.Agent)
	}
	return true, ""
}
