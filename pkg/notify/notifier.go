package notify

import (
	"context"

	"github.com/wancore-net/wancore/pkg/util"
)

// Notifier receives events. Implementations must never block the caller for
// long and must swallow their own delivery failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the structured log. The default sink when no
// external alerting integration is configured.
type LogNotifier struct{}

// Notify logs the event at a level matching its severity.
func (LogNotifier) Notify(_ context.Context, ev Event) {
	entry := util.WithOrg(ev.Org).WithField("event", string(ev.Kind))
	if ev.Targets.DeviceID != "" {
		entry = entry.WithField("device", ev.Targets.DeviceID)
	}
	if ev.Targets.TunnelNum != 0 {
		entry = entry.WithField("tunnel", ev.Targets.TunnelNum)
	}
	switch ev.Severity {
	case SeverityCritical:
		entry.Errorf("%s: %s", ev.Title, ev.Details)
	case SeverityWarning:
		entry.Warnf("%s: %s", ev.Title, ev.Details)
	default:
		entry.Infof("%s: %s", ev.Title, ev.Details)
	}
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
