// Package systemd reports supervisor state to the service manager.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/clusterd/internal/events"
)

// Notifier sends sd_notify messages. Outside systemd every call is a no-op.
type Notifier struct {
	logger *slog.Logger
	notify func(unsetEnvironment bool, state string) (bool, error)
}

// NewNotifier creates a notifier. If logger is nil, uses slog.Default().
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger, notify: daemon.SdNotify}
}

// Notify sends a raw state string such as "READY=1".
func (n *Notifier) Notify(state string) {
	sent, err := n.notify(false, state)
	if err != nil {
		n.logger.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("Notified systemd", "state", state)
	}
}

// Attach translates supervisor phase changes into readiness messages:
// steady is READY, a rolling restart RELOADING and shutdown STOPPING.
func (n *Notifier) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.PhaseChangedEvent) {
		switch e.NewPhase {
		case "steady":
			n.Notify(daemon.SdNotifyReady + "\nSTATUS=All workers online")
		case "rolling_restart":
			n.Notify(daemon.SdNotifyReloading + fmt.Sprintf("\nSTATUS=Rolling restart, generation %d", e.Generation))
		case "shutting_down":
			n.Notify(daemon.SdNotifyStopping + "\nSTATUS=Stopping workers")
		}
	})
}

// Watchdog pings the systemd watchdog at half its interval until ctx is done.
// It returns immediately when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval == 0 {
		return nil
	}

	n.logger.Info("Systemd watchdog enabled", "interval", interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Notify(daemon.SdNotifyWatchdog)
		}
	}
}
