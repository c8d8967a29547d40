// Package systemd reports service state to the systemd manager over the
// notify socket. Outside of systemd every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
	notify func(unsetEnvironment bool, state string) (bool, error)

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

// NewNotifier creates a notifier using the NOTIFY_SOCKET of the process.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger: logger.With("component", "systemd"),
		notify: daemon.SdNotify,
	}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
		return false
	}
	return sent
}

// Ready reports that startup finished.
func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.logger.Debug("Notified systemd ready")
	}
}

// Stopping reports that shutdown began and stops the watchdog.
func (n *Notifier) Stopping() {
	n.stopWatchdog()
	n.send(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// StartWatchdog pings the watchdog at half the interval configured with
// WatchdogSec. It returns false when the unit has no watchdog.
func (n *Notifier) StartWatchdog() bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Warn("Invalid watchdog configuration", "error", err)
		return false
	}
	if interval == 0 {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.stop = cancel
	n.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}(n.done)

	n.logger.Info("Watchdog enabled", "interval", interval)
	return true
}

func (n *Notifier) stopWatchdog() {
	n.mu.Lock()
	stop, done := n.stop, n.done
	n.stop, n.done = nil, nil
	n.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}
