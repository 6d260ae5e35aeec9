// Package watchdog keeps systemd informed about the relay daemon: READY on
// startup, WATCHDOG heartbeats while the health checks run, STOPPING on
// shutdown. Everything is a no-op outside systemd.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// Check is a named health probe returning nil when healthy.
type Check struct {
	Name  string
	Probe func() error
}

// Run heartbeats systemd every interval (30s when zero) until ctx is
// cancelled. Failing checks are logged but do not suppress the heartbeat:
// the watchdog proves the process is alive, not that every probe passes.
func Run(ctx context.Context, interval time.Duration, checks []Check, log *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range checks {
				if err := c.Probe(); err != nil {
					log.Warn("health check failed", "check", c.Name, "error", err)
				}
			}
			notify("WATCHDOG=1")
		}
	}
}

// Ready reports successful startup to systemd.
func Ready() error { return notify("READY=1") }

// Stopping reports the beginning of a graceful shutdown to systemd.
func Stopping() error { return notify("STOPPING=1") }

// notify writes one sd_notify state message. NOTIFY_SOCKET unset means no
// systemd; that is not an error.
func notify(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("sd_notify: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sd_notify: %w", err)
	}
	return nil
}
