package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/lanshare/lanshared/internal/netproto"
)

// Beaconer is the periodic-send half of the Broadcast Discovery Loop
// (§4.B). It never terminates voluntarily except on context cancellation;
// send failures are logged and swallowed.
type Beaconer struct {
	socket   *Socket
	username string
	interval time.Duration
	logger   *slog.Logger
}

// NewBeaconer builds a Beaconer that emits presence packets for username
// at the given interval (default 100ms per §4.B).
func NewBeaconer(socket *Socket, username string, interval time.Duration, logger *slog.Logger) *Beaconer {
	return &Beaconer{socket: socket, username: username, interval: interval, logger: logger}
}

// Run blocks, emitting a beacon every interval, until ctx is cancelled.
func (b *Beaconer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.beaconOnce()
		}
	}
}

func (b *Beaconer) beaconOnce() {
	pkt := netproto.NewAnnouncement(b.username, time.Now())
	data, err := pkt.Encode()
	if err != nil {
		b.logger.Warn("failed to encode beacon", slog.Any("error", err))
		return
	}
	if err := b.socket.SendBroadcast(data); err != nil {
		b.logger.Warn("failed to send beacon", slog.Any("error", err))
	}
}

// SendDisconnection emits the single disconnection broadcast the host
// sends on shutdown (§5, step 1). Best effort.
func (b *Beaconer) SendDisconnection() {
	pkt := netproto.NewDisconnection(b.username, time.Now())
	data, err := pkt.Encode()
	if err != nil {
		b.logger.Warn("failed to encode disconnection", slog.Any("error", err))
		return
	}
	if err := b.socket.SendBroadcast(data); err != nil {
		b.logger.Warn("failed to send disconnection", slog.Any("error", err))
	}
}
