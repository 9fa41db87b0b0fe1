// Package transfer defines the boundary interfaces to the two external
// collaborators named in §6: the bulk file-transfer back-end and the
// clipboard polling back-end. Neither's protocol is implemented here — the
// core only provides the materialization directory, the per-resource
// credential, and the peer snapshot each collaborator needs.
package transfer

import (
	"context"
	"log/slog"
)

// Requester is the bulk-transfer collaborator's inbound face: a request to
// fetch a resource from its current owner. The core queues these ad-hoc
// (§5, task 6) so a slow transfer never serializes behind announcement
// processing.
type Requester interface {
	RequestDownload(ctx context.Context, resourceID, ownerUsername, sourceAddress string, sourcePort int) error
}

// LoggingRequester is the default Requester: it logs the request and
// returns immediately. The actual reliable byte-stream service (bind to
// port+1 per §6) is an external collaborator outside this specification's
// scope; this implementation stands in for it so the catalog's download
// bookkeeping (the `downloaded` hysteresis set) can be exercised without a
// real transfer backend wired in.
type LoggingRequester struct {
	Logger *slog.Logger
}

func (r *LoggingRequester) RequestDownload(_ context.Context, resourceID, ownerUsername, sourceAddress string, sourcePort int) error {
	r.Logger.Info("queued bulk transfer request",
		slog.String("resource_id", resourceID),
		slog.String("owner", ownerUsername),
		slog.String("source_address", sourceAddress),
		slog.Int("source_port", sourcePort),
	)
	return nil
}

// PeerSnapshot is the minimal view of a peer the clipboard collaborator
// needs: where to send clipboard updates.
type PeerSnapshot struct {
	Username string
	Address  string
	Port     int
}

// ClipboardNotifier is the clipboard collaborator's inbound face: it is
// handed the current peer snapshot on every tick of the daemon's periodic
// peer-table task, and decides for itself which (address,
// clipboard_port) pairs to contact. The clipboard subsystem's own design
// (activate-at-construction vs. start/stop, send-only vs. send+receive) is
// explicitly out of scope (§9); the core only owns this notification
// boundary.
type ClipboardNotifier interface {
	NotifyPeers(peers []PeerSnapshot)
}

// NoopClipboardNotifier discards peer snapshots. Used when no clipboard
// collaborator is configured.
type NoopClipboardNotifier struct{}

func (NoopClipboardNotifier) NotifyPeers([]PeerSnapshot) {}
