package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/lanshare/lanshared/internal/catalog"
	"github.com/lanshare/lanshared/internal/config"
	"github.com/lanshare/lanshared/internal/metrics"
	"github.com/lanshare/lanshared/internal/netproto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testHostConfig(t *testing.T, username string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Identity.Username = username
	cfg.Network.Port = 0
	cfg.Network.BroadcastInterval = 10 * time.Millisecond
	cfg.Network.PeerTimeout = 60 * time.Millisecond
	cfg.Catalog.WorkspaceDir = filepath.Join(t.TempDir(), "workspace")
	cfg.Catalog.SyncInterval = 20 * time.Millisecond
	cfg.Rendezvous.URL = ""
	return cfg
}

func newTestHost(t *testing.T, username string) *Host {
	t.Helper()
	cfg := testHostConfig(t, username)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	h, err := New(context.Background(), cfg, discardLogger(), collector)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Socket.Close() })
	return h
}

// pushOwnedResource delivers a file_share/announce packet to h's catalog
// as if it had arrived from owner, the same path a real announcement
// datagram takes through HandleFileShare.
func pushOwnedResource(t *testing.T, h *Host, owner string) {
	t.Helper()
	r := &catalog.SharedResource{
		ResourceID:   owner + "#1#notes.txt",
		Owner:        owner,
		SharedToAll:  true,
		AllowedUsers: map[string]bool{},
		Timestamp:    time.Now(),
		ModifiedTime: time.Now(),
	}
	data, err := r.EncodeAnnounceData()
	if err != nil {
		t.Fatal(err)
	}
	h.Catalog.HandleFileShare(netproto.ActionAnnounce, data, "10.0.0.5", 12345)
}

// TestNewWiresEveryCollaborator exercises Host construction: every
// collaborator (peer table, socket, beacon, catalog, messaging, demux) must
// come back non-nil.
func TestNewWiresEveryCollaborator(t *testing.T) {
	h := newTestHost(t, "alice#aaaa")

	if h.Peers == nil || h.Socket == nil || h.Beacon == nil || h.Catalog == nil || h.Messages == nil || h.Demux == nil {
		t.Fatal("expected every collaborator to be constructed")
	}
	if h.Rendez != nil {
		t.Error("expected nil rendezvous client when Rendezvous.URL is empty")
	}
}

// TestPeerDepartureTriggersCatalogPurge exercises the same contract as S5
// (owner departure): when the last axis for a username goes false, the
// peer table's departure hook must purge that owner's resources from the
// catalog, without either mutex ever being held by the other package.
func TestPeerDepartureTriggersCatalogPurge(t *testing.T) {
	h := newTestHost(t, "bob#bbbb")

	now := time.Now()
	h.Peers.UpsertBroadcast("alice#aaaa", "10.0.0.5", 12345, now)

	pushOwnedResource(t, h, "alice#aaaa")
	if h.Catalog.ReceivedCount() != 1 {
		t.Fatalf("expected 1 received resource before departure, got %d", h.Catalog.ReceivedCount())
	}

	h.Peers.MarkBroadcastGone("alice#aaaa")

	if h.Catalog.ReceivedCount() != 0 {
		t.Errorf("expected catalog purged after owner departure, got %d remaining", h.Catalog.ReceivedCount())
	}
}

// TestRunStopsCleanlyOnCancel starts every background task via Run and
// verifies the ordered shutdown completes (no goroutine leak, no hang)
// once the run context is cancelled.
func TestRunStopsCleanlyOnCancel(t *testing.T) {
	h := newTestHost(t, "carl#cccc")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.Run(runCtx) }()

	time.Sleep(50 * time.Millisecond)
	runCancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error from Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after cancellation")
	}
}

// TestDiscoveryConvergence mirrors S1: a datagram carrying hostB's presence
// beacon, delivered to hostA's socket, leaves hostA's peer table with a
// broadcast-only row for hostB. Delivery is driven directly over the real
// loopback sockets (SendTo to a known port) rather than through
// SO_BROADCAST, since kernel broadcast delivery to 127.0.0.1 is not
// portable behavior to depend on in a test environment; the demultiplexer
// code path exercised is identical either way.
func TestDiscoveryConvergence(t *testing.T) {
	hostA := newTestHost(t, "alice#aaaa")
	hostB := newTestHost(t, "bob#bbbb")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hostA.Demux.Run(ctx)

	pkt := netproto.NewAnnouncement("bob#bbbb", time.Now())
	data, err := pkt.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := hostB.Socket.SendTo(data, "127.0.0.1", hostA.Socket.Port()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		p := hostA.Peers.Get("bob#bbbb", time.Now())
		if p != nil && p.BroadcastPeer && !p.RegistryPeer {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for hostA to observe bob via broadcast axis")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestShareToAllDeliversToReceiver covers the delivery half of S3: sharing
// a resource with shared_to_all leaves a receiving host's catalog holding it once the
// announcement arrives over a real loopback socket exercising the whole
// demultiplexer -> catalog path. The announcement is delivered with a
// targeted send rather than the specification's broadcast, for the same
// portability reason given on TestDiscoveryConvergence: SO_BROADCAST
// delivery to 127.0.0.1 is not something to depend on in a test sandbox,
// and the wire format and dispatch code exercised past the socket boundary
// is identical either way.
func TestShareToAllDeliversToReceiver(t *testing.T) {
	hostA := newTestHost(t, "alice#aaaa")
	hostB := newTestHost(t, "bob#bbbb")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hostB.Demux.Run(ctx)

	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := hostA.Catalog.Share(file, true)
	if err != nil {
		t.Fatal(err)
	}

	announceData, err := r.EncodeAnnounceData()
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := netproto.EncodeFileShare(netproto.ActionAnnounce, announceData)
	if err != nil {
		t.Fatal(err)
	}
	if err := hostA.Socket.SendTo(pkt, "127.0.0.1", hostB.Socket.Port()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		if hostB.Catalog.ReceivedCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob to receive the shared resource")
		case <-time.After(5 * time.Millisecond):
		}
	}

	received := hostB.Catalog.Received()
	if received[0].ResourceID != r.ResourceID {
		t.Errorf("unexpected resource_id %q", received[0].ResourceID)
	}
}

// TestRevocationRemovesReceivedResource mirrors S4: once a host has
// received a resource, a remove_access update targeted at it purges that
// resource from its received catalog.
func TestRevocationRemovesReceivedResource(t *testing.T) {
	hostA := newTestHost(t, "alice#aaaa")
	hostB := newTestHost(t, "bob#bbbb")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hostB.Demux.Run(ctx)

	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	os.WriteFile(file, []byte("hi"), 0o644)

	r, err := hostA.Catalog.Share(file, false)
	if err != nil {
		t.Fatal(err)
	}
	if !hostA.Catalog.UpdateAccess(r.ResourceID, "bob#bbbb", true) {
		t.Fatal("expected grant to succeed")
	}

	owned := hostA.Catalog.Owned()
	if len(owned) != 1 {
		t.Fatalf("expected 1 owned resource, got %d", len(owned))
	}
	announceData, err := owned[0].EncodeAnnounceData()
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := netproto.EncodeFileShare(netproto.ActionAnnounce, announceData)
	if err != nil {
		t.Fatal(err)
	}
	if err := hostA.Socket.SendTo(pkt, "127.0.0.1", hostB.Socket.Port()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for hostB.Catalog.ReceivedCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob's initial receipt")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// b must be addressable from a's peer table for the revoke's targeted
	// remove_access send to go anywhere (§4.F.2).
	hostA.Peers.UpsertBroadcast("bob#bbbb", "127.0.0.1", hostB.Socket.Port(), time.Now())
	if !hostA.Catalog.UpdateAccess(r.ResourceID, "bob#bbbb", false) {
		t.Fatal("expected revoke to succeed")
	}

	deadline = time.After(time.Second)
	for hostB.Catalog.ReceivedCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob's resource to be purged")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
