package rendezvous

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lanshare/lanshared/internal/peerstate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type recordingPurger struct {
	purged []string
}

func (p *recordingPurger) PurgeOwner(username string) {
	p.purged = append(p.purged, username)
}

type recordingNewcomer struct {
	mu     sync.Mutex
	pushed []string
}

func (n *recordingNewcomer) PushToNewcomer(username, address string, port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushed = append(n.pushed, username)
}

func (n *recordingNewcomer) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushed)
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		RefreshInterval:   10 * time.Millisecond,
		HTTPTimeout:       time.Second,
		DegradedAfter:     3,
	}
}

func TestClientRegisterTransitionsToConnected(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", StaleAfter: time.Minute}, nil, discardLogger())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	peers := peerstate.NewTable(time.Minute, nil)
	client := NewClient("alice#aaaa", "10.0.0.5", 12345, testConfig(), peers, nil, nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Register(ctx, ts.URL) }()

	deadline := time.After(time.Second)
	for client.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connected state")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientRefreshUpsertsRegistryAxis(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", StaleAfter: time.Minute}, nil, discardLogger())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	// Register bob directly against the test server, then let alice's
	// client pick him up via its refresh loop.
	other := NewClient("bob#bbbb", "10.0.0.6", 23456, testConfig(), peerstate.NewTable(time.Minute, nil), nil, nil, nil, discardLogger())
	regCtx, regCancel := context.WithCancel(context.Background())
	defer regCancel()
	go other.Register(regCtx, ts.URL)

	deadline := time.After(time.Second)
	for other.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob to register")
		case <-time.After(5 * time.Millisecond):
		}
	}

	peers := peerstate.NewTable(time.Minute, nil)
	client := NewClient("alice#aaaa", "10.0.0.5", 12345, testConfig(), peers, nil, nil, nil, discardLogger())
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()
	go client.Register(clientCtx, ts.URL)

	deadline = time.After(time.Second)
	for !peers.RegistryAxis("bob#bbbb") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob to appear in registry axis")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestClientRefreshPushesNewcomer mirrors §4.F.3: the first refresh that
// observes a registry peer not previously known must push to it exactly
// once, regardless of how many subsequent refreshes still see it.
func TestClientRefreshPushesNewcomer(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", StaleAfter: time.Minute}, nil, discardLogger())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	srv.mu.Lock()
	srv.entries["bob#bbbb"] = registryEntry{Address: "10.0.0.6", Port: 23456, LastSeen: time.Now()}
	srv.mu.Unlock()

	peers := peerstate.NewTable(time.Minute, nil)
	newcomer := &recordingNewcomer{}
	client := NewClient("alice#aaaa", "10.0.0.5", 12345, testConfig(), peers, nil, newcomer, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Register(ctx, ts.URL)

	deadline := time.After(time.Second)
	for newcomer.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for newcomer push")
		case <-time.After(5 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := newcomer.count(); got != 1 {
		t.Errorf("expected exactly 1 newcomer push for bob#bbbb, got %d", got)
	}
}

func TestClientRefreshPurgesOnRegistryGone(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", StaleAfter: time.Minute}, nil, discardLogger())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	peers := peerstate.NewTable(time.Minute, nil)
	purger := &recordingPurger{}
	cfg := testConfig()
	client := NewClient("alice#aaaa", "10.0.0.5", 12345, cfg, peers, purger, nil, nil, discardLogger())

	srv.mu.Lock()
	srv.entries["bob#bbbb"] = registryEntry{Address: "10.0.0.6", Port: 1, LastSeen: time.Now()}
	srv.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go client.Register(ctx, ts.URL)

	deadline := time.After(time.Second)
	for !peers.RegistryAxis("bob#bbbb") {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for initial registry pickup")
		case <-time.After(5 * time.Millisecond):
		}
	}

	srv.mu.Lock()
	delete(srv.entries, "bob#bbbb")
	srv.mu.Unlock()

	deadline = time.After(time.Second)
	for len(purger.purged) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for purge notification")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if purger.purged[0] != "bob#bbbb" {
		t.Errorf("expected purge for bob#bbbb, got %v", purger.purged)
	}
}

func TestNormalizeURLPrependsScheme(t *testing.T) {
	if got := normalizeURL("registry.lan:9000"); got != "http://registry.lan:9000" {
		t.Errorf("unexpected normalized url: %q", got)
	}
	if got := normalizeURL("http://already.there"); got != "http://already.there" {
		t.Errorf("expected existing scheme preserved, got %q", got)
	}
}
