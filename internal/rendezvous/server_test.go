package rendezvous

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(staleAfter time.Duration) (*Server, *httptest.Server) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", StaleAfter: staleAfter}, nil, discardLogger())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	return srv, ts
}

func postJSON(t *testing.T, url, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServerRegisterThenPeersListsEntry(t *testing.T) {
	_, ts := newTestServer(time.Minute)
	defer ts.Close()

	resp := postJSON(t, ts.URL, "/register", registerRequest{Username: "alice#aaaa", Address: "10.0.0.5", Port: 12345})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL, "/register", registerRequest{Username: "bob#bbbb", Address: "10.0.0.6", Port: 23456})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	peersResp, err := http.Get(ts.URL + "/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer peersResp.Body.Close()

	var peers []registeredPeer
	if err := json.NewDecoder(peersResp.Body).Decode(&peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
}

func TestServerUnregisterRemovesEntry(t *testing.T) {
	_, ts := newTestServer(time.Minute)
	defer ts.Close()

	postJSON(t, ts.URL, "/register", registerRequest{Username: "alice#aaaa", Address: "10.0.0.5", Port: 12345})
	resp := postJSON(t, ts.URL, "/unregister", usernameRequest{Username: "alice#aaaa"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	peersResp, _ := http.Get(ts.URL + "/peers")
	defer peersResp.Body.Close()
	var peers []registeredPeer
	json.NewDecoder(peersResp.Body).Decode(&peers)
	if len(peers) != 0 {
		t.Errorf("expected no peers after unregister, got %d", len(peers))
	}
}

// TestServerHeartbeatUnknownUserRegisters verifies that a heartbeat for a
// username with no registry entry (e.g. one dropped by stale eviction)
// succeeds and leaves the username present on the next /peers read, rather
// than requiring a fresh /register call.
func TestServerHeartbeatUnknownUserRegisters(t *testing.T) {
	_, ts := newTestServer(time.Minute)
	defer ts.Close()

	resp := postJSON(t, ts.URL, "/heartbeat", usernameRequest{Username: "ghost#0000"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for heartbeat of unknown user, got %d", resp.StatusCode)
	}

	peersResp, _ := http.Get(ts.URL + "/peers")
	defer peersResp.Body.Close()
	var peers []registeredPeer
	json.NewDecoder(peersResp.Body).Decode(&peers)
	if len(peers) != 1 || peers[0].Username != "ghost#0000" {
		t.Errorf("expected ghost#0000 present after heartbeat, got %v", peers)
	}
}

func TestServerPeersEvictsStaleEntries(t *testing.T) {
	srv, ts := newTestServer(10 * time.Millisecond)
	defer ts.Close()

	srv.mu.Lock()
	srv.entries["ghost#0000"] = registryEntry{Address: "10.0.0.9", Port: 1, LastSeen: time.Now().Add(-time.Hour)}
	srv.mu.Unlock()

	peersResp, _ := http.Get(ts.URL + "/peers")
	defer peersResp.Body.Close()
	var peers []registeredPeer
	json.NewDecoder(peersResp.Body).Decode(&peers)
	if len(peers) != 0 {
		t.Errorf("expected stale entry evicted, got %d peers", len(peers))
	}
}

func TestServerHealthz(t *testing.T) {
	_, ts := newTestServer(time.Minute)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /healthz, got %d", resp.StatusCode)
	}
}
