package discovery

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/lanshare/lanshared/internal/netproto"
	"github.com/lanshare/lanshared/internal/peerstate"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCatalog struct {
	calls chan string
}

func (f *fakeCatalog) HandleFileShare(action netproto.FileShareAction, data []byte, fromAddress string, fromPort int) {
	f.calls <- string(action)
}

type fakeMessages struct {
	calls chan []byte
}

func (f *fakeMessages) HandleInbound(data []byte) {
	f.calls <- data
}

type fakeNewcomer struct {
	pushed chan string
}

func (f *fakeNewcomer) PushToNewcomer(username, address string, port int) {
	f.pushed <- username
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLoopbackSocket(t *testing.T) *Socket {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return &Socket{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}
}

func TestDemultiplexerDispatchesAnnouncementAndFiresNewcomerHook(t *testing.T) {
	serverSock := newLoopbackSocket(t)
	defer serverSock.Close()
	clientSock := newLoopbackSocket(t)
	defer clientSock.Close()

	peers := peerstate.NewTable(2*time.Second, nil)
	newcomer := &fakeNewcomer{pushed: make(chan string, 1)}
	demux := NewDemultiplexer(serverSock, peers, nil, nil, newcomer, "server#0000", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx)

	pkt := netproto.NewAnnouncement("client#1111", time.Now())
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := clientSock.SendTo(data, "127.0.0.1", serverSock.Port()); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case username := <-newcomer.pushed:
		if username != "client#1111" {
			t.Errorf("expected client#1111, got %q", username)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for newcomer push")
	}

	snap := peers.Snapshot(time.Now())
	if _, ok := snap["client#1111"]; !ok {
		t.Errorf("expected client#1111 in peer table")
	}
}

func TestDemultiplexerIgnoresSelfOriginatedAnnouncement(t *testing.T) {
	serverSock := newLoopbackSocket(t)
	defer serverSock.Close()
	clientSock := newLoopbackSocket(t)
	defer clientSock.Close()

	peers := peerstate.NewTable(2*time.Second, nil)
	demux := NewDemultiplexer(serverSock, peers, nil, nil, nil, "me#0000", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx)

	pkt := netproto.NewAnnouncement("me#0000", time.Now())
	data, _ := pkt.Encode()
	if err := clientSock.SendTo(data, "127.0.0.1", serverSock.Port()); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if len(peers.Snapshot(time.Now())) != 0 {
		t.Errorf("expected self-announcement to be ignored")
	}
}

func TestDemultiplexerRoutesFileShareAndMessagePackets(t *testing.T) {
	serverSock := newLoopbackSocket(t)
	defer serverSock.Close()
	clientSock := newLoopbackSocket(t)
	defer clientSock.Close()

	peers := peerstate.NewTable(2*time.Second, nil)
	catalog := &fakeCatalog{calls: make(chan string, 1)}
	messages := &fakeMessages{calls: make(chan []byte, 1)}
	demux := NewDemultiplexer(serverSock, peers, catalog, messages, nil, "me#0000", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx)

	fsData, err := netproto.EncodeFileShare(netproto.ActionAnnounce, map[string]string{"owner": "alice"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := clientSock.SendTo(fsData, "127.0.0.1", serverSock.Port()); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case action := <-catalog.calls:
		if action != string(netproto.ActionAnnounce) {
			t.Errorf("expected announce, got %s", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for catalog dispatch")
	}

	msgData, err := netproto.EncodeMessageEnvelope(map[string]string{"sender": "alice", "recipient": "me#0000"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := clientSock.SendTo(msgData, "127.0.0.1", serverSock.Port()); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-messages.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message dispatch")
	}
}
