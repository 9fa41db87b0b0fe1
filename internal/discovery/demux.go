package discovery

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/lanshare/lanshared/internal/netproto"
	"github.com/lanshare/lanshared/internal/peerstate"
)

// CatalogHandler is the Resource Catalog's inbound face, satisfied by
// *catalog.Catalog. Kept as an interface here (rather than an import) so
// the catalog package can depend on discovery.Socket for its own outbound
// sends without creating an import cycle back into this package.
type CatalogHandler interface {
	HandleFileShare(action netproto.FileShareAction, data []byte, fromAddress string, fromPort int)
}

// MessageHandler is the Message Channel's inbound face, satisfied by
// *messaging.Channel.
type MessageHandler interface {
	HandleInbound(data []byte)
}

// NewcomerHandler is notified the first time a username is observed by
// either discovery axis, so it can perform the targeted catalog push
// described in §4.F.3. Satisfied by *catalog.Catalog.
type NewcomerHandler interface {
	PushToNewcomer(username, address string, port int)
}

// Demultiplexer is the single UDP listener described in §4.D: one socket,
// one receive loop, dispatch by top-level type tag.
type Demultiplexer struct {
	socket   *Socket
	peers    *peerstate.Table
	catalog  CatalogHandler
	messages MessageHandler
	newcomer NewcomerHandler
	username string
	logger   *slog.Logger

	onPacket func(packetType string)
	onDrop   func(reason string)
}

// NewDemultiplexer wires the four collaborators named in §4.D.2.
func NewDemultiplexer(socket *Socket, peers *peerstate.Table, catalog CatalogHandler, messages MessageHandler, newcomer NewcomerHandler, username string, logger *slog.Logger) *Demultiplexer {
	return &Demultiplexer{
		socket:   socket,
		peers:    peers,
		catalog:  catalog,
		messages: messages,
		newcomer: newcomer,
		username: username,
		logger:   logger,
		onPacket: func(string) {},
		onDrop:   func(string) {},
	}
}

// OnPacket registers a callback invoked after every successfully
// dispatched packet, for metrics instrumentation.
func (d *Demultiplexer) OnPacket(fn func(packetType string)) {
	d.onPacket = fn
}

// OnDrop registers a callback invoked whenever a datagram is logged and
// discarded, for metrics instrumentation.
func (d *Demultiplexer) OnDrop(fn func(reason string)) {
	d.onDrop = fn
}

// Run blocks, dispatching inbound datagrams, until ctx is cancelled or the
// socket is closed.
func (d *Demultiplexer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, addr, err := d.socket.ReadFrom()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Warn("udp read failed", slog.Any("error", err))
			continue
		}

		d.dispatch(data, addr)
	}
}

func (d *Demultiplexer) dispatch(data []byte, addr *net.UDPAddr) {
	typ, err := netproto.PeekType(data)
	if err != nil {
		d.logger.Debug("dropping malformed datagram", slog.Any("error", err))
		d.onDrop("malformed")
		return
	}

	switch typ {
	case netproto.PacketAnnouncement:
		d.handleAnnouncement(data, addr)
	case netproto.PacketDisconnection:
		d.handleDisconnection(data)
	case netproto.PacketFileShare:
		d.handleFileShare(data, addr)
	case netproto.PacketMessage:
		d.handleMessage(data)
	default:
		d.logger.Debug("dropping unknown packet type", slog.String("type", string(typ)))
		d.onDrop("unknown_type")
		return
	}

	d.onPacket(string(typ))
}

func (d *Demultiplexer) handleAnnouncement(data []byte, addr *net.UDPAddr) {
	pkt, err := netproto.DecodeAnnouncement(data)
	if err != nil {
		d.logger.Debug("dropping malformed announcement", slog.Any("error", err))
		d.onDrop("malformed")
		return
	}

	if pkt.Username == d.username {
		return
	}

	now := time.Now()
	wasKnown := d.peers.Get(pkt.Username, now) != nil

	d.peers.UpsertBroadcast(pkt.Username, addr.IP.String(), d.socket.Port(), now)

	if !wasKnown && d.newcomer != nil {
		d.newcomer.PushToNewcomer(pkt.Username, addr.IP.String(), d.socket.Port())
	}
}

func (d *Demultiplexer) handleDisconnection(data []byte) {
	pkt, err := netproto.DecodeDisconnection(data)
	if err != nil {
		d.logger.Debug("dropping malformed disconnection", slog.Any("error", err))
		d.onDrop("malformed")
		return
	}

	// Rule 2 (§4.A): a disconnection packet deletes the row only when the
	// registry axis is already false — a broadcast-only departure. If the
	// registry axis is still true the row survives; it will be cleaned up
	// by the registry axis path (rule 3) if that also goes false later.
	if !d.peers.RegistryAxis(pkt.Username) {
		d.peers.Remove(pkt.Username)
	}
}

func (d *Demultiplexer) handleFileShare(data []byte, addr *net.UDPAddr) {
	env, err := netproto.DecodeFileShare(data)
	if err != nil {
		d.logger.Debug("dropping malformed file_share packet", slog.Any("error", err))
		d.onDrop("malformed")
		return
	}
	if d.catalog != nil {
		d.catalog.HandleFileShare(env.Action, env.Data, addr.IP.String(), addr.Port)
	}
}

func (d *Demultiplexer) handleMessage(data []byte) {
	env, err := netproto.DecodeMessageEnvelope(data)
	if err != nil {
		d.logger.Debug("dropping malformed message packet", slog.Any("error", err))
		d.onDrop("malformed")
		return
	}
	if d.messages != nil {
		d.messages.HandleInbound(env.Data)
	}
}
