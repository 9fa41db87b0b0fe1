// Package messaging implements the Message Channel (§4.G): direct
// point-to-point messages with stable pairwise conversation ids, kept only
// in memory, sent and received over the single shared UDP socket.
package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanshare/lanshared/internal/netproto"
)

// ConversationIDLength is the number of hex digits kept from the
// fingerprint (§3: "the first 5 hex digits").
const ConversationIDLength = 5

// ConversationID computes the deterministic, dependency-free fingerprint
// of an unordered pair of usernames: the first 5 hex digits of SHA-256 of
// "min:max" where min/max are the lexicographically sorted pair (§3, §8
// S6). Using the standard library's hash here is the grounded choice: the
// specification itself requires "stable, dependency-free" — no keying, no
// third-party hash package is appropriate for a value that every host must
// derive identically without coordination.
func ConversationID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + ":" + pair[1]))
	return hex.EncodeToString(sum[:])[:ConversationIDLength]
}

// Message is a direct point-to-point message (§3 Message).
type Message struct {
	ID             string    `json:"id"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	ReplyTo        string    `json:"reply_to,omitempty"`
}

// Sender is the outbound face the channel needs from the shared UDP
// socket. Satisfied by *discovery.Socket.
type Sender interface {
	SendTo(data []byte, address string, port int) error
}

// Channel is the Message Channel of §4.G: builds and sends direct
// messages, keeps per-host in-memory history, and accepts inbound
// datagrams from the packet demultiplexer. There are no delivery or
// ordering guarantees and nothing is persisted (§4.G, Non-goals §1).
type Channel struct {
	mu       sync.Mutex
	username string
	sender   Sender
	logger   *slog.Logger
	messages []*Message
}

// NewChannel builds a Channel for username.
func NewChannel(username string, sender Sender, logger *slog.Logger) *Channel {
	return &Channel{username: username, sender: sender, logger: logger}
}

// Send builds a Message from sender to recipient and transmits it directly
// to (address, port). The message is also appended to the local list at
// send time (§G.2: locally originated messages are recorded on both send
// and receive, generalizing the teacher's append-on-both-paths chat
// history behavior from its TCP room transport to this point-to-point UDP
// one), so a user always has a record of what they sent even though
// nothing is persisted to disk.
func (c *Channel) Send(recipient, title, content, replyTo, address string, port int) (*Message, error) {
	msg := &Message{
		ID:             uuid.NewString(),
		Sender:         c.username,
		Recipient:      recipient,
		Title:          title,
		Content:        content,
		Timestamp:      time.Now(),
		ConversationID: ConversationID(c.username, recipient),
		ReplyTo:        replyTo,
	}

	data, err := netproto.EncodeMessageEnvelope(msg)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode message: %w", err)
	}
	if err := c.sender.SendTo(data, address, port); err != nil {
		return nil, fmt.Errorf("messaging: send message: %w", err)
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	return msg, nil
}

// HandleInbound decodes an inbound message datagram body and appends it to
// the local list if this host is the recipient; otherwise it is ignored
// (§4.G). Satisfies discovery.MessageHandler.
func (c *Channel) HandleInbound(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("dropping malformed message", slog.Any("error", err))
		return
	}
	if msg.Recipient != c.username {
		return
	}

	// Timestamp is rewritten to arrival time, per §4.G.
	msg.Timestamp = time.Now()

	c.mu.Lock()
	c.messages = append(c.messages, &msg)
	c.mu.Unlock()
}

// Messages returns a snapshot copy of every message sent or received by
// this host, in the order they were appended.
func (c *Channel) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Conversation returns every message, sent or received, belonging to the
// conversation between this host and peer.
func (c *Channel) Conversation(peer string) []*Message {
	id := ConversationID(c.username, peer)
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Message
	for _, m := range c.messages {
		if m.ConversationID == id {
			out = append(out, m)
		}
	}
	return out
}
