// Package netproto defines the single-port JSON wire format shared by the
// broadcast discovery loop, the resource catalog, and the message channel.
// Every datagram is one UTF-8 JSON object carrying a top-level "type" tag;
// this package replaces the source's dictionary-driven construction with an
// explicit, type-tagged sum of datagram variants.
package netproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// PacketType is the top-level discriminator carried by every datagram.
type PacketType string

const (
	PacketAnnouncement  PacketType = "announcement"
	PacketDisconnection PacketType = "disconnection"
	PacketMessage       PacketType = "message"
	PacketFileShare     PacketType = "file_share"
)

// FileShareAction is the sub-tag carried by file_share packets.
type FileShareAction string

const (
	ActionAnnounce     FileShareAction = "announce"
	ActionAddAccess    FileShareAction = "add_access"
	ActionRemoveAccess FileShareAction = "remove_access"
)

// MaxDatagramSize is the largest UDP payload over IPv4. The encoders in
// this package do not check it; an oversized datagram fails at the socket
// send.
const MaxDatagramSize = 65507

// envelope is used only to read the top-level type tag before dispatching
// to a concrete decode.
type envelope struct {
	Type PacketType `json:"type"`
}

// PeekType reads the top-level type tag of a raw datagram without
// decoding the rest of it.
func PeekType(data []byte) (PacketType, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("decode packet envelope: %w", err)
	}
	if e.Type == "" {
		return "", fmt.Errorf("packet missing type tag")
	}
	return e.Type, nil
}

// Announcement is the presence beacon emitted by the broadcast discovery
// loop (§4.B) and, for file_share packets, embeds nothing — see
// wireResource in the catalog package for the file_share data shape.
type Announcement struct {
	Type      PacketType `json:"type"`
	Username  string     `json:"username"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewAnnouncement builds a presence beacon for username stamped at now.
func NewAnnouncement(username string, now time.Time) *Announcement {
	return &Announcement{Type: PacketAnnouncement, Username: username, Timestamp: now}
}

func (a *Announcement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode announcement: %w", err)
	}
	if a.Username == "" {
		return nil, fmt.Errorf("announcement missing username")
	}
	return &a, nil
}

// Disconnection is the explicit departure packet a host emits on graceful
// shutdown (§5, step 1).
type Disconnection struct {
	Type      PacketType `json:"type"`
	Username  string     `json:"username"`
	Timestamp time.Time  `json:"timestamp"`
}

func NewDisconnection(username string, now time.Time) *Disconnection {
	return &Disconnection{Type: PacketDisconnection, Username: username, Timestamp: now}
}

func (d *Disconnection) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDisconnection(data []byte) (*Disconnection, error) {
	var d Disconnection
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode disconnection: %w", err)
	}
	if d.Username == "" {
		return nil, fmt.Errorf("disconnection missing username")
	}
	return &d, nil
}

// FileShareEnvelope wraps the three file_share sub-actions. Data is kept
// as raw JSON and decoded by the catalog package, which owns the
// SharedResource and access-update payload shapes — netproto only owns the
// envelope, matching the demultiplexer's job of dispatching on tag alone.
type FileShareEnvelope struct {
	Type   PacketType      `json:"type"`
	Action FileShareAction `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func DecodeFileShare(data []byte) (*FileShareEnvelope, error) {
	var f FileShareEnvelope
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode file_share envelope: %w", err)
	}
	switch f.Action {
	case ActionAnnounce, ActionAddAccess, ActionRemoveAccess:
	default:
		return nil, fmt.Errorf("unknown file_share action %q", f.Action)
	}
	return &f, nil
}

func EncodeFileShare(action FileShareAction, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode file_share data: %w", err)
	}
	return json.Marshal(&FileShareEnvelope{Type: PacketFileShare, Action: action, Data: raw})
}

// MessageEnvelope wraps a message-channel datagram. The message body shape
// itself lives in the messaging package.
type MessageEnvelope struct {
	Type PacketType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

func DecodeMessageEnvelope(data []byte) (*MessageEnvelope, error) {
	var m MessageEnvelope
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}
	return &m, nil
}

func EncodeMessageEnvelope(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode message data: %w", err)
	}
	return json.Marshal(&MessageEnvelope{Type: PacketMessage, Data: raw})
}

// AccessUpdate is the data payload of an add_access/remove_access
// file_share packet.
type AccessUpdate struct {
	ResourceID string `json:"resource_id"`
	Username   string `json:"username"`
}
