// Package catalog implements the Resource Catalog (§4.E) and Announcement
// Protocol (§4.F): the owned/received SharedResource sets, their ACLs, and
// the broadcast/targeted packets that keep them synchronized across peers.
package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SharedResource is a file or directory a peer has offered to share,
// addressed by ResourceID (§3).
type SharedResource struct {
	ResourceID   string          `json:"resource_id"`
	Owner        string          `json:"owner"`
	Path         string          `json:"path"`
	IsDirectory  bool            `json:"is_directory"`
	AllowedUsers map[string]bool `json:"allowed_users"`
	SharedToAll  bool            `json:"shared_to_all"`
	Timestamp    time.Time       `json:"timestamp"`
	ModifiedTime time.Time       `json:"modified_time"`
	FTPPassword  string          `json:"ftp_password"`
}

// wireResource is the JSON-on-the-wire shape for a file_share announce
// packet's data field: modified_time as unix seconds, timestamp as
// ISO8601, allowed_users as a list rather than a map (§6).
type wireResource struct {
	ResourceID   string   `json:"resource_id"`
	Owner        string   `json:"owner"`
	Path         string   `json:"path"`
	IsDirectory  bool     `json:"is_directory"`
	AllowedUsers []string `json:"allowed_users"`
	SharedToAll  bool     `json:"shared_to_all"`
	Timestamp    string   `json:"timestamp"`
	ModifiedTime int64    `json:"modified_time"`
	FTPPassword  string   `json:"ftp_password"`
}

// newResourceID builds an opaque id unique for the owner, composed from
// the owner, a coarse creation timestamp, and the base filename (§3).
func newResourceID(owner, baseName string, now time.Time) string {
	return fmt.Sprintf("%s#%d#%s", owner, now.Unix(), baseName)
}

// CanAccess implements the can_access(username) predicate of §4.E: the
// owner, any user on the explicit ACL, or everyone when SharedToAll.
func (r *SharedResource) CanAccess(username string) bool {
	return r.Owner == username || r.AllowedUsers[username] || r.SharedToAll
}

// AddUser adds username to the ACL.
func (r *SharedResource) AddUser(username string) {
	if r.AllowedUsers == nil {
		r.AllowedUsers = make(map[string]bool)
	}
	r.AllowedUsers[username] = true
}

// RemoveUser removes username from the ACL.
func (r *SharedResource) RemoveUser(username string) {
	delete(r.AllowedUsers, username)
}

// Clone returns an independent copy, including a fresh ACL map, safe to
// hand outside the catalog mutex.
func (r *SharedResource) Clone() *SharedResource {
	cp := *r
	cp.AllowedUsers = make(map[string]bool, len(r.AllowedUsers))
	for u := range r.AllowedUsers {
		cp.AllowedUsers[u] = true
	}
	return &cp
}

func (r *SharedResource) toWire() *wireResource {
	users := make([]string, 0, len(r.AllowedUsers))
	for u := range r.AllowedUsers {
		users = append(users, u)
	}
	return &wireResource{
		ResourceID:   r.ResourceID,
		Owner:        r.Owner,
		Path:         r.Path,
		IsDirectory:  r.IsDirectory,
		AllowedUsers: users,
		SharedToAll:  r.SharedToAll,
		Timestamp:    r.Timestamp.Format(time.RFC3339),
		ModifiedTime: r.ModifiedTime.Unix(),
		FTPPassword:  r.FTPPassword,
	}
}

func resourceFromWire(w *wireResource) (*SharedResource, error) {
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse resource timestamp: %w", err)
	}
	users := make(map[string]bool, len(w.AllowedUsers))
	for _, u := range w.AllowedUsers {
		users[u] = true
	}
	return &SharedResource{
		ResourceID:   w.ResourceID,
		Owner:        w.Owner,
		Path:         w.Path,
		IsDirectory:  w.IsDirectory,
		AllowedUsers: users,
		SharedToAll:  w.SharedToAll,
		Timestamp:    ts,
		ModifiedTime: time.Unix(w.ModifiedTime, 0).UTC(),
		FTPPassword:  w.FTPPassword,
	}, nil
}

// EncodeAnnounceData serializes r for a file_share/announce packet's data
// field (§6: modified_time as unix seconds, timestamp as ISO8601).
func (r *SharedResource) EncodeAnnounceData() ([]byte, error) {
	return json.Marshal(r.toWire())
}

// DecodeAnnounceData parses the data field of an inbound file_share
// announce packet into a SharedResource.
func DecodeAnnounceData(data []byte) (*SharedResource, error) {
	var w wireResource
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("catalog: decode announce data: %w", err)
	}
	if w.ResourceID == "" || w.Owner == "" {
		return nil, fmt.Errorf("catalog: announce data missing resource_id or owner")
	}
	return resourceFromWire(&w)
}

// CredentialStore generates opaque per-resource credentials handed to the
// out-of-scope bulk-transfer collaborator. The core never interprets the
// token it produces (§4.E.2); it only needs to be unpredictable.
type CredentialStore struct{}

// Generate returns a fresh opaque token.
func (CredentialStore) Generate() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("catalog: generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// disambiguate appends a short uuid suffix to id on retry, so two shares of
// the same basename by the same owner within one coarse timestamp still
// get distinct resource ids.
func disambiguate(id string, attempt int) string {
	if attempt == 0 {
		return id
	}
	return fmt.Sprintf("%s#%s", id, uuid.NewString()[:8])
}
