package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lanshare/lanshared/internal/netproto"
	"github.com/lanshare/lanshared/internal/transfer"
)

// ErrPathNotFound is returned by Share when the given path does not exist
// on the local filesystem (§7: path errors return a null resource, not a
// raised exception — the Go idiom for that is a sentinel error and a nil
// resource).
var ErrPathNotFound = errors.New("catalog: path not found")

// Sender is the outbound face the catalog needs from the shared UDP
// socket: broadcast for announcements, targeted send for access updates
// and newcomer pushes. Satisfied by *discovery.Socket.
type Sender interface {
	SendBroadcast(data []byte) error
	SendTo(data []byte, address string, port int) error
}

// PeerLocator resolves a username to its current (address, port) in the
// peer table, used when targeting an access-update packet at the
// "affected" peer (§4.E update_access).
type PeerLocator interface {
	Address(username string) (address string, port int, ok bool)
}

// Catalog is the Resource Catalog of §4.E: the owned/received
// SharedResource sets, the ACL/persistence/download bookkeeping, and the
// outbound half of the Announcement Protocol (§4.F). A second mutex
// guards it independently of the Peer Table, per §5's discipline that the
// two never share a lock and that the catalog mutex is never held across
// network or filesystem I/O.
type Catalog struct {
	mu sync.Mutex

	username     string
	workspaceDir string
	localPort    int

	owned      map[string]*SharedResource
	received   map[string]*SharedResource
	downloaded map[string]bool

	sender     Sender
	peers      PeerLocator
	requester  transfer.Requester
	credential CredentialStore
	logger     *slog.Logger

	onAnnouncementSent func(action string)
}

// NewCatalog builds an empty Catalog for username, persisting under
// workspaceDir/username/.shared_resources.json (§6).
func NewCatalog(username, workspaceDir string, localPort int, sender Sender, peers PeerLocator, requester transfer.Requester, logger *slog.Logger) *Catalog {
	return &Catalog{
		username:           username,
		workspaceDir:       workspaceDir,
		localPort:          localPort,
		owned:              make(map[string]*SharedResource),
		received:           make(map[string]*SharedResource),
		downloaded:         make(map[string]bool),
		sender:             sender,
		peers:              peers,
		requester:          requester,
		logger:             logger,
		onAnnouncementSent: func(string) {},
	}
}

// OnAnnouncementSent registers a callback invoked after every outbound
// file_share packet, for metrics instrumentation.
func (c *Catalog) OnAnnouncementSent(fn func(action string)) {
	c.onAnnouncementSent = fn
}

// userDir returns the per-user subdirectory of the workspace root.
func (c *Catalog) userDir() string {
	return filepath.Join(c.workspaceDir, c.username)
}

// catalogPath returns the path to this host's persisted catalog file.
func (c *Catalog) catalogPath() string {
	return filepath.Join(c.userDir(), ".shared_resources.json")
}

// catalogFile is the on-disk shape of the persisted catalog (§4.E
// Persistence): one JSON object with shared/received/downloaded lists.
type catalogFile struct {
	Shared     []*wireResource `json:"shared"`
	Received   []*wireResource `json:"received"`
	Downloaded []string        `json:"downloaded"`
}

// Load reads the catalog file if present, tolerating a missing file and
// logging (but not failing on) a corrupt one — §4.E: "reads tolerate
// missing files; deserialization failures log and continue with empty
// state."
func (c *Catalog) Load() error {
	data, err := os.ReadFile(c.catalogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		c.logger.Warn("failed to read catalog file", slog.Any("error", err))
		return nil
	}

	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("failed to decode catalog file, starting empty", slog.Any("error", err))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range f.Shared {
		r, err := resourceFromWire(w)
		if err != nil {
			c.logger.Warn("failed to decode owned resource", slog.Any("error", err))
			continue
		}
		c.owned[r.ResourceID] = r
	}
	for _, w := range f.Received {
		r, err := resourceFromWire(w)
		if err != nil {
			c.logger.Warn("failed to decode received resource", slog.Any("error", err))
			continue
		}
		c.received[r.ResourceID] = r
	}
	for _, id := range f.Downloaded {
		c.downloaded[id] = true
	}
	return nil
}

// persistLocked rewrites the catalog file. Must be called with c.mu held.
// Persistence errors are logged, never fatal (§7): in-memory state stays
// authoritative and the next mutation retries the write.
func (c *Catalog) persistLocked() {
	f := catalogFile{
		Shared:     make([]*wireResource, 0, len(c.owned)),
		Received:   make([]*wireResource, 0, len(c.received)),
		Downloaded: make([]string, 0, len(c.downloaded)),
	}
	for _, r := range c.owned {
		f.Shared = append(f.Shared, r.toWire())
	}
	for _, r := range c.received {
		f.Received = append(f.Received, r.toWire())
	}
	for id := range c.downloaded {
		f.Downloaded = append(f.Downloaded, id)
	}

	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		c.logger.Warn("failed to encode catalog file", slog.Any("error", err))
		return
	}

	if err := os.MkdirAll(c.userDir(), 0o755); err != nil {
		c.logger.Warn("failed to create workspace dir", slog.Any("error", err))
		return
	}

	if err := atomicWriteFile(c.catalogPath(), data); err != nil {
		c.logger.Warn("failed to persist catalog file", slog.Any("error", err))
	}
}

// atomicWriteFile writes data to path by writing a temp file in the same
// directory and renaming over the target, the only way to get true
// atomicity from the underlying filesystem (no ecosystem atomic-file-write
// package appears as a direct dependency anywhere in the retrieved pack).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".catalog-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// OwnedCount and ReceivedCount report current catalog sizes for metrics.
func (c *Catalog) OwnedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owned)
}

func (c *Catalog) ReceivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// Owned returns a snapshot copy of every owned resource.
func (c *Catalog) Owned() []*SharedResource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SharedResource, 0, len(c.owned))
	for _, r := range c.owned {
		out = append(out, r.Clone())
	}
	return out
}

// Received returns a snapshot copy of every received resource.
func (c *Catalog) Received() []*SharedResource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SharedResource, 0, len(c.received))
	for _, r := range c.received {
		out = append(out, r.Clone())
	}
	return out
}

// Share materializes path into the per-user share root and registers it as
// an owned resource (§4.E share). Idempotent on the absolute path: calling
// it twice with the same path returns the existing record.
func (c *Catalog) Share(path string, shareToAll bool) (*SharedResource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrPathNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPathNotFound, abs, err)
	}

	c.mu.Lock()
	for _, r := range c.owned {
		if r.Path == abs {
			existing := r.Clone()
			c.mu.Unlock()
			return existing, nil
		}
	}

	now := time.Now()
	cred, credErr := c.credential.Generate()
	if credErr != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("catalog: generate credential: %w", credErr)
	}

	baseName := filepath.Base(abs)
	id := newResourceID(c.username, baseName, now)
	for attempt := 1; c.owned[id] != nil; attempt++ {
		id = disambiguate(newResourceID(c.username, baseName, now), attempt)
	}

	r := &SharedResource{
		ResourceID:   id,
		Owner:        c.username,
		Path:         abs,
		IsDirectory:  info.IsDir(),
		AllowedUsers: make(map[string]bool),
		SharedToAll:  shareToAll,
		Timestamp:    now,
		ModifiedTime: info.ModTime(),
		FTPPassword:  cred,
	}
	c.owned[id] = r
	c.persistLocked()
	out := r.Clone()
	c.mu.Unlock()

	if err := c.materialize(out); err != nil {
		c.logger.Warn("failed to materialize shared resource", slog.Any("error", err))
	}

	c.broadcastAnnounce(out)
	return out, nil
}

// materialize copies (or symlinks, for a single file) the shared path into
// the per-user share root so the out-of-scope bulk-transfer collaborator
// has something to serve from a stable location (§4.E step 4).
func (c *Catalog) materialize(r *SharedResource) error {
	dest := filepath.Join(c.userDir(), "share", r.ResourceID, filepath.Base(r.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create share dir: %w", err)
	}

	if r.IsDirectory {
		return copyDir(r.Path, dest)
	}

	os.Remove(dest)
	if err := os.Symlink(r.Path, dest); err == nil {
		return nil
	}
	return copyFile(r.Path, dest)
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write materialized file: %w", err)
	}
	return nil
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("compute relative path: %w", err)
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// UpdateAccess edits the ACL of an owned resource, owner only (§4.E
// update_access). Returns false on any ACL violation or unknown resource,
// never an error — §7: "ACL violations ... the operation returns a
// boolean false; no exception escapes."
func (c *Catalog) UpdateAccess(resourceID, username string, add bool) bool {
	c.mu.Lock()
	r, ok := c.owned[resourceID]
	if !ok {
		c.mu.Unlock()
		return false
	}

	if add {
		r.AddUser(username)
	} else {
		r.RemoveUser(username)
	}
	c.persistLocked()
	out := r.Clone()
	c.mu.Unlock()

	c.sendTargetedAccessUpdate(out.ResourceID, username, add)
	if add {
		c.broadcastAnnounce(out)
	}
	return true
}

// SetShareToAll edits the shared_to_all flag of an owned resource, owner
// only (§4.E set_share_to_all).
func (c *Catalog) SetShareToAll(resourceID string, value bool) bool {
	c.mu.Lock()
	r, ok := c.owned[resourceID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	r.SharedToAll = value
	c.persistLocked()
	out := r.Clone()
	c.mu.Unlock()

	c.broadcastAnnounce(out)
	return true
}

// broadcastAnnounce sends a full file_share/announce packet for r to the
// broadcast address (§4.F.1). Never holds c.mu while sending.
func (c *Catalog) broadcastAnnounce(r *SharedResource) {
	data, err := r.EncodeAnnounceData()
	if err != nil {
		c.logger.Warn("failed to encode announcement", slog.Any("error", err))
		return
	}
	pkt, err := netproto.EncodeFileShare(netproto.ActionAnnounce, json.RawMessage(data))
	if err != nil {
		c.logger.Warn("failed to encode file_share packet", slog.Any("error", err))
		return
	}
	if err := c.sender.SendBroadcast(pkt); err != nil {
		c.logger.Warn("failed to broadcast announcement", slog.Any("error", err))
		return
	}
	c.onAnnouncementSent(string(netproto.ActionAnnounce))
}

// sendTargetedAccessUpdate sends an add_access/remove_access packet
// directly to the affected peer, dropping it silently if the peer is not
// currently in the table (§4.F.2).
func (c *Catalog) sendTargetedAccessUpdate(resourceID, username string, add bool) {
	addr, port, ok := c.peers.Address(username)
	if !ok {
		return
	}
	action := netproto.ActionRemoveAccess
	if add {
		action = netproto.ActionAddAccess
	}
	update := &netproto.AccessUpdate{ResourceID: resourceID, Username: username}
	pkt, err := netproto.EncodeFileShare(action, update)
	if err != nil {
		c.logger.Warn("failed to encode access update", slog.Any("error", err))
		return
	}
	if err := c.sender.SendTo(pkt, addr, port); err != nil {
		c.logger.Warn("failed to send access update", slog.Any("error", err))
		return
	}
	c.onAnnouncementSent(string(action))
}

// PushToNewcomer sends a full announcement for every owned resource the
// newly-seen peer can access, directly to its (address, port) (§4.F.3).
// Satisfies discovery.NewcomerHandler.
func (c *Catalog) PushToNewcomer(username, address string, port int) {
	for _, r := range c.Owned() {
		if !r.CanAccess(username) {
			continue
		}
		data, err := r.EncodeAnnounceData()
		if err != nil {
			c.logger.Warn("failed to encode newcomer announcement", slog.Any("error", err))
			continue
		}
		pkt, err := netproto.EncodeFileShare(netproto.ActionAnnounce, json.RawMessage(data))
		if err != nil {
			c.logger.Warn("failed to encode newcomer packet", slog.Any("error", err))
			continue
		}
		if err := c.sender.SendTo(pkt, address, port); err != nil {
			c.logger.Warn("failed to push to newcomer", slog.Any("error", err))
			continue
		}
		c.onAnnouncementSent(string(netproto.ActionAnnounce))
	}
}

// HandleFileShare dispatches an inbound file_share packet by action.
// Satisfies discovery.CatalogHandler.
func (c *Catalog) HandleFileShare(action netproto.FileShareAction, data []byte, fromAddress string, fromPort int) {
	switch action {
	case netproto.ActionAnnounce:
		c.handleAnnounce(data, fromAddress, fromPort)
	case netproto.ActionAddAccess:
		c.handleAccessUpdate(data, true)
	case netproto.ActionRemoveAccess:
		c.handleAccessUpdate(data, false)
	default:
		c.logger.Debug("dropping unknown file_share action", slog.String("action", string(action)))
	}
}

// handleAnnounce implements the inbound-announce rules of §4.E.
func (c *Catalog) handleAnnounce(data []byte, fromAddress string, fromPort int) {
	incoming, err := DecodeAnnounceData(data)
	if err != nil {
		c.logger.Debug("dropping malformed announce", slog.Any("error", err))
		return
	}

	if incoming.Owner == c.username {
		return
	}

	c.mu.Lock()
	local, exists := c.received[incoming.ResourceID]

	var (
		needPurge      bool
		needDownload   bool
		purgedResource *SharedResource
	)

	switch {
	case exists:
		if !incoming.CanAccess(c.username) {
			purgedResource = local
			delete(c.received, incoming.ResourceID)
			delete(c.downloaded, incoming.ResourceID)
			needPurge = true
		} else if incoming.ModifiedTime.After(local.ModifiedTime) {
			c.received[incoming.ResourceID] = incoming
			delete(c.downloaded, incoming.ResourceID)
			needDownload = true
		}
	case incoming.CanAccess(c.username):
		c.received[incoming.ResourceID] = incoming
		needDownload = true
	}

	if needPurge || needDownload {
		c.persistLocked()
	}
	c.mu.Unlock()

	if needPurge {
		c.purgeMaterialization(purgedResource)
	}
	if needDownload {
		c.requestDownload(incoming, fromAddress, fromPort)
	}
}

// handleAccessUpdate implements the inbound add_access/remove_access
// mirroring rule of §4.E. Only acted on when this host is the named user.
func (c *Catalog) handleAccessUpdate(data []byte, add bool) {
	var update netproto.AccessUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		c.logger.Debug("dropping malformed access update", slog.Any("error", err))
		return
	}
	if update.Username != c.username {
		return
	}

	c.mu.Lock()
	r, ok := c.received[update.ResourceID]
	if !ok {
		c.mu.Unlock()
		return
	}

	if add {
		r.AddUser(c.username)
		c.persistLocked()
		out := r.Clone()
		c.mu.Unlock()
		c.requestDownload(out, "", 0)
		return
	}

	var purged *SharedResource
	r.RemoveUser(c.username)
	if !r.SharedToAll {
		purged = r
		delete(c.received, update.ResourceID)
		delete(c.downloaded, update.ResourceID)
	}
	c.persistLocked()
	c.mu.Unlock()

	if purged != nil {
		c.purgeMaterialization(purged)
	}
}

// PurgeOwner removes every received resource owned by username and
// deletes its local materialization. Registered as the Peer Table's
// departure hook (§4.A) and invoked unconditionally by the rendezvous
// client's refresh loop on registry-axis loss (§4.C step 4).
func (c *Catalog) PurgeOwner(username string) {
	c.mu.Lock()
	var purged []*SharedResource
	for id, r := range c.received {
		if r.Owner == username {
			purged = append(purged, r)
			delete(c.received, id)
			delete(c.downloaded, id)
		}
	}
	if len(purged) > 0 {
		c.persistLocked()
	}
	c.mu.Unlock()

	for _, r := range purged {
		c.purgeMaterialization(r)
	}
}

// purgeMaterialization removes the local copy of a received resource this
// host is no longer entitled to.
func (c *Catalog) purgeMaterialization(r *SharedResource) {
	if r == nil {
		return
	}
	dest := filepath.Join(c.userDir(), "share", r.ResourceID)
	if err := os.RemoveAll(dest); err != nil {
		c.logger.Warn("failed to remove local materialization", slog.Any("error", err))
	}
}

// requestDownload queues a bulk-download request with the external
// transfer collaborator. Spawned ad-hoc (§5, task 6) so a slow transfer
// never serializes behind the demultiplexer's inbound-announcement
// processing.
func (c *Catalog) requestDownload(r *SharedResource, sourceAddress string, sourcePort int) {
	if c.requester == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.requester.RequestDownload(ctx, r.ResourceID, r.Owner, sourceAddress, sourcePort); err != nil {
			c.logger.Warn("bulk transfer request failed",
				slog.String("resource_id", r.ResourceID), slog.Any("error", err))
			return
		}
		c.markDownloaded(r.ResourceID)
	}()
}

func (c *Catalog) markDownloaded(resourceID string) {
	c.mu.Lock()
	c.downloaded[resourceID] = true
	c.persistLocked()
	c.mu.Unlock()
}

// SyncOwned is the periodic mtime scan of §4.E: for every owned resource
// whose original path still exists, compare mtime and re-broadcast on
// change. Run by the daemon's sync-interval task (default 5s, §5 task 5).
func (c *Catalog) SyncOwned() {
	for _, r := range c.Owned() {
		info, err := os.Stat(r.Path)
		if err != nil {
			continue
		}
		if !info.ModTime().After(r.ModifiedTime) {
			continue
		}

		c.mu.Lock()
		owned, ok := c.owned[r.ResourceID]
		if !ok {
			c.mu.Unlock()
			continue
		}
		owned.ModifiedTime = info.ModTime()
		c.persistLocked()
		out := owned.Clone()
		c.mu.Unlock()

		if err := c.materialize(out); err != nil {
			c.logger.Warn("failed to refresh materialized resource", slog.Any("error", err))
		}
		c.broadcastAnnounce(out)
	}
}
