package network

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"synchub/storage"
)

// ClipboardApplier pushes synced text into the local clipboard. The hub runs
// headless in tests, so the applier is optional.
type ClipboardApplier interface {
	Apply(text string) error
}

// ClipboardStore is the persistence surface for clipboard history.
// *storage.Store satisfies it.
type ClipboardStore interface {
	AddClipboardEntry(entry storage.ClipboardEntry) error
	PruneClipboardHistory(retention time.Duration) (int64, error)
}

// ClipboardOptions configures a ClipboardChannel.
type ClipboardOptions struct {
	SelfDeviceID string
	Store        ClipboardStore
	Applier      ClipboardApplier

	SyncEnabled  bool
	RelayEnabled bool
	Retention    time.Duration

	// Peers returns the live connections eligible for fan-out.
	Peers func() []*Conn

	Log zerolog.Logger
}

// ClipboardChannel propagates clipboard snapshots between the hub and its
// peers. Echo suppression keeps a copied value from bouncing between devices:
// a value identical to the last synced one is never re-sent, and an update is
// never relayed back to the device it came from.
type ClipboardChannel struct {
	opts ClipboardOptions
	log  zerolog.Logger

	mu          sync.Mutex
	lastContent string
	lastOrigin  string
}

// NewClipboardChannel creates the channel.
func NewClipboardChannel(opts ClipboardOptions) *ClipboardChannel {
	return &ClipboardChannel{
		opts: opts,
		log:  opts.Log.With().Str("component", "clipboard").Logger(),
	}
}

// HandleUpdate processes a clipboard_update from a peer.
func (c *ClipboardChannel) HandleUpdate(conn *Conn, update ClipboardUpdate) error {
	if !c.opts.SyncEnabled {
		return nil
	}

	origin := update.OriginDeviceID
	if origin == "" {
		origin = conn.PeerDeviceID()
	}

	c.mu.Lock()
	if update.Text == c.lastContent {
		// Echo of a value we already synced; applying or relaying it again
		// would start a loop.
		c.mu.Unlock()
		return nil
	}
	c.lastContent = update.Text
	c.lastOrigin = origin
	c.mu.Unlock()

	c.persist(update.Text, origin, update.Timestamp)

	if c.opts.Applier != nil {
		if err := c.opts.Applier.Apply(update.Text); err != nil {
			c.log.Warn().Err(err).Msg("apply clipboard update failed")
		}
	}

	if c.opts.RelayEnabled {
		c.relay(update, origin)
	}
	return nil
}

// LocalUpdate propagates a change of the hub's own clipboard to all
// connected peers with clipboard sync enabled.
func (c *ClipboardChannel) LocalUpdate(text string) {
	if !c.opts.SyncEnabled {
		return
	}

	c.mu.Lock()
	if text == c.lastContent {
		c.mu.Unlock()
		return
	}
	c.lastContent = text
	c.lastOrigin = c.opts.SelfDeviceID
	c.mu.Unlock()

	timestamp := time.Now().UnixMilli()
	c.persist(text, c.opts.SelfDeviceID, timestamp)

	update := ClipboardUpdate{
		Type:           TypeClipboardUpdate,
		Text:           text,
		Timestamp:      timestamp,
		OriginDeviceID: c.opts.SelfDeviceID,
	}
	c.relay(update, c.opts.SelfDeviceID)
}

// LastContent returns the most recently synced value and its origin device.
func (c *ClipboardChannel) LastContent() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastContent, c.lastOrigin
}

// Prune drops history entries older than the configured retention.
func (c *ClipboardChannel) Prune() {
	if c.opts.Store == nil || c.opts.Retention <= 0 {
		return
	}
	dropped, err := c.opts.Store.PruneClipboardHistory(c.opts.Retention)
	if err != nil {
		c.log.Error().Err(err).Msg("prune clipboard history failed")
		return
	}
	if dropped > 0 {
		c.log.Debug().Int64("dropped", dropped).Msg("clipboard history pruned")
	}
}

func (c *ClipboardChannel) persist(text, origin string, timestamp int64) {
	if c.opts.Store == nil {
		return
	}
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	err := c.opts.Store.AddClipboardEntry(storage.ClipboardEntry{
		Content:        text,
		OriginDeviceID: origin,
		Timestamp:      timestamp,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("persist clipboard entry failed")
	}
}

// relay fans an update out to every open connection except the origin
// device and peers that switched clipboard sync off.
func (c *ClipboardChannel) relay(update ClipboardUpdate, origin string) {
	if c.opts.Peers == nil {
		return
	}
	for _, peer := range c.opts.Peers() {
		if peer.PeerDeviceID() == origin {
			continue
		}
		if peer.State() != StateOpen || !peer.ClipboardSyncEnabled() {
			continue
		}
		if err := peer.SendMessage(update); err != nil {
			c.log.Debug().
				Err(err).
				Str("peer", peer.PeerDeviceID()).
				Msg("clipboard relay failed")
		}
	}
}
