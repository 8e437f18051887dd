package network

import (
	"github.com/rs/zerolog"
)

// NotificationPoster surfaces mirrored notifications on the hub host.
// Optional; without one the hub only relays.
type NotificationPoster interface {
	Post(notification Notification) error
	Remove(id string) error
}

// NotificationOptions configures a NotificationChannel.
type NotificationOptions struct {
	SelfDeviceID string
	Poster       NotificationPoster

	MirroringEnabled bool
	RelayEnabled     bool

	Peers func() []*Conn

	Log zerolog.Logger
}

// NotificationChannel mirrors notification posts and dismissals between
// devices. Notifications are keyed by a stable id so a dismissal on one
// device removes the mirrored copy everywhere.
type NotificationChannel struct {
	opts NotificationOptions
	log  zerolog.Logger
}

// NewNotificationChannel creates the channel.
func NewNotificationChannel(opts NotificationOptions) *NotificationChannel {
	return &NotificationChannel{
		opts: opts,
		log:  opts.Log.With().Str("component", "notifications").Logger(),
	}
}

// HandleNotification processes a posted notification from a peer.
func (n *NotificationChannel) HandleNotification(conn *Conn, notification Notification) error {
	if !n.opts.MirroringEnabled || notification.ID == "" {
		return nil
	}

	if n.opts.Poster != nil {
		if err := n.opts.Poster.Post(notification); err != nil {
			n.log.Warn().Err(err).Str("notification_id", notification.ID).Msg("post notification failed")
		}
	}

	if n.opts.RelayEnabled {
		n.relay(conn.PeerDeviceID(), notification)
	}
	return nil
}

// HandleRemoved processes a dismissal from a peer.
func (n *NotificationChannel) HandleRemoved(conn *Conn, removed NotificationRemoved) error {
	if !n.opts.MirroringEnabled || removed.ID == "" {
		return nil
	}

	if n.opts.Poster != nil {
		if err := n.opts.Poster.Remove(removed.ID); err != nil {
			n.log.Warn().Err(err).Str("notification_id", removed.ID).Msg("remove notification failed")
		}
	}

	if n.opts.RelayEnabled {
		n.relay(conn.PeerDeviceID(), removed)
	}
	return nil
}

// LocalNotification mirrors a notification posted on the hub host out to
// every peer with mirroring enabled.
func (n *NotificationChannel) LocalNotification(notification Notification) {
	if !n.opts.MirroringEnabled || notification.ID == "" {
		return
	}
	notification.Type = TypeNotification
	n.relay(n.opts.SelfDeviceID, notification)
}

// LocalRemoved mirrors a dismissal on the hub host.
func (n *NotificationChannel) LocalRemoved(id string) {
	if !n.opts.MirroringEnabled || id == "" {
		return
	}
	n.relay(n.opts.SelfDeviceID, NotificationRemoved{Type: TypeNotificationRemoved, ID: id})
}

func (n *NotificationChannel) relay(origin string, message any) {
	if n.opts.Peers == nil {
		return
	}
	for _, peer := range n.opts.Peers() {
		if peer.PeerDeviceID() == origin {
			continue
		}
		if peer.State() != StateOpen || !peer.NotificationMirroringEnabled() {
			continue
		}
		if err := peer.SendMessage(message); err != nil {
			n.log.Debug().
				Err(err).
				Str("peer", peer.PeerDeviceID()).
				Msg("notification relay failed")
		}
	}
}
