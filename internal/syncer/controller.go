// Package syncer owns the lifecycle of a replication session: deriving the
// room credential, wiring the encrypting transport into the replication
// protocol, and exposing status, peers and activity telemetry.
package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codename-co/devs-sub012/internal/crdt"
	"github.com/codename-co/devs-sub012/internal/protocol"
	"github.com/codename-co/devs-sub012/internal/room"
	"github.com/codename-co/devs-sub012/internal/transport"
)

// Status is the session state: disabled, connecting or connected.
type Status string

const (
	StatusDisabled   Status = "disabled"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

// Direction classifies an activity entry.
type Direction string

const (
	// DirectionSent marks changes authored on this device.
	DirectionSent Direction = "sent"
	// DirectionReceived marks changes merged in from a remote peer.
	DirectionReceived Direction = "received"
)

// Activity is one telemetry entry: a document change observed while a
// session was live.
type Activity struct {
	Direction Direction
	Bytes     int
	At        time.Time
}

// activityLogSize bounds the ring buffer of recent activity.
const activityLogSize = 100

// Config enables a replication session.
type Config struct {
	// RoomID is the human-readable room identifier. Never sent to the
	// relay; only the token derived from it is.
	RoomID string
	// Password protects the room. Required.
	Password string
	// RelayURL is the relay endpoint base, e.g. "wss://relay.example.com".
	RelayURL string
}

// Configuration errors are programmer/user-input mistakes: they fail
// synchronously and loudly, never silently no-op.
var (
	ErrPasswordRequired = errors.New("sync: password must not be empty")
	ErrRelayURLRequired = errors.New("sync: relay URL must not be empty")
)

// session is one live replication connection and its key material.
type session struct {
	client    *protocol.Client
	key       []byte
	unobserve func()
}

// Controller drives replication sessions over a shared document. At most one
// session is live at a time; re-enabling tears the previous session down
// synchronously before building the new one.
type Controller struct {
	doc *crdt.Doc
	log *slog.Logger

	// dial is swapped by tests; production dials real WebSockets.
	dial transport.Dialer

	// lifecycleMu serializes Enable/Disable so two sessions can never be
	// under construction at once.
	lifecycleMu sync.Mutex

	mu           sync.Mutex
	status       Status
	sess         *session
	activity     []Activity
	statusSubs   map[int]func(Status)
	activitySubs map[int]func(Activity)
	nextSub      int
}

// New creates a disabled controller for doc.
func New(doc *crdt.Doc, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		doc:          doc,
		log:          log,
		dial:         transport.DialWebSocket,
		status:       StatusDisabled,
		statusSubs:   make(map[int]func(Status)),
		activitySubs: make(map[int]func(Activity)),
	}
}

// Enable starts a replication session. It fails fast on configuration
// errors, derives the room token and encryption key (in parallel; both are
// slow by design), and connects the encrypting transport to the relay,
// targeting the derived token — never the human-readable room id.
//
// If a session is already live it is fully torn down first.
func (c *Controller) Enable(cfg Config) error {
	if cfg.Password == "" {
		return ErrPasswordRequired
	}
	if cfg.RelayURL == "" {
		return ErrRelayURLRequired
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.teardown()

	var (
		wg    sync.WaitGroup
		token string
		key   []byte
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		token = room.DeriveName(cfg.RoomID, cfg.Password)
	}()
	go func() {
		defer wg.Done()
		key = room.DeriveKey(cfg.Password, cfg.RoomID)
	}()
	wg.Wait()

	url := fmt.Sprintf("%s/v1/rooms/%s", strings.TrimRight(cfg.RelayURL, "/"), token)
	clientID := uuid.NewString()

	c.setStatus(StatusConnecting)

	client := protocol.Run(c.doc, protocol.Options{
		URL:      url,
		Dial:     transport.EncryptedDialer(c.dial, key, c.log),
		ClientID: clientID,
		Logger:   c.log,
		OnConnected: func(connected bool) {
			if connected {
				c.setStatus(StatusConnected)
			} else {
				c.setStatus(StatusConnecting)
			}
		},
	})

	// Telemetry: every document change observed while the session lives is
	// an activity entry. Changes originating from the session itself were
	// merged in from a peer; everything else was authored locally.
	unobserve := c.doc.OnUpdate(func(update []byte, origin any) {
		direction := DirectionSent
		if origin == client {
			direction = DirectionReceived
		}
		c.recordActivity(Activity{Direction: direction, Bytes: len(update), At: time.Now()})
	})

	c.mu.Lock()
	c.sess = &session{client: client, key: key, unobserve: unobserve}
	c.mu.Unlock()

	c.log.Info("sync enabled", "relay", cfg.RelayURL, "client", clientID)
	return nil
}

// Disable stops the active session, releases its key material and returns
// once teardown is complete. Disabling a disabled controller is a no-op.
func (c *Controller) Disable() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.teardown()
}

// teardown synchronously dismantles the live session. Callers hold
// lifecycleMu.
func (c *Controller) teardown() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}

	sess.unobserve()
	sess.client.Close()
	// The room credential is ephemeral: discard it with the session.
	for i := range sess.key {
		sess.key[i] = 0
	}
	c.setStatus(StatusDisabled)
	c.log.Info("sync disabled")
}

// Status returns the current session state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Peers returns the visible peer ids, this client included, or nil when
// sync is disabled.
func (c *Controller) Peers() []string {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.client.Peers()
}

// ActivityLog returns a copy of the recent activity entries, oldest first.
func (c *Controller) ActivityLog() []Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Activity, len(c.activity))
	copy(out, c.activity)
	return out
}

// OnStatus subscribes to status transitions. The returned function
// unsubscribes.
func (c *Controller) OnStatus(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}
}

// OnActivity subscribes to activity entries as they are recorded. The
// returned function unsubscribes.
func (c *Controller) OnActivity(fn func(Activity)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.activitySubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.activitySubs, id)
	}
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	subs := make([]func(Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

func (c *Controller) recordActivity(entry Activity) {
	c.mu.Lock()
	c.activity = append(c.activity, entry)
	if len(c.activity) > activityLogSize {
		c.activity = c.activity[len(c.activity)-activityLogSize:]
	}
	subs := make([]func(Activity), 0, len(c.activitySubs))
	for _, fn := range c.activitySubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(entry)
	}
}

// SetDialer overrides the transport dialer. Test hook.
func (c *Controller) SetDialer(dial transport.Dialer) {
	c.dial = dial
}
