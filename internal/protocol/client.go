package protocol

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codename-co/devs-sub012/internal/crdt"
	"github.com/codename-co/devs-sub012/internal/transport"
)

const (
	// awarenessInterval is the presence heartbeat period.
	awarenessInterval = 15 * time.Second

	// awarenessTimeout is how long a peer stays visible without a heartbeat.
	awarenessTimeout = 30 * time.Second
)

// Options configures a replication client.
type Options struct {
	// URL is the relay endpoint, already scoped to the room token.
	URL string
	// Dial opens the (typically encrypting) transport connection.
	Dial transport.Dialer
	// ClientID identifies this peer on the awareness channel.
	ClientID string
	// OnConnected fires on every connectivity transition: true once the
	// socket opens, false when it drops (reconnection then begins).
	OnConnected func(connected bool)
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// now is a test hook for awareness clocks.
	now func() time.Time
}

// Client replicates a document through a relay. It owns the reconnection
// policy (exponential backoff, retrying forever until closed); the layers
// below it only report lifecycle events.
type Client struct {
	doc  *crdt.Doc
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	conn     transport.Conn
	peers    map[string]time.Time
	closed   bool
	connGen  int

	unobserve func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Run starts replicating doc and returns immediately; connection management
// happens in the background until Close.
func Run(doc *crdt.Doc, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		doc:    doc,
		opts:   opts,
		log:    opts.Logger,
		now:    opts.now,
		peers:  make(map[string]time.Time),
		cancel: cancel,
	}

	// Broadcast every locally applied update that did not come from this
	// client (local edits, migration writes, replayed history merges).
	c.unobserve = doc.OnUpdate(func(update []byte, origin any) {
		if origin == c {
			return
		}
		c.send(Message{T: TypeUpdate, Update: update})
	})

	c.wg.Add(1)
	go c.connectLoop(ctx)
	return c
}

// Peers returns the ids of currently visible peers, this client included,
// sorted for stable presentation.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-awarenessTimeout)
	ids := make([]string, 0, len(c.peers)+1)
	ids = append(ids, c.opts.ClientID)
	for id, seen := range c.peers {
		if seen.Before(cutoff) {
			delete(c.peers, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops replication. Best effort: a departure notice is sent before
// the connection drops. Safe to call once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.unobserve()
	if conn != nil {
		if msg, err := Encode(Message{T: TypeAwareness, Awareness: &Awareness{
			ClientID: c.opts.ClientID, Left: true, At: c.now().UnixMilli(),
		}}); err == nil {
			_ = conn.Send(msg)
		}
		_ = conn.Close()
	}
	c.cancel()
	c.wg.Wait()
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until closed

	for {
		if ctx.Err() != nil {
			return
		}

		closedCh := make(chan struct{})
		gen, err := c.connect(ctx, closedCh)
		if err != nil {
			c.log.Debug("relay dial failed", "err", err)
		} else {
			policy.Reset()
			select {
			case <-closedCh:
				c.dropConn(gen)
				if c.opts.OnConnected != nil && ctx.Err() == nil {
					c.opts.OnConnected(false)
				}
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(policy.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// connect dials once and, on success, installs the connection and performs
// the join handshake.
func (c *Client) connect(ctx context.Context, closedCh chan struct{}) (int, error) {
	var closeOnce sync.Once
	handlers := transport.Handlers{
		OnMessage: c.handleFrame,
		OnClose: func(code int, reason string) {
			closeOnce.Do(func() { close(closedCh) })
		},
		OnError: func(err error) {
			c.log.Debug("relay transport error", "err", err)
		},
	}

	conn, err := c.opts.Dial(ctx, c.opts.URL, handlers)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return 0, transport.ErrConnClosed
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	if c.opts.OnConnected != nil {
		c.opts.OnConnected(true)
	}

	// Join handshake: full state plus our presence. Peers answer hello
	// with their own state, so both sides converge regardless of who has
	// been in the room longer.
	state, err := c.doc.EncodeState()
	if err != nil {
		c.log.Error("encode state for handshake", "err", err)
		state = nil
	}
	c.send(Message{
		T:         TypeHello,
		State:     state,
		Awareness: &Awareness{ClientID: c.opts.ClientID, At: c.now().UnixMilli()},
	})

	c.wg.Add(1)
	go c.heartbeat(gen, closedCh)
	return gen, nil
}

// dropConn clears the active connection if it still belongs to generation
// gen, so a stale close cannot clobber a newer connection.
func (c *Client) dropConn(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connGen == gen && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) heartbeat(gen int, closedCh chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(awarenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closedCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.closed || c.connGen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			c.send(Message{T: TypeAwareness, Awareness: &Awareness{
				ClientID: c.opts.ClientID, At: c.now().UnixMilli(),
			}})
		}
	}
}

// send encodes and transmits a message on the active connection, if any.
// Replication is resilient to loss here: a dropped message is recovered by
// the state exchange on the next (re)connect.
func (c *Client) send(m Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	frame, err := Encode(m)
	if err != nil {
		c.log.Error("encode protocol message", "t", m.T, "err", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		c.log.Debug("send protocol message", "t", m.T, "err", err)
	}
}

// handleFrame processes one decrypted inbound frame. Malformed frames are
// dropped; one bad peer must not affect the session.
func (c *Client) handleFrame(frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		c.log.Warn("dropping malformed protocol frame", "err", err)
		return
	}

	if msg.Awareness != nil {
		c.observePeer(msg.Awareness)
	}

	switch msg.T {
	case TypeHello:
		if len(msg.State) > 0 {
			c.apply(msg.State)
		}
		// Catch the newcomer up.
		if state, err := c.doc.EncodeState(); err == nil {
			c.send(Message{
				T:         TypeState,
				State:     state,
				Awareness: &Awareness{ClientID: c.opts.ClientID, At: c.now().UnixMilli()},
			})
		}
	case TypeState:
		if len(msg.State) > 0 {
			c.apply(msg.State)
		}
	case TypeUpdate:
		if len(msg.Update) > 0 {
			c.apply(msg.Update)
		}
	case TypeAwareness:
		// Presence only; handled above.
	default:
		c.log.Debug("ignoring unknown protocol message", "t", msg.T)
	}
}

// apply merges a remote update with this client as origin, so the broadcast
// observer does not echo it back and telemetry can classify it as received.
func (c *Client) apply(update []byte) {
	if err := c.doc.ApplyUpdate(update, c); err != nil {
		c.log.Warn("dropping unappliable update", "err", err)
	}
}

func (c *Client) observePeer(aw *Awareness) {
	if aw.ClientID == "" || aw.ClientID == c.opts.ClientID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if aw.Left {
		delete(c.peers, aw.ClientID)
		return
	}
	c.peers[aw.ClientID] = c.now()
}
