// Package relay implements the rendezvous server: a WebSocket fan-out hub
// that groups connections into rooms by opaque token and forwards every
// frame, verbatim, to the other members of the room. Payloads are encrypted
// end to end by the peers; the relay neither holds keys nor parses frames.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// sendQueueDepth bounds the per-member outbound queue. A member that
	// cannot drain this many frames is dropped rather than allowed to stall
	// the room.
	sendQueueDepth = 256

	writeTimeout = 10 * time.Second

	// maxTokenLength rejects obviously malformed room tokens before the
	// upgrade. Tokens are derived hashes, never user-chosen strings.
	maxTokenLength = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is one opaque payload in flight, with its WebSocket message type
// preserved so text and binary frames survive the hop unchanged.
type frame struct {
	messageType int
	data        []byte
}

type member struct {
	conn *websocket.Conn
	send chan frame
}

// Hub tracks rooms and their members.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]map[*member]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]map[*member]struct{}),
	}
}

// Handler upgrades the request and serves the member until it disconnects.
// The room token comes from the route: /v1/rooms/{token}.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if token == "" || len(token) > maxTokenLength {
		http.Error(w, "invalid room token", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	m := &member{conn: conn, send: make(chan frame, sendQueueDepth)}
	h.join(token, m)
	h.log.Info("member joined", "room", token, "remote", conn.RemoteAddr())

	go m.writePump()
	h.readPump(token, m)

	h.leave(token, m)
	h.log.Info("member left", "room", token, "remote", conn.RemoteAddr())
}

func (h *Hub) join(token string, m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[token]
	if room == nil {
		room = make(map[*member]struct{})
		h.rooms[token] = room
		if h.metrics != nil {
			h.metrics.ActiveRooms.Inc()
		}
	}
	room[m] = struct{}{}
	if h.metrics != nil {
		h.metrics.ActiveMembers.Inc()
	}
}

func (h *Hub) leave(token string, m *member) {
	h.mu.Lock()
	room := h.rooms[token]
	if room != nil {
		if _, ok := room[m]; ok {
			delete(room, m)
			if h.metrics != nil {
				h.metrics.ActiveMembers.Dec()
			}
		}
		if len(room) == 0 {
			delete(h.rooms, token)
			if h.metrics != nil {
				h.metrics.ActiveRooms.Dec()
			}
		}
	}
	// Closed under the lock so broadcast can never send on a closed queue.
	close(m.send)
	h.mu.Unlock()
	m.conn.Close()
}

// readPump forwards every inbound frame to the room's other members. It
// returns when the connection errors or closes.
func (h *Hub) readPump(token string, m *member) {
	for {
		messageType, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("read failed", "room", token, "err", err)
			}
			return
		}
		h.broadcast(token, m, frame{messageType: messageType, data: data})
	}
}

// broadcast fans a frame out to every member of the room except the sender.
// A member with a full queue is disconnected; the replication protocol on
// the peers recovers via reconnect and state exchange.
func (h *Hub) broadcast(token string, from *member, f frame) {
	// Queueing is non-blocking, so the lock is held across the fan-out;
	// this serializes against leave closing a member's queue.
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.rooms[token] {
		if m == from {
			continue
		}
		select {
		case m.send <- f:
			if h.metrics != nil {
				h.metrics.FramesRelayed.Inc()
				h.metrics.BytesRelayed.Add(float64(len(f.data)))
			}
		default:
			h.log.Warn("member send queue full, dropping connection", "room", token)
			m.conn.Close()
		}
	}
}

func (m *member) writePump() {
	for f := range m.send {
		m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := m.conn.WriteMessage(f.messageType, f.data); err != nil {
			m.conn.Close()
			// Keep draining so broadcast never blocks on this member.
			for range m.send {
			}
			return
		}
	}
}

// Router builds the relay's HTTP surface: the room endpoint plus a health
// check. Metrics exposition is mounted by the caller.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/rooms/{token}", h.Handler)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}
