package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codename-co/devs-sub012/internal/e2ee"
)

// cryptoQueueDepth bounds the per-direction crypto pipelines. A full queue
// applies backpressure to the caller rather than reordering or dropping.
const cryptoQueueDepth = 128

// EncryptFunc seals a plaintext frame; DecryptFunc opens one.
type EncryptFunc func(plaintext []byte) ([]byte, error)

// DecryptFunc opens a frame; failures mean "drop this frame".
type DecryptFunc func(frame []byte) ([]byte, error)

// EncryptedOption customizes an encrypted connection.
type EncryptedOption func(*encryptedConn)

// WithCodec overrides the frame codec. Tests use it to inject latency and
// failures; production keeps the default AES-GCM codec bound to the room key.
func WithCodec(encrypt EncryptFunc, decrypt DecryptFunc) EncryptedOption {
	return func(c *encryptedConn) {
		c.encrypt = encrypt
		c.decrypt = decrypt
	}
}

// EncryptedDialer decorates a Dialer so that every binary frame crossing the
// connection is encrypted outbound and decrypted inbound. The replication
// protocol on top is unaware encryption exists.
//
// Frame crypto runs concurrently, but a per-direction ordered queue guarantees
// the underlying socket transmits frames in Send-call order and delivers
// plaintext in arrival order, no matter how long each individual operation
// takes. Frames that fail to decrypt are dropped with a warning: in a shared
// relay room a foreign or corrupted frame is background noise, not a reason to
// tear the session down. Open, close and error events pass through untouched.
func EncryptedDialer(dial Dialer, key []byte, log *slog.Logger, opts ...EncryptedOption) Dialer {
	// The wrapper owns its key material: crypto goroutines may still be in
	// flight when the caller zeroizes its slice on session teardown.
	k := make([]byte, len(key))
	copy(k, key)
	return func(ctx context.Context, url string, h Handlers) (Conn, error) {
		if log == nil {
			log = slog.Default()
		}
		ec := &encryptedConn{
			handlers: h,
			log:      log,
			encrypt:  func(p []byte) ([]byte, error) { return e2ee.Encrypt(p, k) },
			decrypt:  func(f []byte) ([]byte, error) { return e2ee.Decrypt(f, k) },
			sendQ:    make(chan *cryptoJob, cryptoQueueDepth),
			recvQ:    make(chan *cryptoJob, cryptoQueueDepth),
			done:     make(chan struct{}),
		}
		for _, opt := range opts {
			opt(ec)
		}

		inner, err := dial(ctx, url, Handlers{
			OnOpen:    h.OnOpen,
			OnMessage: ec.enqueueInbound,
			OnClose:   ec.innerClosed,
			OnError:   h.OnError,
		})
		if err != nil {
			ec.stop()
			return nil, err
		}
		ec.inner = inner
		go ec.sendWorker()
		go ec.recvWorker()
		return ec, nil
	}
}

type cryptoJob struct {
	result chan cryptoResult
}

type cryptoResult struct {
	data []byte
	err  error
}

type encryptedConn struct {
	inner    Conn
	handlers Handlers
	log      *slog.Logger
	encrypt  EncryptFunc
	decrypt  DecryptFunc

	// sendQ and recvQ hold one job per frame in submission order; the
	// workers wait on each job in turn, so completion jitter in the crypto
	// goroutines can never reorder frames.
	sendQ chan *cryptoJob
	recvQ chan *cryptoJob

	mu     sync.Mutex
	closed atomic.Bool
	done   chan struct{}
	stopOnce sync.Once
}

// Send encrypts data and forwards it to the underlying socket, preserving the
// order of Send calls. It returns as soon as the frame is queued.
func (c *encryptedConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	job := &cryptoJob{result: make(chan cryptoResult, 1)}

	// Enqueue under the lock so the queue order matches Send call order
	// even with concurrent senders.
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.sendQ <- job
	c.mu.Unlock()

	plaintext := make([]byte, len(data))
	copy(plaintext, data)
	go func() {
		frame, err := c.encrypt(plaintext)
		job.result <- cryptoResult{data: frame, err: err}
	}()
	return nil
}

// SendText forwards a text payload unencrypted. The replication protocol only
// ever sends binary frames, so this is a defensive fallback, not a supported
// path; it exists to avoid silently corrupting data that the codec cannot
// represent.
func (c *encryptedConn) SendText(text string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.log.Warn("encrypted transport: forwarding non-binary payload unencrypted", "bytes", len(text))
	return c.inner.SendText(text)
}

func (c *encryptedConn) Close() error {
	c.stop()
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

func (c *encryptedConn) ReadyState() ReadyState {
	if c.closed.Load() {
		return StateClosed
	}
	return c.inner.ReadyState()
}

// stop halts intake. Crypto already in flight may complete; the workers
// discard its results once done is closed.
func (c *encryptedConn) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		close(c.done)
		c.mu.Unlock()
	})
}

// innerClosed forwards the underlying socket's close event unmodified and
// shuts the pipelines down.
func (c *encryptedConn) innerClosed(code int, reason string) {
	c.stop()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(code, reason)
	}
}

// enqueueInbound is the underlying socket's OnMessage slot: it schedules
// decryption while keeping delivery in arrival order.
func (c *encryptedConn) enqueueInbound(frame []byte) {
	if c.closed.Load() {
		return
	}
	job := &cryptoJob{result: make(chan cryptoResult, 1)}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.recvQ <- job
	c.mu.Unlock()

	ciphertext := make([]byte, len(frame))
	copy(ciphertext, frame)
	go func() {
		plaintext, err := c.decrypt(ciphertext)
		job.result <- cryptoResult{data: plaintext, err: err}
	}()
}

func (c *encryptedConn) sendWorker() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.sendQ:
			select {
			case <-c.done:
				return
			case res := <-job.result:
				if res.err != nil {
					c.log.Error("encrypted transport: encrypt failed, dropping frame", "err", res.err)
					continue
				}
				if err := c.inner.Send(res.data); err != nil {
					c.log.Warn("encrypted transport: send failed", "err", err)
				}
			}
		}
	}
}

func (c *encryptedConn) recvWorker() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.recvQ:
			select {
			case <-c.done:
				return
			case res := <-job.result:
				if res.err != nil {
					// Wrong key, corruption, or an unencrypted peer in
					// the same room. Drop and move on.
					c.log.Warn("encrypted transport: dropping undecryptable frame", "err", res.err)
					continue
				}
				if c.handlers.OnMessage != nil {
					c.handlers.OnMessage(res.data)
				}
			}
		}
	}
}
