package reactive

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codename-co/devs-sub012/internal/crdt"
)

func decodeString(raw []byte) (string, error) {
	return string(raw), nil
}

func newStringView(t *testing.T, m *crdt.Map) *AllView[string] {
	t.Helper()
	v := NewAllView(m, decodeString, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(v.Close)
	return v
}

func TestAllViewSnapshot(t *testing.T) {
	doc := crdt.NewDoc()
	m := doc.Map("notes")
	m.Set("b", []byte("beta"))
	m.Set("a", []byte("alpha"))

	v := newStringView(t, m)
	require.Equal(t, []string{"alpha", "beta"}, v.Snapshot())
}

func TestAllViewReferenceStability(t *testing.T) {
	doc := crdt.NewDoc()
	m := doc.Map("notes")
	m.Set("a", []byte("alpha"))
	v := newStringView(t, m)

	first := v.Snapshot()
	second := v.Snapshot()
	require.Same(t, &first[0], &second[0])

	m.Set("b", []byte("beta"))
	third := v.Snapshot()
	require.Equal(t, []string{"alpha", "beta"}, third)
	require.NotSame(t, &first[0], &third[0])
}

func TestAllViewSubscribe(t *testing.T) {
	doc := crdt.NewDoc()
	m := doc.Map("notes")
	v := newStringView(t, m)

	var calls atomic.Int32
	unsub := v.Subscribe(func() { calls.Add(1) })

	m.Set("a", []byte("alpha"))
	require.Equal(t, int32(1), calls.Load())

	unsub()
	m.Set("b", []byte("beta"))
	require.Equal(t, int32(1), calls.Load())
}

func TestAllViewTransactCoalesces(t *testing.T) {
	doc := crdt.NewDoc()
	m := doc.Map("notes")
	v := newStringView(t, m)

	var calls atomic.Int32
	defer v.Subscribe(func() { calls.Add(1) })()

	doc.Transact(func() {
		m.Set("a", []byte("alpha"))
		m.Set("b", []byte("beta"))
		m.Set("c", []byte("gamma"))
	})
	require.Equal(t, int32(1), calls.Load())
	require.Len(t, v.Snapshot(), 3)
}

func TestOneViewFiltersIrrelevantKeys(t *testing.T) {
	doc := crdt.NewDoc()
	m := doc.Map("notes")
	m.Set("mine", []byte("v1"))

	v := NewOneView(m, "mine", decodeString, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer v.Close()

	var calls atomic.Int32
	defer v.Subscribe(func() { calls.Add(1) })()

	m.Set("other", []byte("noise"))
	require.Zero(t, calls.Load())

	m.Set("mine", []byte("v2"))
	require.Equal(t, int32(1), calls.Load())

	value, ok := v.Snapshot()
	require.True(t, ok)
	require.Equal(t, "v2", value)
}

func TestOneViewMissingRecord(t *testing.T) {
	doc := crdt.NewDoc()
	m := doc.Map("notes")
	v := NewOneView(m, "ghost", decodeString, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer v.Close()

	_, ok := v.Snapshot()
	require.False(t, ok)

	m.Set("ghost", []byte("manifested"))
	value, ok := v.Snapshot()
	require.True(t, ok)
	require.Equal(t, "manifested", value)

	m.Delete("ghost")
	_, ok = v.Snapshot()
	require.False(t, ok)
}

type fakeReadiness struct {
	mu    sync.Mutex
	ready bool
}

func (f *fakeReadiness) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeReadiness) set() {
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
}

func TestNotifyWhenReadyImmediate(t *testing.T) {
	f := &fakeReadiness{ready: true}
	called := false
	stop := NotifyWhenReady(f, func() { called = true })
	defer stop()
	// Already-ready notifies synchronously, no polling involved.
	require.True(t, called)
}

func TestNotifyWhenReadyPolls(t *testing.T) {
	f := &fakeReadiness{}
	var called atomic.Bool
	stop := NotifyWhenReady(f, func() { called.Store(true) })
	defer stop()

	require.False(t, called.Load())
	f.set()
	require.Eventually(t, func() bool { return called.Load() }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyWhenReadyStopped(t *testing.T) {
	f := &fakeReadiness{}
	var called atomic.Bool
	stop := NotifyWhenReady(f, func() { called.Store(true) })
	stop()

	f.set()
	time.Sleep(3 * readyPollInterval)
	require.False(t, called.Load())
}
