package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectUpdates(t *testing.T, d *Doc) *[][]byte {
	t.Helper()
	var updates [][]byte
	d.OnUpdate(func(update []byte, origin any) {
		buf := make([]byte, len(update))
		copy(buf, update)
		updates = append(updates, buf)
	})
	return &updates
}

func TestMapBasics(t *testing.T) {
	doc := NewDocWithActor("a")
	tasks := doc.Map("tasks")

	require.Same(t, tasks, doc.Map("tasks"), "repeated lookups return the same handle")

	tasks.Set("t1", []byte("ship"))
	tasks.Set("t2", []byte("review"))
	require.Equal(t, 2, tasks.Len())

	v, ok := tasks.Get("t1")
	require.True(t, ok)
	require.Equal(t, []byte("ship"), v)

	require.Equal(t, []string{"t1", "t2"}, tasks.Keys())

	tasks.Delete("t1")
	require.Equal(t, 1, tasks.Len())
	_, ok = tasks.Get("t1")
	require.False(t, ok)

	// Deleting an absent key is a no-op for size.
	tasks.Delete("nope")
	require.Equal(t, 1, tasks.Len())
}

func TestConvergenceAnyOrder(t *testing.T) {
	src := NewDocWithActor("src")
	updates := collectUpdates(t, src)

	m := src.Map("tasks")
	m.Set("a", []byte("1"))
	m.Set("b", []byte("2"))
	m.Set("a", []byte("3"))
	m.Delete("b")
	require.Len(t, *updates, 4)

	apply := func(order []int) *Doc {
		d := NewDocWithActor("replica")
		for _, i := range order {
			require.NoError(t, d.ApplyUpdate((*updates)[i], nil))
		}
		return d
	}

	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		// Duplicated delivery must not change the result.
		{0, 1, 2, 3, 0, 1, 2, 3},
	}
	for _, order := range orders {
		d := apply(order)
		m := d.Map("tasks")
		v, ok := m.Get("a")
		require.True(t, ok)
		require.Equal(t, []byte("3"), v)
		_, ok = m.Get("b")
		require.False(t, ok)
		require.Equal(t, 1, m.Len())
	}
}

// TestSameKeyConflict documents the one case where "which write wins" is not
// user-controllable: equal lamport clocks resolve to the greater actor id.
func TestSameKeyConflict(t *testing.T) {
	d1 := NewDocWithActor("aaa")
	d2 := NewDocWithActor("zzz")

	u1 := collectUpdates(t, d1)
	u2 := collectUpdates(t, d2)

	// Both replicas write the same key concurrently at clock 1.
	d1.Map("tasks").Set("t1", []byte("from-aaa"))
	d2.Map("tasks").Set("t1", []byte("from-zzz"))

	require.NoError(t, d1.ApplyUpdate((*u2)[0], nil))
	require.NoError(t, d2.ApplyUpdate((*u1)[0], nil))

	// Both converge on the write from the greater actor id.
	v1, _ := d1.Map("tasks").Get("t1")
	v2, _ := d2.Map("tasks").Get("t1")
	require.Equal(t, []byte("from-zzz"), v1)
	require.Equal(t, v1, v2)
}

func TestConcurrentDeleteAndWrite(t *testing.T) {
	d1 := NewDocWithActor("aaa")
	d2 := NewDocWithActor("zzz")

	u1 := collectUpdates(t, d1)

	d1.Map("tasks").Set("t1", []byte("v1"))
	require.NoError(t, d2.ApplyUpdate((*u1)[0], nil))

	u2 := collectUpdates(t, d2)
	d1.Map("tasks").Set("t1", []byte("v2")) // clock 2 on aaa
	d2.Map("tasks").Delete("t1")            // clock 2 on zzz

	require.NoError(t, d1.ApplyUpdate((*u2)[0], nil))
	require.NoError(t, d2.ApplyUpdate((*u1)[1], nil))

	// Equal clocks: zzz wins, so the delete sticks on both replicas.
	_, ok1 := d1.Map("tasks").Get("t1")
	_, ok2 := d2.Map("tasks").Get("t1")
	require.False(t, ok1)
	require.False(t, ok2)
}

func TestTransactSingleEvent(t *testing.T) {
	doc := NewDocWithActor("a")
	updates := collectUpdates(t, doc)

	var batches [][]string
	doc.Map("tasks").Observe(func(keys []string, origin any) {
		cp := make([]string, len(keys))
		copy(cp, keys)
		batches = append(batches, cp)
	})

	doc.Transact(func() {
		m := doc.Map("tasks")
		m.Set("t1", []byte("a"))
		m.Set("t2", []byte("b"))
		m.Set("t3", []byte("c"))
	})

	require.Len(t, *updates, 1, "one update for the whole transaction")
	require.Len(t, batches, 1, "one change notification for the whole transaction")
	require.ElementsMatch(t, []string{"t1", "t2", "t3"}, batches[0])

	// Batched and unbatched mutation produce the same final state.
	plain := NewDocWithActor("b")
	m := plain.Map("tasks")
	m.Set("t1", []byte("a"))
	m.Set("t2", []byte("b"))
	m.Set("t3", []byte("c"))
	require.Equal(t, plain.Map("tasks").Keys(), doc.Map("tasks").Keys())
}

func TestOriginForwarding(t *testing.T) {
	src := NewDocWithActor("src")
	u := collectUpdates(t, src)
	src.Map("tasks").Set("t1", []byte("x"))

	dst := NewDocWithActor("dst")
	type session struct{ name string }
	sess := &session{name: "sync"}

	var got any
	dst.OnUpdate(func(update []byte, origin any) {
		got = origin
	})
	require.NoError(t, dst.ApplyUpdate((*u)[0], sess))
	require.Same(t, sess, got)
}

func TestEncodeStateBootstrap(t *testing.T) {
	src := NewDocWithActor("src")
	m := src.Map("tasks")
	m.Set("t1", []byte("keep"))
	m.Set("t2", []byte("drop"))
	m.Delete("t2")
	src.Map("agents").Set("a1", []byte("agent"))

	state, err := src.EncodeState()
	require.NoError(t, err)

	dst := NewDocWithActor("dst")
	require.NoError(t, dst.ApplyUpdate(state, nil))

	require.Equal(t, []string{"t1"}, dst.Map("tasks").Keys())
	require.Equal(t, []string{"a1"}, dst.Map("agents").Keys())

	// The tombstone travelled with the state: a stale concurrent write to t2
	// from before the delete must not resurrect it.
	stale, err := EncodeUpdate(Update{Ops: []Op{{
		Collection: "tasks", Key: "t2", Value: []byte("stale"), Clock: 1, Actor: "aaa",
	}}})
	require.NoError(t, err)
	require.NoError(t, dst.ApplyUpdate(stale, nil))
	_, ok := dst.Map("tasks").Get("t2")
	require.False(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	doc := NewDocWithActor("a")
	calls := 0
	off := doc.OnUpdate(func(update []byte, origin any) { calls++ })
	doc.Map("tasks").Set("t1", []byte("x"))
	off()
	doc.Map("tasks").Set("t2", []byte("y"))
	require.Equal(t, 1, calls)
}

func TestNestedTransact(t *testing.T) {
	doc := NewDocWithActor("a")
	tasks := doc.Map("tasks")
	updates := collectUpdates(t, doc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		doc.Transact(func() {
			tasks.Set("t1", []byte("outer"))
			doc.Transact(func() {
				tasks.Set("t2", []byte("inner"))
			})
			tasks.Set("t3", []byte("outer again"))
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested Transact did not complete")
	}

	// The whole nest commits as one update when the outermost call returns.
	require.Len(t, *updates, 1)
	require.Equal(t, 3, tasks.Len())

	// And it replicates as one unit.
	other := NewDocWithActor("b")
	require.NoError(t, other.ApplyUpdate((*updates)[0], nil))
	v, ok := other.Map("tasks").Get("t2")
	require.True(t, ok)
	require.Equal(t, []byte("inner"), v)
}

func TestNestedTransactOuterOrigin(t *testing.T) {
	doc := NewDocWithActor("a")
	tasks := doc.Map("tasks")

	var origins []any
	doc.OnUpdate(func(update []byte, origin any) { origins = append(origins, origin) })

	doc.TransactWithOrigin("outer", func() {
		tasks.Set("t1", []byte("x"))
		doc.TransactWithOrigin("inner", func() {
			tasks.Set("t2", []byte("y"))
		})
	})
	require.Equal(t, []any{"outer"}, origins)
}

func TestTransactSerializesAcrossGoroutines(t *testing.T) {
	doc := NewDocWithActor("a")
	tasks := doc.Map("tasks")
	updates := collectUpdates(t, doc)

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		doc.Transact(func() {
			tasks.Set("a1", []byte("1"))
			close(entered)
			<-release
			tasks.Set("a2", []byte("2"))
		})
	}()

	<-entered
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		doc.Transact(func() {
			tasks.Set("b1", []byte("3"))
		})
	}()

	// The second transaction must wait for the first; its update appears
	// separately, never interleaved into the first one's batch.
	select {
	case <-secondDone:
		t.Fatal("second transaction ran inside the first")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-firstDone
	<-secondDone

	require.Len(t, *updates, 2)
	first, err := DecodeUpdate((*updates)[0])
	require.NoError(t, err)
	require.Len(t, first.Ops, 2)
}

func TestValueSlicesDoNotAlias(t *testing.T) {
	doc := NewDocWithActor("a")
	tasks := doc.Map("tasks")

	// Caller keeps ownership of the slice passed to Set.
	input := []byte("ship")
	tasks.Set("t1", input)
	input[0] = 'X'
	v, ok := tasks.Get("t1")
	require.True(t, ok)
	require.Equal(t, []byte("ship"), v)

	// Mutating a read result never corrupts stored state.
	v[0] = 'Y'
	again, _ := tasks.Get("t1")
	require.Equal(t, []byte("ship"), again)

	values := tasks.Values()
	require.Len(t, values, 1)
	values[0][0] = 'Z'
	final, _ := tasks.Get("t1")
	require.Equal(t, []byte("ship"), final)
}
