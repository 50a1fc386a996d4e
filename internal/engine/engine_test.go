package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/remote"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, m *remote.Memory, user string) (*canvas.Store, *Engine) {
	t.Helper()
	st := canvas.NewStore()
	e := New(user, st, m.Collection(user),
		WithLogger(discard()),
		WithConnectivity(m),
		WithRetry(2*time.Millisecond, 10*time.Millisecond),
	)
	t.Cleanup(e.Stop)
	return st, e
}

func testRect(id string) canvas.Object {
	return canvas.Object{ID: id, Type: canvas.TypeRectangle, X: 10, Y: 10, Width: 100, Height: 50, Color: "#123456"}
}

func drainAll(t *testing.T, engines ...*Engine) {
	t.Helper()
	ctx := context.Background()
	// Two passes: events broadcast while one engine drains land in the
	// queues of the others.
	for i := 0; i < 2; i++ {
		for _, e := range engines {
			require.NoError(t, e.Drain(ctx))
		}
	}
}

func TestEngine_CreateIsOptimisticThenDispatched(t *testing.T) {
	m := remote.NewMemory()
	st, e := newTestEngine(t, m, "alice")

	id, err := e.CreateObject(context.Background(), testRect("r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	// Optimistic: visible locally before any dispatch.
	_, ok := st.Get("r1")
	assert.True(t, ok)
	_, ok = m.Object("r1")
	assert.False(t, ok, "remote must not see the object before dispatch")

	drainAll(t, e)

	got, ok := m.Object("r1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.LastUpdatedBy)

	// The echo replaced local state with the server-stamped value.
	local, _ := st.Get("r1")
	assert.Equal(t, got.Seq, local.Seq)
}

func TestEngine_DisjointFieldWritesCompose(t *testing.T) {
	m := remote.NewMemory()
	_, alice := newTestEngine(t, m, "alice")
	_, bob := newTestEngine(t, m, "bob")
	carolStore, carol := newTestEngine(t, m, "carol")
	ctx := context.Background()

	_, err := alice.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, alice, bob, carol)

	// Two actors write disjoint fields concurrently.
	require.NoError(t, alice.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldX: 500.0}))
	require.NoError(t, bob.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldColor: "#ff0000"}))
	drainAll(t, alice, bob, carol)

	// A third actor observes both writers' values: no lost update.
	got, ok := carolStore.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 500.0, got.X)
	assert.Equal(t, "#ff0000", got.Color)
}

func TestEngine_SameFieldConvergesToLastAcceptedWrite(t *testing.T) {
	m := remote.NewMemory()
	aliceStore, alice := newTestEngine(t, m, "alice")
	bobStore, bob := newTestEngine(t, m, "bob")
	ctx := context.Background()

	_, err := alice.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, alice, bob)

	require.NoError(t, alice.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldColor: "#0000ff"}))
	require.NoError(t, bob.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldColor: "#00ff00"}))

	// Alice's write arrives at the store first, bob's second: bob wins.
	drainAll(t, alice, bob)

	a, _ := aliceStore.Get("r1")
	b, _ := bobStore.Get("r1")
	assert.Equal(t, "#00ff00", a.Color, "alice converges to the accepted value")
	assert.Equal(t, "#00ff00", b.Color)
}

func TestEngine_PermissionFailureRevertsAndSurfaces(t *testing.T) {
	m := remote.NewMemory()
	st, e := newTestEngine(t, m, "alice")
	ctx := context.Background()

	_, err := e.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, e)

	m.FailWrites(func(op, id string) error {
		if op == "update" {
			return remote.NewPermissionError(op, id, nil)
		}
		return nil
	})

	require.NoError(t, e.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldX: 999.0}))
	local, _ := st.Get("r1")
	assert.Equal(t, 999.0, local.X, "optimistic before dispatch")

	drainAll(t, e)

	local, _ = st.Get("r1")
	assert.Equal(t, 10.0, local.X, "rejected write reverts to last known-good value")

	err = e.LastSyncError()
	require.Error(t, err)
	assert.True(t, remote.IsPermission(err))

	e.ClearSyncError()
	assert.NoError(t, e.LastSyncError())
}

func TestEngine_PermissionFailureOnCreateRemovesObject(t *testing.T) {
	m := remote.NewMemory()
	st, e := newTestEngine(t, m, "alice")

	m.FailWrites(func(op, id string) error {
		return remote.NewPermissionError(op, id, nil)
	})

	_, err := e.CreateObject(context.Background(), testRect("r1"))
	require.NoError(t, err, "optimistic create succeeds locally")
	drainAll(t, e)

	_, ok := st.Get("r1")
	assert.False(t, ok, "rejected create must disappear from the mirror")
}

func TestEngine_TransientFailureRetriesUntilSuccess(t *testing.T) {
	m := remote.NewMemory()
	_, e := newTestEngine(t, m, "alice")
	ctx := context.Background()

	_, err := e.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, e)

	failures := 3
	m.FailWrites(func(op, id string) error {
		if op == "update" && failures > 0 {
			failures--
			return remote.NewTransportError(op, id, nil)
		}
		return nil
	})

	require.NoError(t, e.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldX: 77.0}))

	require.Eventually(t, func() bool {
		_ = e.Drain(ctx)
		got, ok := m.Object("r1")
		return ok && got.X == 77.0
	}, 2*time.Second, 5*time.Millisecond, "write must land after transient failures clear")
}

func TestEngine_ReconcileDropsOutOfOrderEvents(t *testing.T) {
	m := remote.NewMemory()
	st, e := newTestEngine(t, m, "alice")

	newer := testRect("r1")
	newer.X = 200
	newer.Seq = 5
	e.reconcile(remote.Event{Kind: remote.EventModified, Object: newer, Seq: 5})

	older := testRect("r1")
	older.X = 100
	older.Seq = 3
	e.reconcile(remote.Event{Kind: remote.EventModified, Object: older, Seq: 3})

	got, ok := st.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 200.0, got.X, "late event below the high-water mark must be dropped")
}

func TestEngine_ReconnectAppliesSnapshotAndDiscardsSupersededWrites(t *testing.T) {
	m := remote.NewMemory()
	aliceStore, alice := newTestEngine(t, m, "alice")
	_, bob := newTestEngine(t, m, "bob")
	ctx := context.Background()

	_, err := alice.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, alice, bob)

	m.SetOnline(false)

	// Optimistic write during the outage; dispatch fails with transport.
	require.NoError(t, alice.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldX: 999.0}))
	require.NoError(t, alice.Drain(ctx))
	assert.Equal(t, StateDisconnected, alice.State())

	m.SetOnline(true)

	// Bob's edit is accepted first, superseding alice's stranded write.
	drainAll(t, bob)
	require.NoError(t, bob.UpdateObject(ctx, "r1", canvas.Patch{canvas.FieldX: 300.0}))
	drainAll(t, bob)

	// Alice catches up: snapshot replaces her mirror, and her stranded
	// write is discarded, never reapplied.
	require.Eventually(t, func() bool {
		_ = alice.Drain(ctx)
		got, ok := aliceStore.Get("r1")
		return ok && got.X == 300.0 && alice.State() == StateConnected && !alice.IsSyncing()
	}, 2*time.Second, 5*time.Millisecond)

	// The store must never see the superseded value.
	assert.Never(t, func() bool {
		_ = alice.Drain(ctx)
		got, _ := m.Object("r1")
		return got.X == 999.0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEngine_OnConnectedHookRefiresPerReconnect(t *testing.T) {
	m := remote.NewMemory()
	_, e := newTestEngine(t, m, "alice")
	ctx := context.Background()

	fired := 0
	e.OnConnected(func() { fired++ })

	for i := 0; i < 2; i++ {
		m.SetOnline(false)
		m.SetOnline(true)
		require.NoError(t, e.Drain(ctx))
	}

	assert.Equal(t, 2, fired, "connected hooks re-fire on every transition into Connected")
}

func TestEngine_StageCommitDispatchesOnce(t *testing.T) {
	m := remote.NewMemory()
	_, e := newTestEngine(t, m, "alice")
	ctx := context.Background()

	_, err := e.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, e)

	writes := 0
	m.FailWrites(func(op, id string) error {
		if op == "update" {
			writes++
		}
		return nil
	})

	// A drag: many staged frames, one commit.
	for i := 1; i <= 10; i++ {
		require.NoError(t, e.Stage("r1", canvas.Patch{canvas.FieldX: float64(i * 10)}))
	}
	require.NoError(t, e.CommitStaged(ctx, "r1", canvas.Patch{canvas.FieldY: 42.0}))
	drainAll(t, e)

	assert.Equal(t, 1, writes, "staged frames must collapse into a single write")
	got, _ := m.Object("r1")
	assert.Equal(t, 100.0, got.X)
	assert.Equal(t, 42.0, got.Y)
}

func TestEngine_AbandonStagedRevertsWithoutDispatch(t *testing.T) {
	m := remote.NewMemory()
	st, e := newTestEngine(t, m, "alice")
	ctx := context.Background()

	_, err := e.CreateObject(ctx, testRect("r1"))
	require.NoError(t, err)
	drainAll(t, e)

	authoritative, _ := m.Object("r1")

	writes := 0
	m.FailWrites(func(op, id string) error {
		if op == "update" {
			writes++
		}
		return nil
	})

	require.NoError(t, e.Stage("r1", canvas.Patch{canvas.FieldX: 640.0, canvas.FieldY: 480.0}))
	e.AbandonStaged("r1")
	drainAll(t, e)

	got, _ := st.Get("r1")
	assert.Equal(t, authoritative.X, got.X, "abandon restores the authoritative value")
	assert.Equal(t, authoritative.Y, got.Y)
	assert.Equal(t, 0, writes, "abandoned interaction must not reach the network")
}
