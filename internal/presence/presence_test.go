package presence

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/slate/internal/remote"
	"github.com/roach88/slate/internal/testutil"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingLiveness counts partial presence writes passing through to the
// underlying channel.
type countingLiveness struct {
	remote.Liveness
	updates atomic.Int64
}

func (c *countingLiveness) Update(ctx context.Context, userID string, upd remote.PresenceUpdate) error {
	c.updates.Add(1)
	return c.Liveness.Update(ctx, userID, upd)
}

func record(t *testing.T, m *remote.Memory, userID string) (remote.PresenceRecord, bool) {
	t.Helper()
	roster, err := m.Roster(context.Background())
	require.NoError(t, err)
	for _, rec := range roster {
		if rec.UserID == userID {
			return rec, true
		}
	}
	return remote.PresenceRecord{}, false
}

func TestColorFor_StableAndInPalette(t *testing.T) {
	seen := map[string]bool{}
	for _, id := range []string{"alice", "bob", "carol", "dave", "erin"} {
		c := ColorFor(id)
		assert.Equal(t, c, ColorFor(id), "color must be stable per user")
		seen[c] = true
	}
	for c := range seen {
		assert.Contains(t, palette, c)
	}
}

func TestNormalizeName_ComposesAndTrims(t *testing.T) {
	composed := "Zo\u00eb"            // precomposed e-diaeresis
	decomposed := "  Zoe\u0308  " // e plus combining diaeresis, padded
	assert.Equal(t, composed, NormalizeName(decomposed))
}

func TestJoin_PublishesRecord(t *testing.T) {
	m := remote.NewMemory()
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr := New("alice", "Alice", m, WithClock(clock), WithLogger(discard()))

	require.NoError(t, tr.Join(context.Background()))

	rec, ok := record(t, m, "alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", rec.DisplayName)
	assert.Equal(t, ColorFor("alice"), rec.Color)
	assert.True(t, rec.Online)
	assert.Equal(t, clock.Now(), rec.JoinedAt)
}

func TestOnlineUsers_ExcludesSelfAndOffline(t *testing.T) {
	m := remote.NewMemory()
	ctx := context.Background()

	alice := New("alice", "Alice", m, WithLogger(discard()))
	require.NoError(t, alice.Join(ctx))
	bob := New("bob", "Bob", m, WithLogger(discard()))
	require.NoError(t, bob.Join(ctx))

	offline := false
	require.NoError(t, m.Update(ctx, "bob", remote.PresenceUpdate{Online: &offline}))

	carol := New("carol", "Carol", m, WithLogger(discard()))
	require.NoError(t, carol.Join(ctx))

	others, err := alice.OnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "carol", others[0].UserID)
}

func TestUpdateCursor_DebouncesToSingleWrite(t *testing.T) {
	m := remote.NewMemory()
	counting := &countingLiveness{Liveness: m}
	tr := New("alice", "Alice", counting,
		WithLogger(discard()), WithCursorDebounce(15*time.Millisecond))
	require.NoError(t, tr.Join(context.Background()))

	// A burst of movements inside one debounce window.
	for i := 1; i <= 20; i++ {
		tr.UpdateCursor(float64(i), float64(i*2))
	}

	require.Eventually(t, func() bool {
		rec, ok := record(t, m, "alice")
		return ok && rec.Cursor != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), counting.updates.Load(), "a burst must collapse into one write")
	rec, _ := record(t, m, "alice")
	assert.Equal(t, 20.0, rec.Cursor.X, "the latest position wins")
	assert.Equal(t, 40.0, rec.Cursor.Y)
	assert.False(t, rec.LastSeen.IsZero(), "cursor and lastSeen ship together")
}

func TestUpdateCursor_SeparateWindowsWriteSeparately(t *testing.T) {
	m := remote.NewMemory()
	counting := &countingLiveness{Liveness: m}
	tr := New("alice", "Alice", counting,
		WithLogger(discard()), WithCursorDebounce(5*time.Millisecond))
	require.NoError(t, tr.Join(context.Background()))

	tr.UpdateCursor(1, 1)
	require.Eventually(t, func() bool {
		return counting.updates.Load() == 1
	}, time.Second, time.Millisecond)

	tr.UpdateCursor(2, 2)
	require.Eventually(t, func() bool {
		return counting.updates.Load() == 2
	}, time.Second, time.Millisecond)
}

func TestLeave_MarkOfflineKeepsRecord(t *testing.T) {
	m := remote.NewMemory()
	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr := New("alice", "Alice", m, WithClock(clock), WithLogger(discard()))
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx))
	clock.Advance(42 * time.Second)
	require.NoError(t, tr.Leave(ctx))

	rec, ok := record(t, m, "alice")
	require.True(t, ok, "graceful leave under mark-offline keeps the record")
	assert.False(t, rec.Online)
	assert.Equal(t, clock.Now(), rec.LastSeen)

	// Hooks and connectivity are torn down; a later bounce must not
	// resurrect the session.
	m.SetOnline(false)
	m.SetOnline(true)
	rec, ok = record(t, m, "alice")
	require.True(t, ok)
	assert.False(t, rec.Online)
}

func TestLeave_RemoveDeletesRecord(t *testing.T) {
	m := remote.NewMemory()
	tr := New("alice", "Alice", m,
		WithLogger(discard()), WithDisconnectPolicy(remote.DisconnectRemove))
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx))
	require.NoError(t, tr.Leave(ctx))

	_, ok := record(t, m, "alice")
	assert.False(t, ok)

	// The cancelled hook must not resurrect anything on a later drop.
	m.SetOnline(false)
	m.SetOnline(true)
	_, ok = record(t, m, "alice")
	assert.False(t, ok)
}

func TestDisconnect_MarkOfflinePreservesRecord(t *testing.T) {
	m := remote.NewMemory()
	tr := New("alice", "Alice", m,
		WithLogger(discard()), WithDisconnectPolicy(remote.DisconnectMarkOffline))
	require.NoError(t, tr.Join(context.Background()))

	m.SetOnline(false)

	rec, ok := m.Record("alice")
	require.True(t, ok, "mark-offline must preserve the record")
	assert.False(t, rec.Online)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestDisconnect_RemoveDeletesRecord(t *testing.T) {
	m := remote.NewMemory()
	tr := New("alice", "Alice", m,
		WithLogger(discard()), WithDisconnectPolicy(remote.DisconnectRemove))
	require.NoError(t, tr.Join(context.Background()))

	m.DropUser("alice")

	_, ok := record(t, m, "alice")
	assert.False(t, ok, "remove policy deletes the record on drop")
}

func TestReconnect_RearmsOneShotHook(t *testing.T) {
	m := remote.NewMemory()
	tr := New("alice", "Alice", m,
		WithLogger(discard()), WithDisconnectPolicy(remote.DisconnectMarkOffline))
	require.NoError(t, tr.Join(context.Background()))

	// First drop consumes the one-shot hook.
	m.SetOnline(false)
	m.SetOnline(true)

	// Rejoin happened; record is online again with a fresh hook armed.
	rec, ok := m.Record("alice")
	require.True(t, ok)
	assert.True(t, rec.Online)

	// Second drop proves a fresh hook fired, not the consumed one.
	m.SetOnline(false)
	rec, ok = m.Record("alice")
	require.True(t, ok)
	assert.False(t, rec.Online, "without re-arming, the second drop would leave the record online")
}
