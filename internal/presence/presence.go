// Package presence maintains this user's ephemeral liveness record and a
// view of who else is on the board. Presence is not canvas state: records
// live on a separate channel, survive nothing, and sync nothing.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/slate/internal/remote"
)

// Clock supplies timestamps for lastSeen stamping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// palette is the fixed set of collaborator colors. Assignment hashes the
// user id so a user keeps the same color across sessions and across every
// client that renders them.
var palette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#bfef45", // lime
	"#fabed4", // pink
	"#469990", // teal
}

// ColorFor returns the palette color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// NormalizeName trims and NFC-normalizes a display name so the same name
// typed with different Unicode compositions compares and renders equal on
// every client.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Tracker manages one user's presence lifecycle against a Liveness channel.
//
// Cursor reports are debounced with a trailing edge: the first movement in
// a quiet window arms a timer, later movements within the window just
// overwrite the pending position, and when the timer fires the latest
// position ships in a single write together with lastSeen. Intermediate
// positions are dropped on the floor.
type Tracker struct {
	userID      string
	displayName string
	live        remote.Liveness
	clock       Clock
	logger      *slog.Logger
	policy      remote.DisconnectAction
	debounce    time.Duration

	mu         sync.Mutex
	joined     bool
	pending    *remote.Cursor
	timer      *time.Timer
	cancelHook func()
	cancelConn func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithDisconnectPolicy selects what happens to the record when the
// connection drops. The default marks the record offline and stamps
// lastSeen; DisconnectRemove deletes it outright.
func WithDisconnectPolicy(a remote.DisconnectAction) Option {
	return func(t *Tracker) { t.policy = a }
}

// WithCursorDebounce overrides the cursor debounce window.
func WithCursorDebounce(d time.Duration) Option {
	return func(t *Tracker) { t.debounce = d }
}

// New creates a tracker for the user. displayName is normalized before it
// is ever written.
func New(userID, displayName string, live remote.Liveness, opts ...Option) *Tracker {
	t := &Tracker{
		userID:      userID,
		displayName: NormalizeName(displayName),
		live:        live,
		clock:       systemClock{},
		logger:      slog.Default(),
		policy:      remote.DisconnectMarkOffline,
		debounce:    30 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join publishes this user's record, arms the disconnect action, and
// subscribes to connectivity so the one-shot action is re-armed after every
// reconnect.
func (t *Tracker) Join(ctx context.Context) error {
	now := t.clock.Now()
	rec := remote.PresenceRecord{
		UserID:      t.userID,
		DisplayName: t.displayName,
		Color:       ColorFor(t.userID),
		Online:      true,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := t.live.Set(ctx, rec); err != nil {
		return err
	}

	t.mu.Lock()
	t.joined = true
	t.cancelHook = t.live.OnDisconnect(t.userID, t.policy)
	if t.cancelConn == nil {
		t.cancelConn = t.live.Connectivity(t.onConnectivity)
	}
	t.mu.Unlock()
	return nil
}

// onConnectivity re-establishes presence after a reconnect. Disconnect
// hooks are one-shot on the channel side, so each rise of the connection
// republishes the record and arms a fresh hook.
func (t *Tracker) onConnectivity(online bool) {
	if !online {
		return
	}
	t.mu.Lock()
	joined := t.joined
	t.mu.Unlock()
	if !joined {
		return
	}

	now := t.clock.Now()
	rec := remote.PresenceRecord{
		UserID:      t.userID,
		DisplayName: t.displayName,
		Color:       ColorFor(t.userID),
		Online:      true,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if err := t.live.Set(context.Background(), rec); err != nil {
		t.logger.Warn("presence rejoin failed", "user", t.userID, "error", err)
		return
	}

	t.mu.Lock()
	if t.cancelHook != nil {
		t.cancelHook()
	}
	t.cancelHook = t.live.OnDisconnect(t.userID, t.policy)
	t.mu.Unlock()
}

// Leave tears presence down intentionally, following the disconnect
// policy: mark-offline keeps the record with online=false and a fresh
// lastSeen, remove deletes it. The armed hook is cancelled either way so
// it cannot fire later on top of the teardown write.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	t.joined = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
	if t.cancelHook != nil {
		t.cancelHook()
		t.cancelHook = nil
	}
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	t.mu.Unlock()

	if t.policy == remote.DisconnectRemove {
		return t.live.Remove(ctx, t.userID)
	}
	now := t.clock.Now()
	online := false
	return t.live.Update(ctx, t.userID, remote.PresenceUpdate{Online: &online, LastSeen: &now})
}

// UpdateCursor records a pointer movement. The write is debounced; call
// sites may invoke this at input-event rate.
func (t *Tracker) UpdateCursor(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.joined {
		return
	}
	t.pending = &remote.Cursor{X: x, Y: y, At: t.clock.Now()}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.debounce, t.flushCursor)
	}
}

// flushCursor ships the latest pending position with lastSeen in one write.
func (t *Tracker) flushCursor() {
	t.mu.Lock()
	cur := t.pending
	t.pending = nil
	t.timer = nil
	joined := t.joined
	t.mu.Unlock()

	if cur == nil || !joined {
		return
	}
	now := t.clock.Now()
	upd := remote.PresenceUpdate{Cursor: cur, LastSeen: &now}
	if err := t.live.Update(context.Background(), t.userID, upd); err != nil {
		t.logger.Debug("cursor update dropped", "user", t.userID, "error", err)
	}
}

// Heartbeat refreshes lastSeen and keeps the record marked online. Called
// periodically by the session layer.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	now := t.clock.Now()
	online := true
	return t.live.Update(ctx, t.userID, remote.PresenceUpdate{Online: &online, LastSeen: &now})
}

// Roster returns every presence record, this user's included.
func (t *Tracker) Roster(ctx context.Context) ([]remote.PresenceRecord, error) {
	return t.live.Roster(ctx)
}

// OnlineUsers returns the other collaborators currently online. The local
// user renders their own cursor directly and is excluded.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]remote.PresenceRecord, error) {
	all, err := t.live.Roster(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]remote.PresenceRecord, 0, len(all))
	for _, rec := range all {
		if rec.Online && rec.UserID != t.userID {
			out = append(out, rec)
		}
	}
	return out, nil
}
