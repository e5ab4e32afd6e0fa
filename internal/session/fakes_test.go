package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"coderoom/internal/events"
	"coderoom/internal/metrics"
	"coderoom/internal/rooms"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type delivery struct {
	// room broadcasts carry roomID and the excluded connection, direct
	// sends carry the target connection
	roomID string
	except string
	conn   string
	msg    events.Message
}

type binding struct {
	roomID   string
	username string
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	bindings map[string]binding
	log      []delivery
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{bindings: map[string]binding{}}
}

func (f *fakeBroadcaster) Attach(connID, roomID, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[connID] = binding{roomID: roomID, username: username}
}

func (f *fakeBroadcaster) Detach(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bindings, connID)
}

func (f *fakeBroadcaster) Binding(connID string) (string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[connID]
	return b.roomID, b.username, ok
}

func (f *fakeBroadcaster) Broadcast(roomID string, msg events.Message) {
	f.BroadcastExcept(roomID, "", msg)
}

func (f *fakeBroadcaster) BroadcastExcept(roomID, connID string, msg events.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, delivery{roomID: roomID, except: connID, msg: msg})
}

func (f *fakeBroadcaster) Send(connID string, msg events.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, delivery{conn: connID, msg: msg})
}

func (f *fakeBroadcaster) all() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.log...)
}

func (f *fakeBroadcaster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = nil
}

// broadcasts returns room-wide messages with the given event name.
func (f *fakeBroadcaster) broadcasts(roomID, event string) []delivery {
	var out []delivery
	for _, d := range f.all() {
		if d.roomID == roomID && d.msg.Event == event {
			out = append(out, d)
		}
	}
	return out
}

// sent returns direct messages to a connection with the given event name.
func (f *fakeBroadcaster) sent(connID, event string) []delivery {
	var out []delivery
	for _, d := range f.all() {
		if d.conn == connID && d.msg.Event == event {
			out = append(out, d)
		}
	}
	return out
}

type fakeTimer struct {
	mu     sync.Mutex
	store  *rooms.Store
	starts map[string][]int
	stops  map[string]int
}

func newFakeTimer(store *rooms.Store) *fakeTimer {
	return &fakeTimer{store: store, starts: map[string][]int{}, stops: map[string]int{}}
}

func (f *fakeTimer) Start(ctx context.Context, roomID string, seconds int) error {
	f.mu.Lock()
	f.starts[roomID] = append(f.starts[roomID], seconds)
	f.mu.Unlock()
	return f.store.SetRemaining(ctx, roomID, seconds)
}

func (f *fakeTimer) Stop(ctx context.Context, roomID string) error {
	f.mu.Lock()
	f.stops[roomID]++
	f.mu.Unlock()
	return f.store.DeleteRemaining(ctx, roomID)
}

func (f *fakeTimer) Halt(ctx context.Context, roomID string) error {
	return f.Stop(ctx, roomID)
}

func (f *fakeTimer) startsFor(roomID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.starts[roomID]...)
}

type harness struct {
	coord   *Coordinator
	store   *rooms.Store
	bc      *fakeBroadcaster
	timer   *fakeTimer
	metrics *metrics.Metrics
	mr      *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	store := rooms.NewStore(rdb)
	bc := newFakeBroadcaster()
	tm := newFakeTimer(store)
	m := metrics.New()
	coord := New(store, tm, bc, m, 30)
	coord.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	return &harness{coord: coord, store: store, bc: bc, timer: tm, metrics: m, mr: mr}
}

func (h *harness) handle(t *testing.T, connID string, cmd events.Command) {
	t.Helper()
	if err := h.coord.Handle(context.Background(), connID, cmd); err != nil {
		t.Fatalf("Handle(%s, %s) error: %v", connID, cmd.Name(), err)
	}
}

func (h *harness) join(t *testing.T, connID, roomID, username, nickname string) {
	t.Helper()
	h.handle(t, connID, events.JoinRoom{RoomID: roomID, Username: username, Nickname: nickname})
}

func (h *harness) start(t *testing.T, connID, roomID string, minutes int) {
	t.Helper()
	h.handle(t, connID, events.StartRoom{RoomID: roomID, TimeLimit: minutes, Handle: "lc-user", ProblemSlug: "two-sum"})
}

func (h *harness) submit(t *testing.T, connID, roomID, username string, status rooms.SubmissionStatus, ts int64) {
	t.Helper()
	h.handle(t, connID, events.SubmissionComplete{RoomID: roomID, Username: username, Status: status, Timestamp: ts})
}
