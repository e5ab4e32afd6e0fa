package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coderoom/internal/events"
	"coderoom/internal/logger"
	"coderoom/internal/metrics"
	"coderoom/internal/ranking"
	"coderoom/internal/rooms"

	"github.com/rs/zerolog"
)

const maxGuestAttempts = 10

var (
	ErrMissingProblem = errors.New("lcHandle and targetSlug are required to start a room")
	ErrNotJoined      = errors.New("join the room before starting it")
	ErrNicknameTaken  = errors.New("could not allocate a nickname")
)

// Reason records why a contest was finalized.
type Reason string

const (
	ReasonManual       = Reason("manual")
	ReasonExpired      = Reason("expired")
	ReasonAllSubmitted = Reason("all_submitted")
)

// Broadcaster delivers events to connections. Rooms are addressed by the
// connections attached to them.
type Broadcaster interface {
	Attach(connID, roomID, username string)
	Detach(connID string)
	Binding(connID string) (roomID, username string, ok bool)
	Broadcast(roomID string, msg events.Message)
	BroadcastExcept(roomID, connID string, msg events.Message)
	Send(connID string, msg events.Message)
}

// Timer runs the per-room countdown. Halt waits for the old loop to
// finish, Stop does not and is safe to call from the timer's own callbacks.
type Timer interface {
	Start(ctx context.Context, roomID string, seconds int) error
	Stop(ctx context.Context, roomID string) error
	Halt(ctx context.Context, roomID string) error
}

// Coordinator is the single entry point for room commands. It keeps no
// room state of its own: every decision re-reads the store, and each store
// write is a single atomic key operation. Sequences such as "read every
// submission, then end the room" are not atomic across the room; finalize
// is guarded so a double fire still ends the contest once.
type Coordinator struct {
	store            *rooms.Store
	timer            Timer
	bc               Broadcaster
	metrics          *metrics.Metrics
	defaultTimeLimit int
	now              func() time.Time
	log              zerolog.Logger
}

func New(store *rooms.Store, timer Timer, bc Broadcaster, m *metrics.Metrics, defaultTimeLimit int) *Coordinator {
	if defaultTimeLimit <= 0 {
		defaultTimeLimit = 30
	}
	return &Coordinator{
		store:            store,
		timer:            timer,
		bc:               bc,
		metrics:          m,
		defaultTimeLimit: defaultTimeLimit,
		now:              time.Now,
		log:              logger.For("session"),
	}
}

// Handle routes one decoded command from a connection. Validation problems
// are answered with an error event to that connection and return nil; a
// returned error means a store operation failed and the command did not
// complete.
func (c *Coordinator) Handle(ctx context.Context, connID string, cmd events.Command) error {
	if c.metrics != nil {
		c.metrics.Events.WithLabelValues(cmd.Name()).Inc()
	}
	c.log.Debug().Str("conn", connID).Str("event", cmd.Name()).Msg("handling event")

	switch cmd := cmd.(type) {
	case events.JoinRoom:
		return c.join(ctx, connID, cmd)
	case events.CodeChange:
		return c.codeChange(ctx, connID, cmd)
	case events.StartRoom:
		return c.start(ctx, connID, cmd)
	case events.EndRoom:
		return c.end(ctx, connID, cmd.RoomID)
	case events.LeaveRoom:
		return c.leave(ctx, connID, cmd.RoomID, cmd.Username)
	case events.SubmissionComplete:
		return c.submissionComplete(ctx, cmd)
	case events.Disconnect:
		roomID, username, ok := c.bc.Binding(connID)
		if !ok {
			return nil
		}
		return c.leave(ctx, connID, roomID, username)
	default:
		c.bc.Send(connID, events.Error(fmt.Sprintf("unsupported event %q", cmd.Name())))
		return nil
	}
}

func (c *Coordinator) join(ctx context.Context, connID string, cmd events.JoinRoom) error {
	// a connection switching rooms or identities leaves its old seat first
	if roomID, username, ok := c.bc.Binding(connID); ok && (roomID != cmd.RoomID || username != cmd.Username) {
		if err := c.leave(ctx, connID, roomID, username); err != nil {
			return err
		}
	}

	nickname, err := c.resolveNickname(ctx, cmd.RoomID, cmd.Username, cmd.Nickname)
	if err != nil {
		return c.fail("claim_nickname", cmd.RoomID, err)
	}
	if err := c.store.AddMember(ctx, cmd.RoomID, cmd.Username); err != nil {
		return c.fail("add_member", cmd.RoomID, err)
	}
	c.bc.Attach(connID, cmd.RoomID, cmd.Username)

	names, err := c.store.MemberNames(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("list_members", cmd.RoomID, err)
	}
	codes, err := c.store.Codes(ctx, cmd.RoomID, names)
	if err != nil {
		return c.fail("load_codes", cmd.RoomID, err)
	}
	state, err := c.store.State(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("load_state", cmd.RoomID, err)
	}
	subs, err := c.store.Submissions(ctx, cmd.RoomID, names)
	if err != nil {
		return c.fail("load_submissions", cmd.RoomID, err)
	}
	members, err := c.store.Members(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("list_members", cmd.RoomID, err)
	}

	c.bc.Send(connID, events.LoadUserCode(cmd.Username, codes[cmd.Username]))
	c.bc.Send(connID, events.LoadAllCodes(codes))
	c.bc.Send(connID, events.StateUpdate(state))
	c.bc.Send(connID, events.LoadSubmissions(subs))
	c.bc.Broadcast(cmd.RoomID, events.UserList(members))

	c.log.Info().Str("room", cmd.RoomID).Str("user", cmd.Username).Str("nickname", nickname).Msg("user joined")
	return nil
}

// resolveNickname claims the requested nickname, or a generated guest name
// when another member already holds it.
func (c *Coordinator) resolveNickname(ctx context.Context, roomID, username, requested string) (string, error) {
	if requested == "" {
		requested = username
	}
	ok, err := c.store.ClaimNickname(ctx, roomID, username, requested)
	if err != nil {
		return "", err
	}
	if ok {
		return requested, nil
	}
	for i := 0; i < maxGuestAttempts; i++ {
		guest, err := rooms.GuestNickname()
		if err != nil {
			return "", err
		}
		ok, err := c.store.ClaimNickname(ctx, roomID, username, guest)
		if err != nil {
			return "", err
		}
		if ok {
			return guest, nil
		}
	}
	return "", ErrNicknameTaken
}

func (c *Coordinator) codeChange(ctx context.Context, connID string, cmd events.CodeChange) error {
	member, err := c.store.IsMember(ctx, cmd.RoomID, cmd.Username)
	if err != nil {
		return c.fail("check_member", cmd.RoomID, err)
	}
	if !member {
		return nil
	}
	sub, found, err := c.store.Submission(ctx, cmd.RoomID, cmd.Username)
	if err != nil {
		return c.fail("load_submission", cmd.RoomID, err)
	}
	if found && sub.Status == rooms.SubmissionSuccess {
		return nil
	}
	status, err := c.store.Status(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("load_status", cmd.RoomID, err)
	}
	if status != rooms.StatusStarted {
		return nil
	}

	if err := c.store.SetCode(ctx, cmd.RoomID, cmd.Username, cmd.Code); err != nil {
		return c.fail("set_code", cmd.RoomID, err)
	}
	c.bc.BroadcastExcept(cmd.RoomID, connID, events.CodeUpdate(cmd.Username, cmd.Code))
	return nil
}

func (c *Coordinator) start(ctx context.Context, connID string, cmd events.StartRoom) error {
	if cmd.Handle == "" || cmd.ProblemSlug == "" {
		c.bc.Send(connID, events.Error(ErrMissingProblem.Error()))
		return nil
	}
	username := cmd.Username
	if roomID, bound, ok := c.bc.Binding(connID); ok && roomID == cmd.RoomID {
		username = bound
	}
	if username == "" {
		c.bc.Send(connID, events.Error(ErrNotJoined.Error()))
		return nil
	}
	limit := cmd.TimeLimit
	if limit <= 0 {
		limit = c.defaultTimeLimit
	}
	seconds := limit * 60

	names, err := c.store.MemberNames(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("list_members", cmd.RoomID, err)
	}
	// a previous contest's expiry must land before the new Started status
	if err := c.timer.Halt(ctx, cmd.RoomID); err != nil {
		return c.fail("stop_timer", cmd.RoomID, err)
	}
	if err := c.store.ClearSubmissions(ctx, cmd.RoomID, names); err != nil {
		return c.fail("clear_submissions", cmd.RoomID, err)
	}
	binding := rooms.ProblemBinding{ExternalHandle: cmd.Handle, ProblemSlug: cmd.ProblemSlug}
	if err := c.store.SetProblem(ctx, cmd.RoomID, username, binding); err != nil {
		return c.fail("set_problem", cmd.RoomID, err)
	}
	if err := c.store.MarkStarted(ctx, cmd.RoomID, limit, seconds); err != nil {
		return c.fail("mark_started", cmd.RoomID, err)
	}
	if err := c.timer.Start(ctx, cmd.RoomID, seconds); err != nil {
		return c.fail("start_timer", cmd.RoomID, err)
	}

	c.bc.Broadcast(cmd.RoomID, events.Started(limit))
	c.bc.Broadcast(cmd.RoomID, events.SubmissionsCleared())

	c.log.Info().Str("room", cmd.RoomID).Str("user", username).Int("minutes", limit).Str("problem", cmd.ProblemSlug).Msg("contest started")
	return nil
}

func (c *Coordinator) leave(ctx context.Context, connID, roomID, username string) error {
	if err := c.store.RemoveUser(ctx, roomID, username); err != nil {
		return c.fail("remove_user", roomID, err)
	}
	if boundRoom, boundUser, ok := c.bc.Binding(connID); ok && boundRoom == roomID && boundUser == username {
		c.bc.Detach(connID)
	}

	remaining, err := c.store.MemberCount(ctx, roomID)
	if err != nil {
		return c.fail("count_members", roomID, err)
	}
	if remaining > 0 {
		members, err := c.store.Members(ctx, roomID)
		if err != nil {
			return c.fail("list_members", roomID, err)
		}
		c.bc.Broadcast(roomID, events.UserList(members))
		c.log.Info().Str("room", roomID).Str("user", username).Msg("user left")
		return nil
	}

	if err := c.timer.Stop(ctx, roomID); err != nil {
		return c.fail("stop_timer", roomID, err)
	}
	n, err := c.store.Cleanup(ctx, roomID)
	if err != nil {
		return c.fail("cleanup", roomID, err)
	}
	c.log.Info().Str("room", roomID).Str("user", username).Int("keys", n).Msg("last user left, room cleaned up")
	return nil
}

func (c *Coordinator) submissionComplete(ctx context.Context, cmd events.SubmissionComplete) error {
	member, err := c.store.IsMember(ctx, cmd.RoomID, cmd.Username)
	if err != nil {
		return c.fail("check_member", cmd.RoomID, err)
	}
	if !member {
		return nil
	}
	nickname, had, err := c.store.Nickname(ctx, cmd.RoomID, cmd.Username)
	if err != nil {
		return c.fail("load_nickname", cmd.RoomID, err)
	}
	if !had {
		nickname = cmd.Username
	}
	ts := cmd.Timestamp
	if ts == 0 {
		ts = c.now().UnixMilli()
	}
	sub := rooms.Submission{User: cmd.Username, Nickname: nickname, Status: cmd.Status, Timestamp: &ts}
	if err := c.store.SetSubmission(ctx, cmd.RoomID, sub); err != nil {
		return c.fail("set_submission", cmd.RoomID, err)
	}
	c.bc.Broadcast(cmd.RoomID, events.SubmissionUpdate(sub))

	status, err := c.store.Status(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("load_status", cmd.RoomID, err)
	}
	if status != rooms.StatusStarted {
		return nil
	}

	// O(members) per submission.
	names, err := c.store.MemberNames(ctx, cmd.RoomID)
	if err != nil {
		return c.fail("list_members", cmd.RoomID, err)
	}
	if len(names) == 0 {
		return nil
	}
	subs, err := c.store.Submissions(ctx, cmd.RoomID, names)
	if err != nil {
		return c.fail("load_submissions", cmd.RoomID, err)
	}
	for _, n := range names {
		if !subs[n].Status.Terminal() {
			return nil
		}
	}
	return c.finalize(ctx, cmd.RoomID, ReasonAllSubmitted)
}

// end is the manual stop. Only a member bound to the room on this
// connection may end it; rooms nobody is in are already gone.
func (c *Coordinator) end(ctx context.Context, connID, roomID string) error {
	boundRoom, username, ok := c.bc.Binding(connID)
	if !ok || boundRoom != roomID {
		return nil
	}
	member, err := c.store.IsMember(ctx, roomID, username)
	if err != nil {
		return c.fail("check_member", roomID, err)
	}
	if !member {
		return nil
	}
	return c.finalize(ctx, roomID, ReasonManual)
}

// finalize ends the contest. Only the caller that moves the status to
// Ended broadcasts the ranking, so manual End, expiry and the all-submitted
// check can race without clients seeing two results.
func (c *Coordinator) finalize(ctx context.Context, roomID string, reason Reason) error {
	first, err := c.store.MarkEnded(ctx, roomID)
	if err != nil {
		return c.fail("mark_ended", roomID, err)
	}
	if err := c.timer.Stop(ctx, roomID); err != nil {
		return c.fail("stop_timer", roomID, err)
	}
	if !first {
		c.log.Debug().Str("room", roomID).Str("reason", string(reason)).Msg("room already ended")
		return nil
	}

	members, err := c.store.Members(ctx, roomID)
	if err != nil {
		return c.fail("list_members", roomID, err)
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Username
	}
	subs, err := c.store.Submissions(ctx, roomID, names)
	if err != nil {
		return c.fail("load_submissions", roomID, err)
	}
	result := ranking.Compute(members, subs)

	c.bc.Broadcast(roomID, events.ContestEnded(result))
	c.bc.Broadcast(roomID, events.Ended())

	if c.metrics != nil {
		c.metrics.ContestsEnded.WithLabelValues(string(reason)).Inc()
	}
	c.log.Info().Str("room", roomID).Str("reason", string(reason)).Int("participants", len(result)).Msg("contest ended")
	return nil
}

// TimerTick forwards countdown progress to the room.
func (c *Coordinator) TimerTick(roomID string, remaining int) {
	c.bc.Broadcast(roomID, events.Tick(remaining))
}

// TimerExpired ends the contest when its countdown reaches zero.
func (c *Coordinator) TimerExpired(ctx context.Context, roomID string) {
	_ = c.finalize(ctx, roomID, ReasonExpired)
}

func (c *Coordinator) fail(op, roomID string, err error) error {
	if c.metrics != nil {
		c.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	c.log.Error().Err(err).Str("op", op).Str("room", roomID).Msg("store operation failed")
	return fmt.Errorf("%s: %w", op, err)
}
