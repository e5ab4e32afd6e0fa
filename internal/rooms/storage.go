package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const scanBatch = 100

func usersKey(roomID string) string     { return fmt.Sprintf("room:%s:users", roomID) }
func nicknamesKey(roomID string) string { return fmt.Sprintf("room:%s:nicknames", roomID) }
func claimsKey(roomID string) string    { return fmt.Sprintf("room:%s:nickclaims", roomID) }
func timerKey(roomID string) string     { return fmt.Sprintf("room:%s:timer", roomID) }
func statusKey(roomID string) string    { return fmt.Sprintf("room:%s:status", roomID) }
func timeLimitKey(roomID string) string { return fmt.Sprintf("room:%s:timeLimit", roomID) }

func codeKey(roomID, username string) string {
	return fmt.Sprintf("room:%s:user:%s:code", roomID, username)
}

func submissionKey(roomID, username string) string {
	return fmt.Sprintf("room:%s:user:%s:submission", roomID, username)
}

func problemKey(roomID, username string) string {
	return fmt.Sprintf("room:%s:user:%s:problem", roomID, username)
}

// Store is the typed accessor over the shared key-value store. Every
// method is a single-key (or single-command) operation; absent keys read
// back as zero values rather than errors.
type Store struct {
	rdb redis.Cmdable
}

func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Membership

func (s *Store) AddMember(ctx context.Context, roomID, username string) error {
	if err := s.rdb.SAdd(ctx, usersKey(roomID), username).Err(); err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID, username string) error {
	if err := s.rdb.SRem(ctx, usersKey(roomID), username).Err(); err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return nil
}

// MemberNames returns the room's usernames sorted, so callers never depend
// on set iteration order.
func (s *Store) MemberNames(ctx context.Context, roomID string) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, usersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, usersKey(roomID), username).Result()
	if err != nil {
		return false, fmt.Errorf("checking member: %w", err)
	}
	return ok, nil
}

func (s *Store) MemberCount(ctx context.Context, roomID string) (int64, error) {
	n, err := s.rdb.SCard(ctx, usersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting members: %w", err)
	}
	return n, nil
}

// Members pairs every username with its registered nickname.
func (s *Store) Members(ctx context.Context, roomID string) ([]Member, error) {
	names, err := s.MemberNames(ctx, roomID)
	if err != nil {
		return nil, err
	}
	nicks, err := s.Nicknames(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(names))
	for _, n := range names {
		nick := nicks[n]
		if nick == "" {
			nick = n
		}
		members = append(members, Member{Username: n, Nickname: nick})
	}
	return members, nil
}

// Nicknames

func (s *Store) Nickname(ctx context.Context, roomID, username string) (string, bool, error) {
	nick, err := s.rdb.HGet(ctx, nicknamesKey(roomID), username).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting nickname: %w", err)
	}
	return nick, true, nil
}

func (s *Store) Nicknames(ctx context.Context, roomID string) (map[string]string, error) {
	nicks, err := s.rdb.HGetAll(ctx, nicknamesKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing nicknames: %w", err)
	}
	return nicks, nil
}

// ClaimNickname registers nickname for username unless another user in the
// room already holds it under a case-insensitive compare. The claim is a
// single HSETNX, so two concurrent joins cannot both win the same name.
func (s *Store) ClaimNickname(ctx context.Context, roomID, username, nickname string) (bool, error) {
	claim := strings.ToLower(nickname)
	won, err := s.rdb.HSetNX(ctx, claimsKey(roomID), claim, username).Result()
	if err != nil {
		return false, fmt.Errorf("claiming nickname: %w", err)
	}
	if !won {
		owner, err := s.rdb.HGet(ctx, claimsKey(roomID), claim).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("reading nickname claim: %w", err)
		}
		if owner != username {
			return false, nil
		}
	}

	prev, had, err := s.Nickname(ctx, roomID, username)
	if err != nil {
		return false, err
	}
	if had && strings.ToLower(prev) != claim {
		if err := s.releaseClaim(ctx, roomID, username, prev); err != nil {
			return false, err
		}
	}
	if err := s.rdb.HSet(ctx, nicknamesKey(roomID), username, nickname).Err(); err != nil {
		return false, fmt.Errorf("setting nickname: %w", err)
	}
	return true, nil
}

// ReleaseNickname frees the user's nickname for others in the room.
func (s *Store) ReleaseNickname(ctx context.Context, roomID, username string) error {
	nick, had, err := s.Nickname(ctx, roomID, username)
	if err != nil || !had {
		return err
	}
	if err := s.rdb.HDel(ctx, nicknamesKey(roomID), username).Err(); err != nil {
		return fmt.Errorf("deleting nickname: %w", err)
	}
	return s.releaseClaim(ctx, roomID, username, nick)
}

func (s *Store) releaseClaim(ctx context.Context, roomID, username, nickname string) error {
	claim := strings.ToLower(nickname)
	owner, err := s.rdb.HGet(ctx, claimsKey(roomID), claim).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading nickname claim: %w", err)
	}
	if owner != username {
		return nil
	}
	if err := s.rdb.HDel(ctx, claimsKey(roomID), claim).Err(); err != nil {
		return fmt.Errorf("releasing nickname claim: %w", err)
	}
	return nil
}

// Code buffers

func (s *Store) Code(ctx context.Context, roomID, username string) (string, error) {
	code, err := s.rdb.Get(ctx, codeKey(roomID, username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting code: %w", err)
	}
	return code, nil
}

func (s *Store) SetCode(ctx context.Context, roomID, username, code string) error {
	if err := s.rdb.Set(ctx, codeKey(roomID, username), code, 0).Err(); err != nil {
		return fmt.Errorf("setting code: %w", err)
	}
	return nil
}

// Codes returns the last-known buffer of each user, "" for users with none.
func (s *Store) Codes(ctx context.Context, roomID string, usernames []string) (map[string]string, error) {
	codes := make(map[string]string, len(usernames))
	if len(usernames) == 0 {
		return codes, nil
	}
	keys := make([]string, len(usernames))
	for i, u := range usernames {
		keys[i] = codeKey(roomID, u)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting codes: %w", err)
	}
	for i, u := range usernames {
		code, _ := vals[i].(string)
		codes[u] = code
	}
	return codes, nil
}

// Submissions

func (s *Store) Submission(ctx context.Context, roomID, username string) (Submission, bool, error) {
	raw, err := s.rdb.Get(ctx, submissionKey(roomID, username)).Result()
	if errors.Is(err, redis.Nil) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("getting submission: %w", err)
	}
	var sub Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Submission{}, false, fmt.Errorf("decoding submission: %w", err)
	}
	return sub, true, nil
}

func (s *Store) SetSubmission(ctx context.Context, roomID string, sub Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encoding submission: %w", err)
	}
	if err := s.rdb.Set(ctx, submissionKey(roomID, sub.User), data, 0).Err(); err != nil {
		return fmt.Errorf("setting submission: %w", err)
	}
	return nil
}

// Submissions returns the stored records of the given users; users without
// a record are absent from the map.
func (s *Store) Submissions(ctx context.Context, roomID string, usernames []string) (map[string]Submission, error) {
	subs := make(map[string]Submission, len(usernames))
	if len(usernames) == 0 {
		return subs, nil
	}
	keys := make([]string, len(usernames))
	for i, u := range usernames {
		keys[i] = submissionKey(roomID, u)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting submissions: %w", err)
	}
	for i, u := range usernames {
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		var sub Submission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decoding submission of %s: %w", u, err)
		}
		subs[u] = sub
	}
	return subs, nil
}

func (s *Store) ClearSubmissions(ctx context.Context, roomID string, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	keys := make([]string, len(usernames))
	for i, u := range usernames {
		keys[i] = submissionKey(roomID, u)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clearing submissions: %w", err)
	}
	return nil
}

// Problem bindings

func (s *Store) SetProblem(ctx context.Context, roomID, username string, p ProblemBinding) error {
	err := s.rdb.HSet(ctx, problemKey(roomID, username),
		"lcHandle", p.ExternalHandle,
		"targetSlug", p.ProblemSlug,
	).Err()
	if err != nil {
		return fmt.Errorf("setting problem binding: %w", err)
	}
	return nil
}

func (s *Store) Problem(ctx context.Context, roomID, username string) (ProblemBinding, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, problemKey(roomID, username)).Result()
	if err != nil {
		return ProblemBinding{}, false, fmt.Errorf("getting problem binding: %w", err)
	}
	if len(fields) == 0 {
		return ProblemBinding{}, false, nil
	}
	return ProblemBinding{
		ExternalHandle: fields["lcHandle"],
		ProblemSlug:    fields["targetSlug"],
	}, true, nil
}

// RemoveUser drops a user from the room along with every per-user key.
func (s *Store) RemoveUser(ctx context.Context, roomID, username string) error {
	if err := s.RemoveMember(ctx, roomID, username); err != nil {
		return err
	}
	err := s.rdb.Del(ctx,
		codeKey(roomID, username),
		submissionKey(roomID, username),
		problemKey(roomID, username),
	).Err()
	if err != nil {
		return fmt.Errorf("deleting user keys: %w", err)
	}
	return s.ReleaseNickname(ctx, roomID, username)
}

// Lifecycle and timer fields

func (s *Store) Status(ctx context.Context, roomID string) (Status, error) {
	v, err := s.rdb.Get(ctx, statusKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusWaiting, nil
	}
	if err != nil {
		return "", fmt.Errorf("getting status: %w", err)
	}
	switch st := Status(v); st {
	case StatusStarted, StatusEnded:
		return st, nil
	default:
		return StatusWaiting, nil
	}
}

func (s *Store) SetStatus(ctx context.Context, roomID string, st Status) error {
	if err := s.rdb.Set(ctx, statusKey(roomID), string(st), 0).Err(); err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	return nil
}

func (s *Store) TimeLimit(ctx context.Context, roomID string) (int, error) {
	n, err := s.getInt(ctx, timeLimitKey(roomID))
	if err != nil {
		return 0, fmt.Errorf("getting time limit: %w", err)
	}
	return n, nil
}

func (s *Store) SetTimeLimit(ctx context.Context, roomID string, minutes int) error {
	if err := s.rdb.Set(ctx, timeLimitKey(roomID), minutes, 0).Err(); err != nil {
		return fmt.Errorf("setting time limit: %w", err)
	}
	return nil
}

// Remaining reads the persisted countdown; ok is false when no timer key exists.
func (s *Store) Remaining(ctx context.Context, roomID string) (int, bool, error) {
	v, err := s.rdb.Get(ctx, timerKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("getting timer: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parsing timer %q: %w", v, err)
	}
	return n, true, nil
}

func (s *Store) SetRemaining(ctx context.Context, roomID string, seconds int) error {
	if seconds < 0 {
		seconds = 0
	}
	if err := s.rdb.Set(ctx, timerKey(roomID), seconds, 0).Err(); err != nil {
		return fmt.Errorf("setting timer: %w", err)
	}
	return nil
}

// UpdateRemaining overwrites an existing countdown. It reports false, and
// writes nothing, when the timer key is gone.
func (s *Store) UpdateRemaining(ctx context.Context, roomID string, seconds int) (bool, error) {
	if seconds < 0 {
		seconds = 0
	}
	ok, err := s.rdb.SetXX(ctx, timerKey(roomID), seconds, 0).Result()
	if err != nil {
		return false, fmt.Errorf("updating timer: %w", err)
	}
	return ok, nil
}

func (s *Store) DeleteRemaining(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, timerKey(roomID)).Err(); err != nil {
		return fmt.Errorf("deleting timer: %w", err)
	}
	return nil
}

// MarkStarted writes the time limit and countdown before flipping the
// status, so a reader never sees Started without a remaining time.
func (s *Store) MarkStarted(ctx context.Context, roomID string, minutes, seconds int) error {
	if err := s.SetTimeLimit(ctx, roomID, minutes); err != nil {
		return err
	}
	if err := s.SetRemaining(ctx, roomID, seconds); err != nil {
		return err
	}
	return s.SetStatus(ctx, roomID, StatusStarted)
}

// markEndedScript flips the status to Ended and drops the countdown in one
// step. A room with neither a status key nor members has been cleaned up
// and is left untouched. Replies 0 for a missing room, 1 for the
// transition and 2 when the room was already Ended.
var markEndedScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if not prev and redis.call('SCARD', KEYS[2]) == 0 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[3])
if prev == ARGV[1] then
	return 2
end
return 1
`)

// MarkEnded reports whether this call performed the transition to Ended.
// Of several racing callers exactly one sees true.
func (s *Store) MarkEnded(ctx context.Context, roomID string) (bool, error) {
	keys := []string{statusKey(roomID), usersKey(roomID), timerKey(roomID)}
	res, err := markEndedScript.Run(ctx, s.rdb, keys, string(StatusEnded)).Int()
	if err != nil {
		return false, fmt.Errorf("ending room: %w", err)
	}
	return res == 1, nil
}

// State assembles the lifecycle variant from the status and timer keys.
func (s *Store) State(ctx context.Context, roomID string) (State, error) {
	st, err := s.Status(ctx, roomID)
	if err != nil {
		return nil, err
	}
	limit, err := s.TimeLimit(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch st {
	case StatusStarted:
		remaining, _, err := s.Remaining(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return Started{TimeLimit: limit, TimeRemaining: remaining}, nil
	case StatusEnded:
		return Ended{TimeLimit: limit}, nil
	default:
		return Waiting{TimeLimit: limit}, nil
	}
}

// Cleanup deletes every key under the room's prefix and returns how many
// were removed. Room ids never contain ':' or glob characters, so the
// pattern cannot reach another room's keys.
func (s *Store) Cleanup(ctx context.Context, roomID string) (int, error) {
	pattern := fmt.Sprintf("room:%s:*", roomID)
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("scanning room keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("deleting room keys: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *Store) getInt(ctx context.Context, key string) (int, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return n, nil
}
