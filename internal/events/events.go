package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"coderoom/internal/rooms"
)

// Inbound event names.
const (
	JoinRoomEvent           = "joinRoom"
	CodeChangeEvent         = "userCodeChange"
	StartRoomEvent          = "startRoom"
	EndRoomEvent            = "endRoom"
	LeaveRoomEvent          = "leaveRoom"
	SubmissionCompleteEvent = "submissionComplete"
	DisconnectEvent         = "disconnect"
)

// Outbound event names.
const (
	UserListUpdateEvent       = "userListUpdate"
	LoadUserCodeEvent         = "loadUserCode"
	LoadAllCodesEvent         = "loadAllCodes"
	RoomStateUpdateEvent      = "roomStateUpdate"
	RoomStartedEvent          = "roomStarted"
	RoomEndedEvent            = "roomEnded"
	TimerUpdateEvent          = "timerUpdate"
	UserCodeUpdateEvent       = "userCodeUpdate"
	UserSubmissionUpdateEvent = "userSubmissionUpdate"
	ClearSubmissionsEvent     = "clearSubmissions"
	ContestEndedEvent         = "contestEnded"
	LoadSubmissionsEvent      = "loadSubmissions"
	ErrorEvent                = "error"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrMissingUser   = errors.New("missing username")
)

// Room ids become part of store keys and scan patterns, so they are kept
// to a plain alphabet.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound event ready to be encoded.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Command is a decoded inbound event. Each concrete type is routed to one
// coordinator transition.
type Command interface {
	Name() string
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type CodeChange struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Code     string `json:"code"`
}

// StartRoom carries the initiating user's problem binding. Username is
// optional; the connection's bound user is preferred.
type StartRoom struct {
	RoomID      string `json:"roomId"`
	TimeLimit   int    `json:"timeLimit"` // minutes
	Handle      string `json:"lcHandle"`
	ProblemSlug string `json:"targetSlug"`
	Username    string `json:"username,omitempty"`
}

type EndRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type SubmissionComplete struct {
	RoomID    string                 `json:"roomId"`
	Username  string                 `json:"username"`
	Status    rooms.SubmissionStatus `json:"status"`
	Timestamp int64                  `json:"timestamp"` // epoch ms, 0 means now
}

// Disconnect is synthesized by the transport when a connection closes.
type Disconnect struct{}

func (JoinRoom) Name() string           { return JoinRoomEvent }
func (CodeChange) Name() string         { return CodeChangeEvent }
func (StartRoom) Name() string          { return StartRoomEvent }
func (EndRoom) Name() string            { return EndRoomEvent }
func (LeaveRoom) Name() string          { return LeaveRoomEvent }
func (SubmissionComplete) Name() string { return SubmissionCompleteEvent }
func (Disconnect) Name() string         { return DisconnectEvent }

// Decode parses one inbound frame into its command. Start validation of the
// problem binding is left to the coordinator so it can answer with an error
// event.
func Decode(raw []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Event {
	case JoinRoomEvent:
		var c JoinRoom
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		c.Nickname = strings.TrimSpace(c.Nickname)
		return c, checkRoomUser(c.RoomID, c.Username)
	case CodeChangeEvent:
		var c CodeChange
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		return c, checkRoomUser(c.RoomID, c.Username)
	case StartRoomEvent:
		var c StartRoom
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		c.Handle = strings.TrimSpace(c.Handle)
		c.ProblemSlug = strings.TrimSpace(c.ProblemSlug)
		return c, checkRoom(c.RoomID)
	case EndRoomEvent:
		var c EndRoom
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		return c, checkRoom(c.RoomID)
	case LeaveRoomEvent:
		var c LeaveRoom
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		return c, checkRoomUser(c.RoomID, c.Username)
	case SubmissionCompleteEvent:
		var c SubmissionComplete
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		switch c.Status {
		case rooms.SubmissionSuccess, rooms.SubmissionFailed, rooms.SubmissionNone:
		default:
			return nil, fmt.Errorf("%w: submission status %q", ErrMalformed, c.Status)
		}
		return c, checkRoomUser(c.RoomID, c.Username)
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return nil
}

func checkRoom(roomID string) error {
	if !ValidRoomID(roomID) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	return nil
}

func checkRoomUser(roomID, username string) error {
	if err := checkRoom(roomID); err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" {
		return ErrMissingUser
	}
	return nil
}
