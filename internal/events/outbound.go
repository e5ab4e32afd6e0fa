package events

import "coderoom/internal/rooms"

type UserCode struct {
	User string `json:"user"`
	Code string `json:"code"`
}

type RoomState struct {
	Status        rooms.Status `json:"status"`
	TimeLimit     int          `json:"timeLimit"`
	TimeRemaining *int         `json:"timeRemaining"`
}

type RoomStarted struct {
	TimeLimit int `json:"timeLimit"`
}

type TimerTick struct {
	TimeRemaining int `json:"timeRemaining"`
}

type ContestResult struct {
	Ranking []rooms.Submission `json:"ranking"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func UserList(members []rooms.Member) Message {
	if members == nil {
		members = []rooms.Member{}
	}
	return Message{Event: UserListUpdateEvent, Data: members}
}

func LoadUserCode(user, code string) Message {
	return Message{Event: LoadUserCodeEvent, Data: UserCode{User: user, Code: code}}
}

func LoadAllCodes(codes map[string]string) Message {
	if codes == nil {
		codes = map[string]string{}
	}
	return Message{Event: LoadAllCodesEvent, Data: codes}
}

// StateUpdate reports the lifecycle variant; timeRemaining is null unless
// the room is running.
func StateUpdate(s rooms.State) Message {
	payload := RoomState{Status: s.Status(), TimeLimit: s.Limit()}
	if rem, ok := rooms.Remaining(s); ok {
		payload.TimeRemaining = &rem
	}
	return Message{Event: RoomStateUpdateEvent, Data: payload}
}

func Started(timeLimit int) Message {
	return Message{Event: RoomStartedEvent, Data: RoomStarted{TimeLimit: timeLimit}}
}

func Ended() Message {
	return Message{Event: RoomEndedEvent}
}

func Tick(remaining int) Message {
	return Message{Event: TimerUpdateEvent, Data: TimerTick{TimeRemaining: remaining}}
}

func CodeUpdate(user, code string) Message {
	return Message{Event: UserCodeUpdateEvent, Data: UserCode{User: user, Code: code}}
}

func SubmissionUpdate(sub rooms.Submission) Message {
	return Message{Event: UserSubmissionUpdateEvent, Data: sub}
}

func SubmissionsCleared() Message {
	return Message{Event: ClearSubmissionsEvent}
}

func ContestEnded(ranking []rooms.Submission) Message {
	if ranking == nil {
		ranking = []rooms.Submission{}
	}
	return Message{Event: ContestEndedEvent, Data: ContestResult{Ranking: ranking}}
}

func LoadSubmissions(subs map[string]rooms.Submission) Message {
	if subs == nil {
		subs = map[string]rooms.Submission{}
	}
	return Message{Event: LoadSubmissionsEvent, Data: subs}
}

func Error(msg string) Message {
	return Message{Event: ErrorEvent, Data: ErrorPayload{Message: msg}}
}
