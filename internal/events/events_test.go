package events

import (
	"testing"

	"coderoom/internal/rooms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Commands(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Command
	}{
		{
			name: "join",
			raw:  `{"event":"joinRoom","data":{"roomId":"r1","username":"alice","nickname":" Ace "}}`,
			want: JoinRoom{RoomID: "r1", Username: "alice", Nickname: "Ace"},
		},
		{
			name: "code change",
			raw:  `{"event":"userCodeChange","data":{"roomId":"r1","username":"alice","code":"x=1"}}`,
			want: CodeChange{RoomID: "r1", Username: "alice", Code: "x=1"},
		},
		{
			name: "start",
			raw:  `{"event":"startRoom","data":{"roomId":"r1","timeLimit":5,"lcHandle":"ace","targetSlug":"two-sum"}}`,
			want: StartRoom{RoomID: "r1", TimeLimit: 5, Handle: "ace", ProblemSlug: "two-sum"},
		},
		{
			name: "start without slug still decodes",
			raw:  `{"event":"startRoom","data":{"roomId":"r1","timeLimit":5,"lcHandle":"ace","targetSlug":""}}`,
			want: StartRoom{RoomID: "r1", TimeLimit: 5, Handle: "ace"},
		},
		{
			name: "end",
			raw:  `{"event":"endRoom","data":{"roomId":"r1"}}`,
			want: EndRoom{RoomID: "r1"},
		},
		{
			name: "leave",
			raw:  `{"event":"leaveRoom","data":{"roomId":"r1","username":"bob"}}`,
			want: LeaveRoom{RoomID: "r1", Username: "bob"},
		},
		{
			name: "submission",
			raw:  `{"event":"submissionComplete","data":{"roomId":"r1","username":"bob","status":"success","timestamp":123}}`,
			want: SubmissionComplete{RoomID: "r1", Username: "bob", Status: rooms.SubmissionSuccess, Timestamp: 123},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"no event", `{"data":{}}`, ErrMalformed},
		{"no data", `{"event":"endRoom"}`, ErrMalformed},
		{"wrong type", `{"event":"startRoom","data":{"roomId":"r1","timeLimit":"ten"}}`, ErrMalformed},
		{"unknown", `{"event":"explode","data":{}}`, ErrUnknownEvent},
		{"client disconnect", `{"event":"disconnect","data":{}}`, ErrUnknownEvent},
		{"empty room", `{"event":"endRoom","data":{"roomId":""}}`, ErrInvalidRoomID},
		{"glob room", `{"event":"endRoom","data":{"roomId":"r*"}}`, ErrInvalidRoomID},
		{"colon room", `{"event":"joinRoom","data":{"roomId":"a:b","username":"x"}}`, ErrInvalidRoomID},
		{"missing user", `{"event":"leaveRoom","data":{"roomId":"r1","username":"  "}}`, ErrMissingUser},
		{"bad status", `{"event":"submissionComplete","data":{"roomId":"r1","username":"bob","status":"maybe"}}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidRoomID(t *testing.T) {
	assert.True(t, ValidRoomID("3f2b8c1e-7a4d-4f7e-9c2a-0d9e8b7a6c5f"))
	assert.True(t, ValidRoomID("ABCD"))
	assert.False(t, ValidRoomID("room 1"))
	assert.False(t, ValidRoomID("[a]"))
}

func TestMessage_Encode(t *testing.T) {
	data, err := Tick(42).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"timerUpdate","data":{"timeRemaining":42}}`, string(data))

	data, err = Ended().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"roomEnded"}`, string(data))

	data, err = Error("nope").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","data":{"message":"nope"}}`, string(data))
}

func TestStateUpdate(t *testing.T) {
	data, err := StateUpdate(rooms.Started{TimeLimit: 2, TimeRemaining: 90}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"roomStateUpdate","data":{"status":"started","timeLimit":2,"timeRemaining":90}}`, string(data))

	data, err = StateUpdate(rooms.Waiting{}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"roomStateUpdate","data":{"status":"waiting","timeLimit":0,"timeRemaining":null}}`, string(data))
}

func TestContestEnded_EmptyRanking(t *testing.T) {
	data, err := ContestEnded(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"contestEnded","data":{"ranking":[]}}`, string(data))
}

func TestEmptyCollectionsEncodeAsJSON(t *testing.T) {
	data, err := UserList(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"userListUpdate","data":[]}`, string(data))

	data, err = LoadAllCodes(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"loadAllCodes","data":{}}`, string(data))

	data, err = LoadSubmissions(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"loadSubmissions","data":{}}`, string(data))
}
