package session

import (
	"context"

	"coderoom/internal/rooms"
)

// Snapshot is a read-only view of a room for the HTTP API.
type Snapshot struct {
	RoomID        string                      `json:"roomId"`
	Status        rooms.Status                `json:"status"`
	TimeLimit     int                         `json:"timeLimit"`
	TimeRemaining *int                        `json:"timeRemaining"`
	Members       []rooms.Member              `json:"members"`
	Submissions   map[string]rooms.Submission `json:"submissions"`
}

// Snapshot reads the room without changing it. A room nobody has joined
// reads as an empty waiting room.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (Snapshot, error) {
	state, err := c.store.State(ctx, roomID)
	if err != nil {
		return Snapshot{}, c.fail("load_state", roomID, err)
	}
	members, err := c.store.Members(ctx, roomID)
	if err != nil {
		return Snapshot{}, c.fail("list_members", roomID, err)
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Username
	}
	subs, err := c.store.Submissions(ctx, roomID, names)
	if err != nil {
		return Snapshot{}, c.fail("load_submissions", roomID, err)
	}

	snap := Snapshot{
		RoomID:      roomID,
		Status:      state.Status(),
		TimeLimit:   state.Limit(),
		Members:     members,
		Submissions: subs,
	}
	if rem, ok := rooms.Remaining(state); ok {
		snap.TimeRemaining = &rem
	}
	return snap, nil
}
