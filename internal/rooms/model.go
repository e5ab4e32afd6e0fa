package rooms

type Status string

const (
	StatusWaiting = Status("waiting")
	StatusStarted = Status("started")
	StatusEnded   = Status("ended")
)

// State is the room lifecycle as a closed set of variants. Only Started
// carries a remaining time, so a started room without a countdown cannot
// be constructed.
type State interface {
	Status() Status
	Limit() int
	isState()
}

type Waiting struct {
	TimeLimit int // minutes
}

type Started struct {
	TimeLimit     int // minutes
	TimeRemaining int // seconds
}

type Ended struct {
	TimeLimit int // minutes
}

func (Waiting) Status() Status { return StatusWaiting }
func (Started) Status() Status { return StatusStarted }
func (Ended) Status() Status   { return StatusEnded }

func (s Waiting) Limit() int { return s.TimeLimit }
func (s Started) Limit() int { return s.TimeLimit }
func (s Ended) Limit() int   { return s.TimeLimit }

func (Waiting) isState() {}
func (Started) isState() {}
func (Ended) isState()   {}

// Remaining returns the countdown of a started room.
func Remaining(s State) (int, bool) {
	if st, ok := s.(Started); ok {
		return st.TimeRemaining, true
	}
	return 0, false
}

type SubmissionStatus string

const (
	SubmissionNone    = SubmissionStatus("none")
	SubmissionSuccess = SubmissionStatus("success")
	SubmissionFailed  = SubmissionStatus("failed")
)

// Terminal reports whether the status resolves a participant's attempt.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionSuccess || s == SubmissionFailed
}

type Submission struct {
	User      string           `json:"user"`
	Nickname  string           `json:"nickname"`
	Status    SubmissionStatus `json:"status"`
	Timestamp *int64           `json:"timestamp"` // epoch ms
}

type ProblemBinding struct {
	ExternalHandle string `json:"lcHandle"`
	ProblemSlug    string `json:"targetSlug"`
}

type Member struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}
