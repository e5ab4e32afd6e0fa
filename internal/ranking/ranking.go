package ranking

import (
	"sort"

	"coderoom/internal/rooms"
)

// Records builds one record per member, in member order. Members without a
// stored submission get status none and no timestamp.
func Records(members []rooms.Member, subs map[string]rooms.Submission) []rooms.Submission {
	records := make([]rooms.Submission, 0, len(members))
	for _, m := range members {
		sub, ok := subs[m.Username]
		if !ok {
			sub = rooms.Submission{User: m.Username, Status: rooms.SubmissionNone}
		}
		if sub.User == "" {
			sub.User = m.Username
		}
		if sub.Nickname == "" {
			sub.Nickname = m.Nickname
		}
		if sub.Status == "" {
			sub.Status = rooms.SubmissionNone
		}
		records = append(records, sub)
	}
	return records
}

// Rank orders records for the final standings: successes first by earliest
// timestamp, then everything else by timestamp with missing timestamps last.
// Equal keys keep their input order. The input slice is not modified.
func Rank(records []rooms.Submission) []rooms.Submission {
	out := make([]rooms.Submission, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

// Compute is Records followed by Rank.
func Compute(members []rooms.Member, subs map[string]rooms.Submission) []rooms.Submission {
	return Rank(Records(members, subs))
}

func less(a, b rooms.Submission) bool {
	aw, bw := a.Status == rooms.SubmissionSuccess, b.Status == rooms.SubmissionSuccess
	if aw != bw {
		return aw
	}
	switch {
	case a.Timestamp == nil:
		return false
	case b.Timestamp == nil:
		return true
	default:
		return *a.Timestamp < *b.Timestamp
	}
}
