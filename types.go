package instill

import (
	"fmt"
	"log"
)

const UnknownLeader = "UNKNOWN"

type role int

const (
	Follower role = iota
	Learner
	Candidate
	Leader
)

func (r role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Learner:
		return "Learner"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		log.Fatalf("Unknown role: %d", int(r))
		return "" // Unreachable
	}
}

// LogId identifies a log position as a (term, index) pair.
type LogId struct {
	Term  uint64
	Index uint64
}

func (id LogId) String() string {
	return fmt.Sprintf("(%d,%d)", id.Term, id.Index)
}

// lessEq orders optional log ids lexicographically by (term, index), with
// absence ordering before any present id.
func lessEq(a, b *LogId) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	if a.Term != b.Term {
		return a.Term < b.Term
	}
	return a.Index <= b.Index
}

func maxLogId(a, b *LogId) *LogId {
	if lessEq(a, b) {
		return b
	}
	return a
}

// nextIndex is the index right after id, or the first index if id is absent.
func nextIndex(id *LogId) uint64 {
	if id == nil {
		return 0
	}
	return id.Index + 1
}

func cloneLogId(id *LogId) *LogId {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// LogEntry is a single replicated log record.
type LogEntry struct {
	Term  uint64
	Index uint64
	Data  []byte
}

func (e *LogEntry) LogId() LogId {
	return LogId{Term: e.Term, Index: e.Index}
}

// HardState is the durably persisted part of the node's runtime state.
type HardState struct {
	Term     uint64
	VotedFor string
}

// Membership is the cluster configuration carried by snapshots.
type Membership struct {
	Voters   []string
	Learners []string
}

// SnapshotMeta describes the log position a snapshot represents. A nil
// LastLogId means the snapshot represents the empty log.
type SnapshotMeta struct {
	SnapshotId string
	LastLogId  *LogId
}

func (m *SnapshotMeta) String() string {
	if m.LastLogId == nil {
		return fmt.Sprintf("{id: %s, lastLogId: none}", m.SnapshotId)
	}
	return fmt.Sprintf("{id: %s, lastLogId: %v}", m.SnapshotId, *m.LastLogId)
}

// SnapshotSegmentId names a byte-offset checkpoint within one snapshot
// stream. Used when reporting stream mismatches back to the leader.
type SnapshotSegmentId struct {
	Id     string
	Offset uint64
}

func (s SnapshotSegmentId) String() string {
	return fmt.Sprintf("%s+%d", s.Id, s.Offset)
}

type InstallSnapshotRequest struct {
	Term     uint64
	LeaderId string
	Meta     *SnapshotMeta
	Offset   uint64
	Data     []byte
	Done     bool
}

func (r *InstallSnapshotRequest) String() string {
	return fmt.Sprintf("{term: %d, leader: %s, meta: %v, offset: %d, len(data): %d, done: %t}",
		r.Term, r.LeaderId, r.Meta, r.Offset, len(r.Data), r.Done)
}

// InstallSnapshotResponse carries LastApplied only once the snapshot (or an
// already-current one) is durably reflected in the state machine; a nil
// LastApplied means the stream is still in progress.
type InstallSnapshotResponse struct {
	Term        uint64
	LastApplied *LogId
}
