package instill

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func newTestNode(t *testing.T, storage Storage) *Node {
	t.Helper()
	n, err := New(Config{Id: "n1", Storage: storage})
	assert.NilError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func testPayload(data string) []byte {
	return EncodeSnapshotPayload(&Membership{Voters: []string{"n1", "n2", "n3"}}, []byte(data))
}

func chunk(term uint64, meta *SnapshotMeta, offset uint64, data []byte, done bool) *InstallSnapshotRequest {
	return &InstallSnapshotRequest{
		Term:     term,
		LeaderId: "n2",
		Meta:     meta,
		Offset:   offset,
		Data:     data,
		Done:     done,
	}
}

func TestStaleTermRejected(t *testing.T) {
	storage := MemoryStorage()
	assert.NilError(t, storage.SaveHardState(&HardState{Term: 5, VotedFor: "n3"}))

	n := newTestNode(t, storage)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 3, Index: 9}}
	resp, err := n.InstallSnapshot(chunk(3, meta, 0, testPayload("abc"), true))
	assert.NilError(t, err)
	assert.Equal(t, resp.Term, uint64(5))
	assert.Assert(t, resp.LastApplied == nil)

	// Nothing was installed or adopted.
	assert.Assert(t, n.LastApplied() == nil)
	assert.Equal(t, n.LeaderId(), UnknownLeader)
	assert.Equal(t, n.CurrentTerm(), uint64(5))
}

func TestTermAdoption(t *testing.T) {
	storage := MemoryStorage()
	assert.NilError(t, storage.SaveHardState(&HardState{Term: 5, VotedFor: "n3"}))

	n := newTestNode(t, storage)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 7, Index: 9}}
	resp, err := n.InstallSnapshot(chunk(7, meta, 0, testPayload("abc"), true))
	assert.NilError(t, err)
	assert.Equal(t, resp.Term, uint64(7))
	assert.Equal(t, n.CurrentTerm(), uint64(7))
	assert.Equal(t, n.LeaderId(), "n2")

	// The adopted term is durable and the prior vote is forgotten.
	state, err := storage.HardState()
	assert.NilError(t, err)
	assert.Equal(t, *state, HardState{Term: 7, VotedFor: ""})
}

func TestCandidateStepsDown(t *testing.T) {
	n := newTestNode(t, MemoryStorage())

	n.mut.Lock()
	n.role = Candidate
	n.currentTerm = 2
	n.mut.Unlock()

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 3}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("abc"), true))
	assert.NilError(t, err)
	assert.Equal(t, n.Role(), Follower)
}

func TestSingleChunkInstall(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	resp, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("state"), true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 5})

	assert.Equal(t, *n.LastApplied(), LogId{Term: 2, Index: 5})
	assert.Equal(t, *n.Committed(), LogId{Term: 2, Index: 5})
	assert.Equal(t, *n.LastLogId(), LogId{Term: 2, Index: 5})
	assert.Equal(t, *n.SnapshotLastLogId(), LogId{Term: 2, Index: 5})
	assert.DeepEqual(t, n.Membership().Voters, []string{"n1", "n2", "n3"})
	assert.DeepEqual(t, storage.(*memoryStorage).StateMachineData(), []byte("state"))
}

func TestMultiChunkInstall(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	payload := testPayload("a longer state machine image")
	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}

	mid := len(payload) / 2
	resp, err := n.InstallSnapshot(chunk(2, meta, 0, payload[:mid], false))
	assert.NilError(t, err)
	assert.Assert(t, resp.LastApplied == nil)
	assert.Assert(t, n.LastApplied() == nil)

	resp, err = n.InstallSnapshot(chunk(2, meta, uint64(mid), payload[mid:], true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 5})
	assert.DeepEqual(t, storage.(*memoryStorage).StateMachineData(), []byte("a longer state machine image"))
}

func TestChunkMismatchRejected(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	payload := testPayload("image")
	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, payload[:3], false))
	assert.NilError(t, err)

	// A mid-stream chunk of a different snapshot does not displace the
	// in-progress one.
	other := &SnapshotMeta{SnapshotId: "s2", LastLogId: &LogId{Term: 2, Index: 7}}
	_, err = n.InstallSnapshot(chunk(2, other, 3, []byte("xyz"), false))
	var mismatch *SnapshotMismatchError
	assert.Assert(t, errors.As(err, &mismatch))
	assert.Equal(t, mismatch.Expect, SnapshotSegmentId{Id: "s1", Offset: 3})
	assert.Equal(t, mismatch.Got, SnapshotSegmentId{Id: "s2", Offset: 3})

	// The original stream is still live.
	resp, err := n.InstallSnapshot(chunk(2, meta, 3, payload[3:], true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 5})
	assert.DeepEqual(t, storage.(*memoryStorage).StateMachineData(), []byte("image"))
}

func TestBeginAtNonzeroOffsetRejected(t *testing.T) {
	n := newTestNode(t, MemoryStorage())

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err := n.InstallSnapshot(chunk(2, meta, 4, []byte("late"), false))
	var mismatch *SnapshotMismatchError
	assert.Assert(t, errors.As(err, &mismatch))
	assert.Equal(t, mismatch.Expect, SnapshotSegmentId{Id: "s1", Offset: 0})
}

type sinkRecordingStorage struct {
	Storage
	sinks []*memorySink
}

func (s *sinkRecordingStorage) BeginReceivingSnapshot() (SnapshotSink, error) {
	sink, err := s.Storage.BeginReceivingSnapshot()
	if err != nil {
		return nil, err
	}
	s.sinks = append(s.sinks, sink.(*memorySink))
	return sink, nil
}

func TestNewStreamSupersedesOldOne(t *testing.T) {
	storage := &sinkRecordingStorage{Storage: MemoryStorage()}
	n := newTestNode(t, storage)

	oldMeta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err := n.InstallSnapshot(chunk(2, oldMeta, 0, []byte("old"), false))
	assert.NilError(t, err)

	payload := testPayload("new image")
	newMeta := &SnapshotMeta{SnapshotId: "s2", LastLogId: &LogId{Term: 2, Index: 7}}
	_, err = n.InstallSnapshot(chunk(2, newMeta, 0, payload[:4], false))
	assert.NilError(t, err)

	// The superseded sink was closed.
	assert.Equal(t, len(storage.sinks), 2)
	assert.Assert(t, storage.sinks[0].closed)

	resp, err := n.InstallSnapshot(chunk(2, newMeta, 4, payload[4:], true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 7})
}

func TestResumeBySeekingBack(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	payload := testPayload("resumable image")
	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}

	_, err := n.InstallSnapshot(chunk(2, meta, 0, payload[:6], false))
	assert.NilError(t, err)
	_, err = n.InstallSnapshot(chunk(2, meta, 6, payload[6:10], false))
	assert.NilError(t, err)

	// The leader lost our last response and retransmits from offset 6.
	_, err = n.InstallSnapshot(chunk(2, meta, 6, payload[6:10], false))
	assert.NilError(t, err)

	resp, err := n.InstallSnapshot(chunk(2, meta, 10, payload[10:], true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 5})
	assert.DeepEqual(t, storage.(*memoryStorage).StateMachineData(), []byte("resumable image"))
}

func TestStaleSnapshotNotReinstalled(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 10}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("current"), true))
	assert.NilError(t, err)

	// A duplicate delivery of an older snapshot is acknowledged but must
	// not roll the state machine back.
	stale := &SnapshotMeta{SnapshotId: "s0", LastLogId: &LogId{Term: 2, Index: 5}}
	resp, err := n.InstallSnapshot(chunk(2, stale, 0, testPayload("older"), true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 10})
	assert.DeepEqual(t, storage.(*memoryStorage).StateMachineData(), []byte("current"))
}

func TestConflictingLogDeleted(t *testing.T) {
	storage := MemoryStorage()
	var entries []*LogEntry
	for i := uint64(0); i <= 6; i++ {
		entries = append(entries, &LogEntry{Term: 1, Index: i, Data: []byte{byte(i)}})
	}
	assert.NilError(t, storage.AppendEntries(entries))

	n := newTestNode(t, storage)

	// The snapshot's last log id disagrees with the local entry at the
	// same index, so the local suffix is divergent leader history.
	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("img"), true))
	assert.NilError(t, err)

	remaining, err := storage.GetLogEntries(0, 100)
	assert.NilError(t, err)
	assert.Equal(t, len(remaining), 0)
	assert.Equal(t, *n.LastLogId(), LogId{Term: 2, Index: 5})
}

func TestMatchingLogKeptPastSnapshot(t *testing.T) {
	storage := MemoryStorage()
	var entries []*LogEntry
	for i := uint64(0); i <= 6; i++ {
		entries = append(entries, &LogEntry{Term: 1, Index: i, Data: []byte{byte(i)}})
	}
	assert.NilError(t, storage.AppendEntries(entries))

	n := newTestNode(t, storage)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 1, Index: 5}}
	_, err := n.InstallSnapshot(chunk(1, meta, 0, testPayload("img"), true))
	assert.NilError(t, err)

	// Covered entries are purged, the matching suffix survives.
	remaining, err := storage.GetLogEntries(0, 100)
	assert.NilError(t, err)
	assert.Equal(t, len(remaining), 1)
	assert.Equal(t, remaining[0].Index, uint64(6))
	assert.Equal(t, *n.LastLogId(), LogId{Term: 1, Index: 6})
	assert.Equal(t, *n.Committed(), LogId{Term: 1, Index: 5})
}

func TestNotifyAppliedIsMonotonic(t *testing.T) {
	n := newTestNode(t, MemoryStorage())

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 10}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("img"), true))
	assert.NilError(t, err)

	// A laggard apply that raced the install must not regress the marker.
	n.NotifyApplied(LogId{Term: 1, Index: 3})
	assert.Equal(t, *n.LastApplied(), LogId{Term: 2, Index: 10})

	n.NotifyApplied(LogId{Term: 2, Index: 12})
	assert.Equal(t, *n.LastApplied(), LogId{Term: 2, Index: 12})
}

type failingSink struct {
	SnapshotSink
	failures int
}

func (s *failingSink) Write(p []byte) (int, error) {
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("disk full")
	}
	return s.SnapshotSink.Write(p)
}

type failingSinkStorage struct {
	Storage
	writeFailures int
}

func (s *failingSinkStorage) BeginReceivingSnapshot() (SnapshotSink, error) {
	sink, err := s.Storage.BeginReceivingSnapshot()
	if err != nil {
		return nil, err
	}
	return &failingSink{SnapshotSink: sink, failures: s.writeFailures}, nil
}

func (s *failingSinkStorage) InstallSnapshot(meta *SnapshotMeta, sink SnapshotSink) (*LogId, error) {
	return s.Storage.InstallSnapshot(meta, sink.(*failingSink).SnapshotSink)
}

func TestRecoverableWriteFailureAllowsRetry(t *testing.T) {
	storage := &failingSinkStorage{Storage: MemoryStorage()}
	n := newTestNode(t, storage)

	payload := testPayload("image")
	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, payload[:3], false))
	assert.NilError(t, err)

	// Inject one write failure into the live sink.
	n.mut.Lock()
	n.stream.(*streamingState).sink.(*failingSink).failures = 1
	n.mut.Unlock()

	_, err = n.InstallSnapshot(chunk(2, meta, 3, payload[3:], true))
	var storageErr *StorageError
	assert.Assert(t, errors.As(err, &storageErr))
	assert.Assert(t, !IsFatal(err))

	// The stream survived; the retried chunk completes the install.
	resp, err := n.InstallSnapshot(chunk(2, meta, 3, payload[3:], true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 5})
}

type failingHardStateStorage struct {
	Storage
}

func (s *failingHardStateStorage) SaveHardState(state *HardState) error {
	return errors.New("disk full")
}

func TestHardStateSaveFailureIsRecoverable(t *testing.T) {
	storage := &failingHardStateStorage{Storage: MemoryStorage()}
	n := newTestNode(t, storage)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("img"), true))

	// The failure names the hard-state write, not the snapshot stream,
	// and the unsaved term is not adopted in memory.
	var serr *StorageError
	assert.Assert(t, errors.As(err, &serr))
	assert.Assert(t, serr.Meta == nil)
	assert.Equal(t, serr.Verb, verbSaveState)
	assert.Assert(t, !IsFatal(err))
	assert.Equal(t, n.CurrentTerm(), uint64(0))
}

type failingInstallStorage struct {
	Storage
}

func (s *failingInstallStorage) InstallSnapshot(meta *SnapshotMeta, sink SnapshotSink) (*LogId, error) {
	return nil, errors.New("torn write")
}

func TestInstallFailureIsFatal(t *testing.T) {
	storage := &failingInstallStorage{Storage: MemoryStorage()}

	var fatalErr error
	n, err := New(Config{
		Id:      "n1",
		Storage: storage,
		OnFatal: func(err error) { fatalErr = err },
	})
	assert.NilError(t, err)
	defer n.Close()

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	_, err = n.InstallSnapshot(chunk(2, meta, 0, testPayload("img"), true))
	assert.Assert(t, IsFatal(err))
	assert.Assert(t, fatalErr != nil)
}

func TestMissingMembershipPanics(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	defer func() {
		assert.Assert(t, recover() != nil)
	}()

	// A snapshot with no membership configuration violates the protocol:
	// every snapshot must carry the membership at its last log id.
	payload := EncodeSnapshotPayload(nil, []byte("img"))
	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	n.InstallSnapshot(chunk(2, meta, 0, payload, true))
	t.Fatal("expected a panic")
}

func TestLeaderStreamCancelsLocalBuild(t *testing.T) {
	storage := MemoryStorage()
	n := newTestNode(t, storage)

	cancelled := make(chan struct{})
	err := n.BeginLocalSnapshot(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	assert.NilError(t, err)

	// No second snapshot activity while one is in progress.
	err = n.BeginLocalSnapshot(func(ctx context.Context) error { return nil })
	assert.Assert(t, err != nil)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 5}}
	resp, err := n.InstallSnapshot(chunk(2, meta, 0, testPayload("img"), true))
	assert.NilError(t, err)
	assert.Equal(t, *resp.LastApplied, LogId{Term: 2, Index: 5})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("local build was not cancelled")
	}
}
