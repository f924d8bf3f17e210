package instill

import (
	"testing"

	"gotest.tools/v3/assert"
)

func openTestBadger(t *testing.T) Storage {
	t.Helper()
	storage, err := OpenBadgerStorage(BadgerOptions{Dir: t.TempDir()})
	assert.NilError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestBadgerHardState(t *testing.T) {
	storage := openTestBadger(t)

	state, err := storage.HardState()
	assert.NilError(t, err)
	assert.Assert(t, state == nil)

	assert.NilError(t, storage.SaveHardState(&HardState{Term: 4, VotedFor: "n2"}))

	state, err = storage.HardState()
	assert.NilError(t, err)
	assert.Equal(t, *state, HardState{Term: 4, VotedFor: "n2"})
}

func TestBadgerLogRoundtrip(t *testing.T) {
	storage := openTestBadger(t)

	assert.NilError(t, storage.AppendEntries(makeEntries(1, 0, 9)))

	entries, err := storage.GetLogEntries(2, 5)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 4)
	assert.Equal(t, entries[0].Index, uint64(2))

	id, err := storage.LastLogId()
	assert.NilError(t, err)
	assert.Equal(t, *id, LogId{Term: 1, Index: 9})
}

func TestBadgerDeleteAndPurge(t *testing.T) {
	storage := openTestBadger(t)

	assert.NilError(t, storage.AppendEntries(makeEntries(1, 0, 9)))

	assert.NilError(t, storage.DeleteLogEntriesFrom(7))
	id, err := storage.LastLogId()
	assert.NilError(t, err)
	assert.Equal(t, *id, LogId{Term: 1, Index: 6})

	assert.NilError(t, storage.PurgeLogUpTo(LogId{Term: 1, Index: 3}))
	entries, err := storage.GetLogEntries(0, 100)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 3)
	assert.Equal(t, entries[0].Index, uint64(4))
}

func TestBadgerSnapshotInstall(t *testing.T) {
	storage := openTestBadger(t)

	sink, err := storage.BeginReceivingSnapshot()
	assert.NilError(t, err)

	payload := EncodeSnapshotPayload(&Membership{Voters: []string{"a", "b"}, Learners: []string{"c"}}, []byte("image"))
	_, err = sink.Write(payload)
	assert.NilError(t, err)
	assert.NilError(t, sink.Close())

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 2, Index: 11}}
	applied, err := storage.InstallSnapshot(meta, sink)
	assert.NilError(t, err)
	assert.Equal(t, *applied, LogId{Term: 2, Index: 11})

	recovered, err := storage.LastSnapshotMeta()
	assert.NilError(t, err)
	assert.Equal(t, recovered.SnapshotId, "s1")

	membership, err := storage.ReadMembership()
	assert.NilError(t, err)
	assert.DeepEqual(t, membership.Voters, []string{"a", "b"})
	assert.DeepEqual(t, membership.Learners, []string{"c"})

	// LastLogId falls back to the snapshot when the log is empty.
	id, err := storage.LastLogId()
	assert.NilError(t, err)
	assert.Equal(t, *id, LogId{Term: 2, Index: 11})
}

func TestBadgerInstallRequiresClosedSink(t *testing.T) {
	storage := openTestBadger(t)

	sink, err := storage.BeginReceivingSnapshot()
	assert.NilError(t, err)
	_, err = sink.Write(testPayload("img"))
	assert.NilError(t, err)

	meta := &SnapshotMeta{SnapshotId: "s1", LastLogId: &LogId{Term: 1, Index: 1}}
	_, err = storage.InstallSnapshot(meta, sink)
	assert.Assert(t, err != nil)
}
