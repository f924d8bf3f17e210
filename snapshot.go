package instill

import (
	"fmt"
)

// InstallSnapshot handles one chunk of a leader-pushed snapshot stream.
// Leaders send chunks in order; retransmitted or resumed chunks carry the
// byte offset they start at. Recoverable failures leave the stream state as
// it was so a retried request resumes correctly; failures past the final
// chunk's close are fatal and trigger node shutdown.
func (n *Node) InstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.logger.Debugf("Received InstallSnapshot(%v), state=%v", req, n)

	if n.closed {
		return nil, ErrClosed
	}

	// An outdated leader is not honored.
	if req.Term < n.currentTerm {
		return &InstallSnapshotResponse{Term: n.currentTerm}, nil
	}

	// This RPC counts as leader liveness.
	n.electionTimer.reset()

	reportMetrics := false
	if req.Term > n.currentTerm {
		if err := n.storage.SaveHardState(&HardState{Term: req.Term}); err != nil {
			return nil, storageErr(nil, verbSaveState, err)
		}
		n.currentTerm = req.Term
		n.votedFor = ""
		reportMetrics = true
	}

	if n.leaderId != req.LeaderId {
		n.logger.Infof("Changed leadership (%s -> %s), state=%v", n.leaderId, req.LeaderId, n)
		n.leaderId = req.LeaderId
		n.metrics.leaderChanges.Inc()
		reportMetrics = true
	}

	if n.role != Follower && n.role != Learner {
		n.logger.Infof("Transitioning to Follower at (%d), state=%v", n.currentTerm, n)
		n.role = Follower
	}

	if reportMetrics {
		n.metrics.report(n.currentTerm, n.lastApplied, n.committed)
	}

	res, err := n.dispatchSnapshotChunk(req)
	if err != nil && IsFatal(err) {
		n.fatal(err)
	}
	return res, err
}

func (n *Node) dispatchSnapshotChunk(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	switch s := n.stream.(type) {
	case idleState:
		return n.beginInstallingSnapshot(req)
	case *buildingState:
		// The leader's snapshot takes precedence over the local build.
		// Signal cancellation, don't wait for it.
		s.cancel()
		n.stream = idleState{}
		return n.beginInstallingSnapshot(req)
	case *streamingState:
		if req.Meta.SnapshotId == s.id {
			return n.continueInstallingSnapshot(req, s)
		}
		if req.Offset == 0 {
			// The leader started a new stream; drop the old one.
			n.logger.Infof("Snapshot stream %s superseded by %s", s.id, req.Meta.SnapshotId)
			n.stream = idleState{}
			if err := s.sink.Close(); err != nil {
				n.logger.Warnf("Error closing superseded snapshot sink %s: %v", s.id, err)
			}
			return n.beginInstallingSnapshot(req)
		}
		n.metrics.snapshotRejects.Inc()
		return nil, &SnapshotMismatchError{
			Expect: SnapshotSegmentId{Id: s.id, Offset: s.offset},
			Got:    SnapshotSegmentId{Id: req.Meta.SnapshotId, Offset: req.Offset},
		}
	default:
		panic(fmt.Errorf("unexpected stream state %T", s))
	}
}

func (n *Node) beginInstallingSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	if req.Offset > 0 {
		n.metrics.snapshotRejects.Inc()
		return nil, &SnapshotMismatchError{
			Expect: SnapshotSegmentId{Id: req.Meta.SnapshotId, Offset: 0},
			Got:    SnapshotSegmentId{Id: req.Meta.SnapshotId, Offset: req.Offset},
		}
	}

	sink, err := n.storage.BeginReceivingSnapshot()
	if err != nil {
		return nil, storageErr(req.Meta, verbOpen, err)
	}

	if _, err := sink.Write(req.Data); err != nil {
		if cerr := sink.Close(); cerr != nil {
			n.logger.Warnf("Error closing snapshot sink %s: %v", req.Meta.SnapshotId, cerr)
		}
		return nil, storageErr(req.Meta, verbWrite, err)
	}
	n.metrics.snapshotBytes.Add(float64(len(req.Data)))

	// A small snapshot may arrive whole in one chunk.
	if req.Done {
		if err := n.finalizeSnapshotInstallation(req, sink); err != nil {
			return nil, err
		}
		return &InstallSnapshotResponse{Term: n.currentTerm, LastApplied: cloneLogId(n.lastApplied)}, nil
	}

	n.stream = &streamingState{
		id:     req.Meta.SnapshotId,
		offset: uint64(len(req.Data)),
		sink:   sink,
	}
	return &InstallSnapshotResponse{Term: n.currentTerm}, nil
}

func (n *Node) continueInstallingSnapshot(req *InstallSnapshotRequest, s *streamingState) (*InstallSnapshotResponse, error) {
	// Seek to the target offset if not an exact match; this is how a leader
	// retransmission or resume lands at the right position.
	if req.Offset != s.offset {
		if err := s.sink.Seek(req.Offset); err != nil {
			return nil, storageErr(req.Meta, verbSeek, err)
		}
		s.offset = req.Offset
	}

	if _, err := s.sink.Write(req.Data); err != nil {
		return nil, storageErr(req.Meta, verbWrite, err)
	}
	s.offset += uint64(len(req.Data))
	n.metrics.snapshotBytes.Add(float64(len(req.Data)))

	if req.Done {
		if err := n.finalizeSnapshotInstallation(req, s.sink); err != nil {
			return nil, err
		}
		return &InstallSnapshotResponse{Term: n.currentTerm, LastApplied: cloneLogId(n.lastApplied)}, nil
	}
	return &InstallSnapshotResponse{Term: n.currentTerm}, nil
}

// finalizeSnapshotInstallation durably installs a fully received snapshot
// and brings the node's markers into a consistent post-install state. Any
// error from here on is fatal: past the sink close the node cannot know
// whether the snapshot is durably written, and a half-installed state
// machine must never be trusted.
func (n *Node) finalizeSnapshotInstallation(req *InstallSnapshotRequest, sink SnapshotSink) error {
	n.logger.Infof("Finalizing snapshot installation: %v", req.Meta)

	n.stream = idleState{}

	if err := sink.Close(); err != nil {
		return fatal(storageErr(req.Meta, verbClose, err))
	}

	// A duplicate or superseded snapshot must never roll state backward.
	if lessEq(req.Meta.LastLogId, n.lastApplied) {
		n.logger.Infof("Skipping snapshot install: meta.lastLogId(%v) <= lastApplied(%v)",
			req.Meta.LastLogId, n.lastApplied)
		return nil
	}

	// lessEq above rules out a nil LastLogId past this point.
	last := req.Meta.LastLogId
	entries, err := n.storage.GetLogEntries(last.Index, last.Index)
	if err != nil {
		return fatal(storageErr(req.Meta, verbRead, err))
	}

	matches := len(entries) > 0 && entries[0].LogId() == *last
	if !matches {
		// The local log diverged from the leader's history at or before
		// last. Delete everything after lastApplied; applied entries are
		// consistent with any valid leader and stay.
		next := nextIndex(n.lastApplied)
		nextEntries, err := n.storage.GetLogEntries(next, next)
		if err != nil {
			return fatal(storageErr(req.Meta, verbRead, err))
		}
		if len(nextEntries) > 0 {
			conflict := nextEntries[0].LogId()
			n.logger.Infof("Deleting conflicting log entries from %v", conflict)
			if err := n.storage.DeleteLogEntriesFrom(conflict.Index); err != nil {
				return fatal(storageErr(req.Meta, verbWrite, err))
			}
		}
	}

	newApplied, err := n.storage.InstallSnapshot(req.Meta, sink)
	if err != nil {
		return fatal(storageErr(req.Meta, verbWrite, err))
	}
	n.metrics.snapshotInstalls.Inc()

	// Entries covered by the snapshot are redundant. A purge failure only
	// delays compaction; the install is already durable.
	if newApplied != nil {
		if err := n.storage.PurgeLogUpTo(*newApplied); err != nil {
			n.logger.Warnf("Error purging log up to %v: %v", newApplied, err)
		}
	}

	n.unguardedAdvanceApplied(newApplied)
	if !lessEq(n.lastApplied, n.committed) {
		n.committed = cloneLogId(n.lastApplied)
	}
	if !lessEq(n.lastApplied, n.lastLogId) {
		n.lastLogId = cloneLogId(n.lastApplied)
	}

	// The snapshot may encode a membership history unknown to the
	// in-memory state.
	membership, err := n.storage.ReadMembership()
	if err != nil {
		return fatal(storageErr(req.Meta, verbRead, err))
	}
	if membership == nil {
		panic(fmt.Errorf("no membership configuration in storage after installing snapshot %v", req.Meta))
	}
	n.membership = membership

	n.snapshotLastLogId = cloneLogId(n.lastApplied)
	n.metrics.report(n.currentTerm, n.lastApplied, n.committed)
	return nil
}
