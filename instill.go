// Package instill implements the follower side of Raft snapshot
// replication: accepting a multi-chunk snapshot stream from a leader and
// reconciling the local log and state machine with the installed snapshot.
package instill

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Node owns the runtime consensus state relevant to snapshot installation:
// term, role, leader identity, log position markers and the single
// snapshot-activity slot. All mutations are serialized through one mutex;
// inbound requests queue rather than interleave.
type Node struct {
	_ uncopyable

	Id string

	mut         sync.Mutex
	role        role
	currentTerm uint64
	votedFor    string
	leaderId    string

	lastLogId         *LogId
	committed         *LogId
	lastApplied       *LogId
	snapshotLastLogId *LogId
	membership        *Membership

	stream  streamState
	storage Storage

	electionTimer *electionTimer
	metrics       *metrics
	logger        *zap.SugaredLogger
	grpcServer    *grpc.Server
	closed        bool

	onFatal   func(error)
	fatalOnce sync.Once

	address string
}

func (n *Node) String() string {
	return fmt.Sprintf(
		"{role: %v, currentTerm: %d, leaderId: %s, lastLogId: %v, committed: %v, lastApplied: %v, snapshotLastLogId: %v}",
		n.role, n.currentTerm, n.leaderId, n.lastLogId, n.committed, n.lastApplied, n.snapshotLastLogId)
}

func New(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.LoggerOrNoop().With(zap.String("node", config.Id)).Sugar()

	state, err := config.Storage.HardState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &HardState{}
	}

	snapMeta, err := config.Storage.LastSnapshotMeta()
	if err != nil {
		return nil, err
	}

	lastLogId, err := config.Storage.LastLogId()
	if err != nil {
		return nil, err
	}

	membership, err := config.Storage.ReadMembership()
	if err != nil {
		return nil, err
	}

	var applied *LogId
	if snapMeta != nil {
		applied = cloneLogId(snapMeta.LastLogId)
	}

	n := &Node{
		Id:                config.Id,
		role:              Follower,
		currentTerm:       state.Term,
		votedFor:          state.VotedFor,
		leaderId:          UnknownLeader,
		lastApplied:       applied,
		committed:         cloneLogId(applied),
		lastLogId:         maxLogId(lastLogId, applied),
		snapshotLastLogId: cloneLogId(applied),
		membership:        membership,
		stream:            idleState{},
		storage:           config.Storage,
		metrics:           newMetrics(config.Registerer),
		logger:            logger,
		address:           config.Address,
		onFatal:           config.OnFatal,
	}

	timeouts := config.ElectionTimeoutMillisWithDefaults()
	trigger := config.OnElectionTimeout
	if trigger == nil {
		trigger = func() {}
	}
	n.electionTimer = newElectionTimer(
		time.Duration(timeouts.Low)*time.Millisecond,
		time.Duration(timeouts.High)*time.Millisecond,
		trigger)

	return n, nil
}

func (n *Node) CurrentTerm() uint64 {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.currentTerm
}

func (n *Node) Role() role {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.role
}

func (n *Node) LeaderId() string {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.leaderId
}

func (n *Node) LastApplied() *LogId {
	n.mut.Lock()
	defer n.mut.Unlock()
	return cloneLogId(n.lastApplied)
}

func (n *Node) Committed() *LogId {
	n.mut.Lock()
	defer n.mut.Unlock()
	return cloneLogId(n.committed)
}

func (n *Node) LastLogId() *LogId {
	n.mut.Lock()
	defer n.mut.Unlock()
	return cloneLogId(n.lastLogId)
}

func (n *Node) SnapshotLastLogId() *LogId {
	n.mut.Lock()
	defer n.mut.Unlock()
	return cloneLogId(n.snapshotLastLogId)
}

func (n *Node) Membership() *Membership {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.membership
}

// NotifyApplied is called by the apply pipeline after it has applied
// committed entries up to id. The pipeline runs concurrently with snapshot
// installation, so the write is a monotonic max: an in-flight apply that
// settles after a snapshot jumped the marker forward must not drag it back.
func (n *Node) NotifyApplied(id LogId) {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.unguardedAdvanceApplied(&id)
}

func (n *Node) unguardedAdvanceApplied(id *LogId) {
	n.lastApplied = maxLogId(n.lastApplied, cloneLogId(id))
}

// BeginLocalSnapshot starts building a snapshot locally on a background
// goroutine. The build must honor ctx: an incoming leader snapshot stream
// cancels it without waiting. Fails if any snapshot activity is already in
// progress.
func (n *Node) BeginLocalSnapshot(build func(ctx context.Context) error) error {
	n.mut.Lock()
	defer n.mut.Unlock()

	if _, ok := n.stream.(idleState); !ok {
		return fmt.Errorf("snapshot activity already in progress")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	building := &buildingState{cancel: cancel, done: done}
	n.stream = building

	go func() {
		defer close(done)
		err := build(ctx)

		n.mut.Lock()
		defer n.mut.Unlock()

		if n.stream == streamState(building) {
			n.stream = idleState{}
		}
		if err != nil && ctx.Err() == nil {
			n.logger.Warnf("Local snapshot build failed: %v", err)
		}
	}()
	return nil
}

// Close shuts down the node: stops the election timer, cancels any
// in-progress local snapshot build and stops the gRPC server if one is
// serving. The storage is not closed; the caller owns it.
func (n *Node) Close() error {
	n.mut.Lock()
	if n.closed {
		n.mut.Unlock()
		return nil
	}
	n.closed = true

	n.electionTimer.stop()
	if s, ok := n.stream.(*buildingState); ok {
		s.cancel()
	}
	server := n.grpcServer
	n.mut.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	return nil
}

func (n *Node) fatal(err error) {
	n.fatalOnce.Do(func() {
		n.logger.Errorf("Node%v encountered a fatal error: %v\n%s", n, err, debug.Stack())
		if n.onFatal != nil {
			n.onFatal(err)
		}
	})
}
