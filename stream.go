package instill

import (
	"context"
)

// streamState is the single-slot holder of at most one in-progress
// snapshot activity: either building one locally or receiving one from the
// leader, never both. Owned exclusively by the node under its mutex.
type streamState interface {
	streamState()
}

type idleState struct{}

// buildingState tracks a local snapshot build in progress. Cancellation is
// cooperative: cancel signals the build goroutine, nobody waits for it.
type buildingState struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// streamingState tracks a leader-driven snapshot receive in progress. The
// offset always equals the sink's write position after a successful write.
type streamingState struct {
	id     string
	offset uint64
	sink   SnapshotSink
}

func (idleState) streamState()       {}
func (*buildingState) streamState()  {}
func (*streamingState) streamState() {}
