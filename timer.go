package instill

import (
	"math/rand"
	"sync"
	"time"
)

// electionTimer fires when no legitimate leader contact arrives within a
// randomized timeout. Every accepted snapshot chunk resets it.
type electionTimer struct {
	duration func() time.Duration
	timer    *time.Timer
	trigger  func()
	mut      sync.Mutex
}

func (t *electionTimer) reset() {
	t.mut.Lock()
	defer t.mut.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.duration(), t.trigger)
}

func (t *electionTimer) stop() {
	t.mut.Lock()
	defer t.mut.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func newElectionTimer(low, high time.Duration, trigger func()) *electionTimer {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &electionTimer{
		duration: func() time.Duration {
			return low + time.Duration(rnd.Int63n(int64(high)-int64(low)+1))
		},
		trigger: trigger,
	}
}
