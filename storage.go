package instill

import (
	"fmt"
	"sort"
	"sync"
)

// SnapshotSink is a fresh, writable, seekable byte sink for a snapshot
// being received from a leader. Chunks land at explicit offsets; the sink
// must be closed before the snapshot can be installed.
type SnapshotSink interface {
	Write(p []byte) (int, error)

	// Seek repositions the sink at an absolute byte offset.
	Seek(offset uint64) error

	Close() error
}

// Storage is the durable log and state machine store a node runs against.
//
// GetLogEntries returns entries in [from, to], possibly empty. Install
// consumes a sink previously produced by BeginReceivingSnapshot of the
// same Storage, atomically replaces state machine contents, and reports
// the resulting applied position.
type Storage interface {
	HardState() (*HardState, error)

	SaveHardState(state *HardState) error

	LastSnapshotMeta() (*SnapshotMeta, error)

	LastLogId() (*LogId, error)

	AppendEntries(entries []*LogEntry) error

	GetLogEntries(from, to uint64) ([]*LogEntry, error)

	DeleteLogEntriesFrom(index uint64) error

	PurgeLogUpTo(id LogId) error

	BeginReceivingSnapshot() (SnapshotSink, error)

	InstallSnapshot(meta *SnapshotMeta, sink SnapshotSink) (*LogId, error)

	ReadMembership() (*Membership, error)

	Close() error
}

// MemoryStorage keeps everything in process memory. Intended for tests.
func MemoryStorage() Storage {
	return &memoryStorage{
		log: make(map[uint64]*LogEntry),
	}
}

type memoryStorage struct {
	mut        sync.Mutex
	state      *HardState
	log        map[uint64]*LogEntry
	snapMeta   *SnapshotMeta
	membership *Membership
	smData     []byte
	closed     bool
}

type memorySink struct {
	buf    []byte
	offset uint64
	closed bool
}

func (s *memorySink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	end := s.offset + uint64(len(p))
	if end > uint64(len(s.buf)) {
		s.buf = append(s.buf, make([]byte, end-uint64(len(s.buf)))...)
	}
	copy(s.buf[s.offset:], p)
	s.offset = end
	return len(p), nil
}

func (s *memorySink) Seek(offset uint64) error {
	if s.closed {
		return ErrClosed
	}
	if offset > uint64(len(s.buf)) {
		return fmt.Errorf("seek offset %d beyond sink size %d", offset, len(s.buf))
	}
	s.offset = offset
	return nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

func (m *memoryStorage) HardState() (*HardState, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.state, nil
}

func (m *memoryStorage) SaveHardState(state *HardState) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.state = state
	return nil
}

func (m *memoryStorage) LastSnapshotMeta() (*SnapshotMeta, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.snapMeta, nil
}

func (m *memoryStorage) LastLogId() (*LogId, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	var last *LogId
	for _, e := range m.log {
		id := e.LogId()
		if last == nil || last.Index < id.Index {
			last = &id
		}
	}
	return last, nil
}

func (m *memoryStorage) AppendEntries(entries []*LogEntry) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	for _, e := range entries {
		m.log[e.Index] = e
	}
	return nil
}

func (m *memoryStorage) GetLogEntries(from, to uint64) ([]*LogEntry, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	var entries []*LogEntry
	for i := from; i <= to; i++ {
		if e, ok := m.log[i]; ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

func (m *memoryStorage) DeleteLogEntriesFrom(index uint64) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	for i := range m.log {
		if i >= index {
			delete(m.log, i)
		}
	}
	return nil
}

func (m *memoryStorage) PurgeLogUpTo(id LogId) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	for i := range m.log {
		if i <= id.Index {
			delete(m.log, i)
		}
	}
	return nil
}

func (m *memoryStorage) BeginReceivingSnapshot() (SnapshotSink, error) {
	return &memorySink{}, nil
}

func (m *memoryStorage) InstallSnapshot(meta *SnapshotMeta, sink SnapshotSink) (*LogId, error) {
	ms, ok := sink.(*memorySink)
	if !ok {
		return nil, fmt.Errorf("unexpected sink type %T", sink)
	}
	if !ms.closed {
		return nil, fmt.Errorf("installing an unclosed snapshot sink")
	}

	membership, data, err := DecodeSnapshotPayload(ms.buf)
	if err != nil {
		return nil, err
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	m.snapMeta = meta
	m.membership = membership
	m.smData = data
	return cloneLogId(meta.LastLogId), nil
}

func (m *memoryStorage) ReadMembership() (*Membership, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.membership, nil
}

// StateMachineData returns the installed state machine image. Test helper.
func (m *memoryStorage) StateMachineData() []byte {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.smData
}

func (m *memoryStorage) Close() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.closed = true
	return nil
}
