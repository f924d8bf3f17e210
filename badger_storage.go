package instill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	logKeyPrefix    = []byte("log:")
	stateKey        = []byte("state")
	snapshotMetaKey = []byte("snapshot:meta")
	snapshotDataKey = []byte("snapshot:data")
)

type BadgerOptions struct {
	Dir    string
	Logger *zap.Logger
}

// badgerStorage is a Storage on top of a badger KV store. Log entries live
// under log:<index> with a big-endian index so that key order matches log
// order, and the snapshot is a single value pair (meta, data).
type badgerStorage struct {
	db     *badger.DB
	ownsDB bool
}

func OpenBadgerStorage(opts BadgerOptions) (Storage, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := badger.Open(
		badger.DefaultOptions(opts.Dir).
			WithLogger(newBadgerLoggerAdapter(logger)))
	if err != nil {
		return nil, err
	}
	return &badgerStorage{db: db, ownsDB: true}, nil
}

// NewBadgerStorage wraps an already opened DB. The caller retains ownership;
// Close does not close the DB.
func NewBadgerStorage(db *badger.DB) Storage {
	return &badgerStorage{db: db}
}

func logKey(index uint64) []byte {
	return binary.BigEndian.AppendUint64(bytes.Clone(logKeyPrefix), index)
}

func logKeyIndex(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(logKeyPrefix):])
}

func getWireMessage(txn *badger.Txn, key []byte, m wireMessage) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(m.unmarshal)
}

func (b *badgerStorage) HardState() (*HardState, error) {
	var state HardState
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getWireMessage(txn, stateKey, &state)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (b *badgerStorage) SaveHardState(state *HardState) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, marshalWire(state))
	})
}

func (b *badgerStorage) LastSnapshotMeta() (*SnapshotMeta, error) {
	var meta SnapshotMeta
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getWireMessage(txn, snapshotMetaKey, &meta)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &meta, nil
}

func (b *badgerStorage) LastLogId() (*LogId, error) {
	var id *LogId
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: true,
			Prefix:  logKeyPrefix,
		})
		defer it.Close()

		// Seek to the largest possible log key, then step back into range.
		it.Seek(logKey(^uint64(0)))
		if it.ValidForPrefix(logKeyPrefix) {
			var entry LogEntry
			if err := it.Item().Value(entry.unmarshal); err != nil {
				return err
			}
			entryId := entry.LogId()
			id = &entryId
			return nil
		}

		var meta SnapshotMeta
		found, err := getWireMessage(txn, snapshotMetaKey, &meta)
		if err != nil {
			return err
		}
		if found {
			id = cloneLogId(meta.LastLogId)
		}
		return nil
	})
	return id, err
}

func (b *badgerStorage) AppendEntries(entries []*LogEntry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			if err := txn.Set(logKey(entry.Index), marshalWire(entry)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerStorage) GetLogEntries(from, to uint64) ([]*LogEntry, error) {
	var entries []*LogEntry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: logKeyPrefix})
		defer it.Close()

		for it.Seek(logKey(from)); it.ValidForPrefix(logKeyPrefix); it.Next() {
			if logKeyIndex(it.Item().Key()) > to {
				break
			}
			var entry LogEntry
			if err := it.Item().Value(entry.unmarshal); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (b *badgerStorage) deleteLogRange(from, to uint64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: logKeyPrefix})
		defer it.Close()

		for it.Seek(logKey(from)); it.ValidForPrefix(logKeyPrefix); it.Next() {
			if logKeyIndex(it.Item().Key()) > to {
				break
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerStorage) DeleteLogEntriesFrom(index uint64) error {
	return b.deleteLogRange(index, ^uint64(0))
}

func (b *badgerStorage) PurgeLogUpTo(id LogId) error {
	return b.deleteLogRange(0, id.Index)
}

type badgerSnapshotSink struct {
	buf    []byte
	offset int
	closed bool
}

func (s *badgerSnapshotSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if grow := s.offset + len(p) - len(s.buf); grow > 0 {
		s.buf = append(s.buf, make([]byte, grow)...)
	}
	copy(s.buf[s.offset:], p)
	s.offset += len(p)
	return len(p), nil
}

func (s *badgerSnapshotSink) Seek(offset uint64) error {
	if s.closed {
		return ErrClosed
	}
	if offset > uint64(len(s.buf)) {
		return fmt.Errorf("seek offset out of range: %d > %d", offset, len(s.buf))
	}
	s.offset = int(offset)
	return nil
}

func (s *badgerSnapshotSink) Close() error {
	s.closed = true
	return nil
}

func (b *badgerStorage) BeginReceivingSnapshot() (SnapshotSink, error) {
	return &badgerSnapshotSink{}, nil
}

func (b *badgerStorage) InstallSnapshot(meta *SnapshotMeta, sink SnapshotSink) (*LogId, error) {
	bs, ok := sink.(*badgerSnapshotSink)
	if !ok {
		return nil, fmt.Errorf("unexpected sink type %T", sink)
	}
	if !bs.closed {
		return nil, fmt.Errorf("installing an unclosed snapshot sink")
	}

	if _, _, err := DecodeSnapshotPayload(bs.buf); err != nil {
		return nil, err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapshotMetaKey, marshalWire(meta)); err != nil {
			return err
		}
		return txn.Set(snapshotDataKey, bs.buf)
	})
	if err != nil {
		return nil, err
	}
	return cloneLogId(meta.LastLogId), nil
}

func (b *badgerStorage) ReadMembership() (*Membership, error) {
	var membership *Membership
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotDataKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m, _, err := DecodeSnapshotPayload(val)
			if err != nil {
				return err
			}
			membership = m
			return nil
		})
	})
	return membership, err
}

func (b *badgerStorage) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

// badgerLoggerAdapter funnels badger's own logging into zap.
type badgerLoggerAdapter struct {
	logger *zap.SugaredLogger
}

func newBadgerLoggerAdapter(logger *zap.Logger) badger.Logger {
	return &badgerLoggerAdapter{logger: logger.With(zap.String("name", "badger")).Sugar()}
}

func (a *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Errorf(format, args...)
}

func (a *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warnf(format, args...)
}

func (a *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	a.logger.Infof(format, args...)
}

func (a *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debugf(format, args...)
}
