package instill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	headerRecordType = iota
	stateRecordType
	entryRecordType
	snapshotMetaRecordType
	trailerRecordType
)

const (
	walMagic   uint64 = 0x6420655767271765
	walVersion uint64 = 1
)

const recordLengthSize = 4

type WalOptions struct {
	Dir         string
	SegmentSize int64
	Logger      *zap.Logger
}

// walStorage is a Storage backed by preallocated, memory-mapped log
// segments plus one snapshot file per installed snapshot. Records are
// length-prefixed and crc32-guarded; each segment starts with a header and
// carries the last known hard state and snapshot metadata so that older
// segments can be dropped at purge time.
type walStorage struct {
	mut            sync.Mutex
	dir            string
	segmentSize    int64
	segments       []*walSegment
	tail           *walSegment
	crcTable       *crc32.Table
	trailerRecord  []byte
	lastState      *HardState
	lastSnapMeta   *SnapshotMeta
	lastMembership *Membership
	logger         *zap.SugaredLogger
	closed         bool
}

type walSegment struct {
	w          *walStorage
	number     int
	firstIndex uint64 // Index of the first entry this segment holds.
	nextIndex  uint64 // Index right after the last entry this segment holds.
	fpath      string
	f          *os.File
	m          mmap.MMap
	// Byte offsets of entry records, parallel to entry indices
	// [firstIndex, nextIndex).
	entryOffsets []int64
	lastOffset   int64
}

func segFileName(number int, firstIndex uint64) string {
	return fmt.Sprintf("log_%d_%d.dat", number, firstIndex)
}

func snapFileName(meta *SnapshotMeta) string {
	return fmt.Sprintf("snap_%s.dat", meta.SnapshotId)
}

// OpenWalStorage opens (or creates) a file-backed Storage under opts.Dir.
func OpenWalStorage(opts WalOptions) (Storage, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	segmentSize := opts.SegmentSize
	if segmentSize <= 0 {
		segmentSize = 16 * 1024 * 1024
	}

	files, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &walStorage{
		dir:         opts.Dir,
		segmentSize: segmentSize,
		crcTable:    crc32.MakeTable(crc32.Castagnoli),
		segments:    make([]*walSegment, 0),
		logger:      logger.With(zap.String("name", "WAL")).Sugar(),
	}
	w.trailerRecord = w.encodeRecord(trailerRecordType, protowire.AppendVarint(nil, walMagic))

	allGood := false
	defer func() {
		if !allGood {
			for _, s := range w.segments {
				if err := s.close(); err != nil {
					w.logger.Warnf("Error closing segment %s: %v", s.fpath, err)
				}
			}
		}
	}()

	for _, file := range files {
		if file.IsDir() {
			w.logger.Warnf("Warning: unexpected directory found in WAL directory: %s", file.Name())
			continue
		}

		// Leftovers from snapshot receives that never finished.
		if filepath.Ext(file.Name()) == ".tmp" {
			if err := os.Remove(path.Join(opts.Dir, file.Name())); err != nil {
				w.logger.Warnf("Error removing stale temp file %s: %v", file.Name(), err)
			}
			continue
		}

		var segNum int
		var firstIndex uint64
		if n, err := fmt.Sscanf(file.Name(), "log_%d_%d.dat", &segNum, &firstIndex); err != nil || n != 2 {
			continue // Snapshot files and anything else.
		}

		s := &walSegment{
			w:            w,
			number:       segNum,
			firstIndex:   firstIndex,
			nextIndex:    firstIndex,
			fpath:        path.Join(opts.Dir, file.Name()),
			entryOffsets: []int64{},
		}
		w.segments = append(w.segments, s)

		s.f, err = os.OpenFile(s.fpath, os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}

		s.m, err = mmap.Map(s.f, mmap.RDWR, 0)
		if err != nil {
			return nil, err
		}

		if err := w.scanSegment(s); err != nil {
			return nil, err
		}
	}

	sort.Slice(w.segments, func(i, j int) bool {
		return w.segments[i].number < w.segments[j].number
	})

	// Verify index continuity.
	for i, seg := range w.segments {
		if i > 0 {
			prev := w.segments[i-1]
			if prev.nextIndex != seg.firstIndex && prev.entryCount() > 0 && seg.entryCount() > 0 {
				return nil, fmt.Errorf("gap detected between segments %s (ends at %d) and %s (starts at %d)",
					prev.fpath, prev.nextIndex, seg.fpath, seg.firstIndex)
			}
		}
	}

	if len(w.segments) > 0 {
		w.tail = w.segments[len(w.segments)-1]
	} else if err := w.appendSegment(0); err != nil {
		return nil, err
	}

	// Recover membership from the latest installed snapshot, if any.
	if w.lastSnapMeta != nil {
		data, err := os.ReadFile(path.Join(w.dir, snapFileName(w.lastSnapMeta)))
		if err != nil {
			return nil, fmt.Errorf("snapshot %v is recorded but unreadable: %w", w.lastSnapMeta, err)
		}
		membership, _, err := DecodeSnapshotPayload(data)
		if err != nil {
			return nil, err
		}
		w.lastMembership = membership
	}

	allGood = true
	return w, nil
}

func (w *walStorage) scanSegment(s *walSegment) error {
	reader := bytes.NewReader(s.m)

	readRecord := func() (*walRecord, int64, error) {
		var recordLen int32
		if err := binary.Read(reader, binary.BigEndian, &recordLen); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, io.ErrUnexpectedEOF
			}
			return nil, 0, err
		}

		recordBytes := make([]byte, recordLen)
		if _, err := io.ReadFull(reader, recordBytes); err != nil {
			return nil, 0, err
		}

		record, err := w.decodeRecord(recordBytes)
		if err != nil {
			return nil, 0, err
		}
		return record, int64(recordLengthSize + recordLen), nil
	}

	// Expect a header record at the beginning.
	record, n, err := readRecord()
	if err != nil {
		return err
	}
	if record.typ != headerRecordType {
		return fmt.Errorf("unexpected record type at start of %s: %d", s.fpath, record.typ)
	}

	header, err := decodeSegmentHeader(record.data)
	if err != nil {
		return err
	}
	if header.magic != walMagic {
		return fmt.Errorf("invalid WAL header magic number in %s", s.fpath)
	}
	if header.version != walVersion {
		return fmt.Errorf("unsupported WAL version in %s", s.fpath)
	}
	if header.firstIndex != s.firstIndex {
		w.logger.Warnf(
			"Warning: first index from file name (%s) disagrees with header's (%d), believing the latter",
			s.fpath, header.firstIndex)
		s.firstIndex, s.nextIndex = header.firstIndex, header.firstIndex
	}
	s.lastOffset = n

	for {
		record, n, err := readRecord()
		if err != nil {
			return err
		}

		switch record.typ {
		case entryRecordType:
			s.entryOffsets = append(s.entryOffsets, s.lastOffset)
			s.nextIndex++
		case stateRecordType:
			var state HardState
			if err := state.unmarshal(record.data); err != nil {
				return err
			}
			w.lastState = &state
		case snapshotMetaRecordType:
			var meta SnapshotMeta
			if err := meta.unmarshal(record.data); err != nil {
				return err
			}
			w.lastSnapMeta = &meta
		case trailerRecordType:
			magic, _ := protowire.ConsumeVarint(record.data)
			if magic != walMagic {
				return fmt.Errorf("invalid WAL trailer magic number in %s", s.fpath)
			}
			return nil
		case headerRecordType:
			return fmt.Errorf("unexpected header record found in segment %s", s.fpath)
		default:
			return fmt.Errorf("unexpected record type: %d", record.typ)
		}
		s.lastOffset += n
	}
}

type walRecord struct {
	typ  uint64
	crc  uint32
	data []byte
}

func (w *walStorage) encodeRecord(recordType uint64, data []byte) []byte {
	var record []byte
	record = protowire.AppendTag(record, 1, protowire.VarintType)
	record = protowire.AppendVarint(record, recordType)
	record = protowire.AppendTag(record, 2, protowire.Fixed32Type)
	record = protowire.AppendFixed32(record, w.crc32Of(data))
	record = protowire.AppendTag(record, 3, protowire.BytesType)
	record = protowire.AppendBytes(record, data)

	buf := binary.BigEndian.AppendUint32(nil, uint32(len(record)))
	return append(buf, record...)
}

func (w *walStorage) decodeRecord(b []byte) (*walRecord, error) {
	var record walRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeUint64(b)
			if err != nil {
				return nil, err
			}
			record.typ = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			record.crc = v
			b = b[n:]
		case 3:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			record.data = v
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}

	if crc := w.crc32Of(record.data); crc != record.crc {
		return nil, fmt.Errorf("mismatching CRC32s computed: %x, read: %x", crc, record.crc)
	}
	return &record, nil
}

type segmentHeader struct {
	magic      uint64
	version    uint64
	number     uint64
	firstIndex uint64
}

func encodeSegmentHeader(h segmentHeader) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, h.magic)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, h.version)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, h.number)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, h.firstIndex)
	return b
}

func decodeSegmentHeader(b []byte) (segmentHeader, error) {
	var h segmentHeader
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]

		v, vn, err := consumeUint64(b)
		if err != nil {
			if sn, serr := skipField(b, num, typ); serr == nil {
				b = b[sn:]
				continue
			}
			return h, err
		}

		switch num {
		case 1:
			h.magic = v
		case 2:
			h.version = v
		case 3:
			h.number = v
		case 4:
			h.firstIndex = v
		}
		b = b[vn:]
	}
	return h, nil
}

func (s *walSegment) entryCount() int {
	return len(s.entryOffsets)
}

func (s *walSegment) appendBytes(data []byte) error {
	if s.lastOffset+int64(len(data)) > int64(len(s.m)) {
		return fmt.Errorf("segment %s overflow", s.fpath)
	}
	copy(s.m[s.lastOffset:], data)
	return nil
}

func (s *walSegment) sync() error {
	return s.m.Flush()
}

func (s *walSegment) getEntry(index uint64) (*LogEntry, error) {
	if index < s.firstIndex || index >= s.nextIndex {
		return nil, fmt.Errorf("index out of range: [%d] in segment [%d, %d)", index, s.firstIndex, s.nextIndex)
	}

	offset := s.entryOffsets[index-s.firstIndex]
	recordLen := int64(binary.BigEndian.Uint32(s.m[offset:]))
	record, err := s.w.decodeRecord(s.m[offset+recordLengthSize : offset+recordLengthSize+recordLen])
	if err != nil {
		return nil, err
	}
	if record.typ != entryRecordType {
		return nil, fmt.Errorf("unexpected record type when expecting an entry: %d", record.typ)
	}

	var entry LogEntry
	if err := entry.unmarshal(record.data); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *walSegment) delete() error {
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(s.fpath)
}

func (s *walSegment) close() error {
	var err error
	if s.m != nil {
		err = s.m.Unmap()
		s.m = nil
	}
	if s.f != nil {
		if err2 := s.f.Close(); err2 != nil {
			err = errors.Join(err, err2)
		}
		s.f = nil
	}
	return err
}

func (w *walStorage) appendSegment(firstIndex uint64) error {
	segNumber := 0
	if len(w.segments) > 0 {
		segNumber = w.tail.number + 1
	}

	s := &walSegment{
		w:            w,
		number:       segNumber,
		firstIndex:   firstIndex,
		nextIndex:    firstIndex,
		fpath:        path.Join(w.dir, segFileName(segNumber, firstIndex)),
		entryOffsets: []int64{},
	}

	var buf bytes.Buffer
	buf.Write(w.encodeRecord(headerRecordType, encodeSegmentHeader(segmentHeader{
		magic:      walMagic,
		version:    walVersion,
		number:     uint64(s.number),
		firstIndex: firstIndex,
	})))

	// Make sure each segment knows the last state & snapshot.
	if w.lastState != nil {
		buf.Write(w.encodeRecord(stateRecordType, marshalWire(w.lastState)))
	}
	if w.lastSnapMeta != nil {
		buf.Write(w.encodeRecord(snapshotMetaRecordType, marshalWire(w.lastSnapMeta)))
	}

	tempFpath := s.fpath + ".tmp"
	tempF, err := os.Create(tempFpath)
	if err != nil {
		return err
	}
	writtenCount := buf.Len()
	err = func() error {
		if err := tempF.Truncate(w.segmentSize); err != nil {
			return err
		}

		buf.Write(w.trailerRecord)
		if _, err := buf.WriteTo(tempF); err != nil {
			return err
		}
		if err := tempF.Sync(); err != nil {
			return err
		}
		return tempF.Close()
	}()
	if err != nil {
		return removeOnErr(tempFpath, closeOnErr(tempF, err))
	}

	if err := os.Rename(tempFpath, s.fpath); err != nil {
		return err
	}

	f, err := os.OpenFile(s.fpath, os.O_RDWR, 0644)
	if err != nil {
		return err
	}

	// Make sure file metadata is synced.
	if err := f.Sync(); err != nil {
		return closeOnErr(f, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return closeOnErr(f, err)
	}

	s.f = f
	s.m = m
	s.lastOffset = int64(writtenCount)
	w.segments = append(w.segments, s)
	w.tail = s
	return nil
}

func (w *walStorage) appendRecord(recordType uint64, data []byte) error {
	recordBytes := w.encodeRecord(recordType, data)
	if w.tail.lastOffset+int64(len(recordBytes))+int64(len(w.trailerRecord)) > w.segmentSize {
		if err := w.appendSegment(w.tail.nextIndex); err != nil {
			return err
		}
	}
	if w.tail.lastOffset+int64(len(recordBytes))+int64(len(w.trailerRecord)) > w.segmentSize {
		return fmt.Errorf("record too large: %d bytes", len(recordBytes))
	}
	if err := w.tail.appendBytes(append(recordBytes, w.trailerRecord...)); err != nil {
		return err
	}
	if err := w.tail.sync(); err != nil {
		return err
	}
	w.tail.lastOffset += int64(len(recordBytes))
	return nil
}

func (w *walStorage) HardState() (*HardState, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	return w.lastState, nil
}

func (w *walStorage) SaveHardState(state *HardState) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.appendRecord(stateRecordType, marshalWire(state)); err != nil {
		return err
	}
	w.lastState = state
	return nil
}

func (w *walStorage) LastSnapshotMeta() (*SnapshotMeta, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	return w.lastSnapMeta, nil
}

func (w *walStorage) LastLogId() (*LogId, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	return w.unguardedLastLogId()
}

func (w *walStorage) unguardedLastLogId() (*LogId, error) {
	for i := len(w.segments) - 1; i >= 0; i-- {
		seg := w.segments[i]
		if seg.entryCount() > 0 {
			entry, err := seg.getEntry(seg.nextIndex - 1)
			if err != nil {
				return nil, err
			}
			id := entry.LogId()
			return &id, nil
		}
	}
	if w.lastSnapMeta != nil {
		return cloneLogId(w.lastSnapMeta.LastLogId), nil
	}
	return nil, nil
}

func (w *walStorage) AppendEntries(entries []*LogEntry) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return ErrClosed
	}

	for _, entry := range entries {
		// An empty log adopts the first entry's index; after a snapshot
		// install the log may restart past a purge gap. The segment header
		// pins the first index on disk, so adoption rolls a fresh segment
		// instead of moving the in-memory index alone.
		if w.tail.entryCount() == 0 && w.entryCountOf() == 0 && entry.Index != w.tail.nextIndex {
			old := w.tail
			if err := w.appendSegment(entry.Index); err != nil {
				return err
			}
			w.segments = append(w.segments[:len(w.segments)-2], w.tail)
			if err := old.delete(); err != nil {
				w.logger.Warnf("Error removing empty segment %s: %v", old.fpath, err)
			}
		}
		if entry.Index != w.tail.nextIndex {
			return fmt.Errorf("out of order append: entry index %d, expected %d", entry.Index, w.tail.nextIndex)
		}

		recordBytes := w.encodeRecord(entryRecordType, marshalWire(entry))
		if w.tail.lastOffset+int64(len(recordBytes))+int64(len(w.trailerRecord)) > w.segmentSize {
			if err := w.appendSegment(w.tail.nextIndex); err != nil {
				return err
			}
		}
		if w.tail.lastOffset+int64(len(recordBytes))+int64(len(w.trailerRecord)) > w.segmentSize {
			return fmt.Errorf("entry too large: %d bytes", len(recordBytes))
		}
		if err := w.tail.appendBytes(append(recordBytes, w.trailerRecord...)); err != nil {
			return err
		}
		w.tail.entryOffsets = append(w.tail.entryOffsets, w.tail.lastOffset)
		w.tail.lastOffset += int64(len(recordBytes))
		w.tail.nextIndex++
	}
	return w.tail.sync()
}

func (w *walStorage) entryCountOf() int {
	count := 0
	for _, seg := range w.segments {
		count += seg.entryCount()
	}
	return count
}

func (w *walStorage) GetLogEntries(from, to uint64) ([]*LogEntry, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	var entries []*LogEntry
	for _, seg := range w.segments {
		if seg.entryCount() == 0 || seg.nextIndex <= from || seg.firstIndex > to {
			continue
		}
		lo := max(from, seg.firstIndex)
		hi := min(to, seg.nextIndex-1)
		for i := lo; i <= hi; i++ {
			entry, err := seg.getEntry(i)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (w *walStorage) DeleteLogEntriesFrom(index uint64) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return ErrClosed
	}

	// Drop whole segments past the one holding index, then truncate within.
	keep := len(w.segments)
	for i, seg := range w.segments {
		if seg.firstIndex >= index && (seg.entryCount() > 0 || i > 0) {
			keep = i
			break
		}
		if index < seg.nextIndex {
			keep = i + 1
			break
		}
	}

	removed := w.segments[keep:]
	if keep == 0 {
		// Always retain one segment as the tail.
		removed = w.segments[1:]
		keep = 1
	}
	w.segments = w.segments[:keep]
	w.tail = w.segments[keep-1]

	for _, seg := range removed {
		if err := seg.delete(); err != nil {
			return err
		}
	}

	if index < w.tail.nextIndex {
		local := int64(0)
		if index > w.tail.firstIndex {
			local = int64(index - w.tail.firstIndex)
		}
		if local < int64(w.tail.entryCount()) {
			w.tail.lastOffset = w.tail.entryOffsets[local]
			w.tail.entryOffsets = w.tail.entryOffsets[:local]
			w.tail.nextIndex = w.tail.firstIndex + uint64(local)
		}
	}

	if err := w.tail.appendBytes(w.trailerRecord); err != nil {
		return err
	}
	if err := w.tail.sync(); err != nil {
		return err
	}

	// Make sure we have lastState appended since it might have been truncated.
	if w.lastState != nil {
		return w.appendRecord(stateRecordType, marshalWire(w.lastState))
	}
	return nil
}

// PurgeLogUpTo drops whole segments whose entries are all covered by id.
// Purge is segment-granular: a partially covered head segment is left in
// place until later installs cover it entirely.
func (w *walStorage) PurgeLogUpTo(id LogId) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return ErrClosed
	}

	keep := 0
	for keep < len(w.segments)-1 && w.segments[keep].nextIndex <= id.Index+1 {
		keep++
	}
	if keep == 0 {
		return nil
	}

	removed := w.segments[:keep]
	w.segments = w.segments[keep:]
	for _, seg := range removed {
		if err := seg.delete(); err != nil {
			return err
		}
	}
	return nil
}

type fileSnapshotSink struct {
	f      *os.File
	fpath  string
	offset int64
	closed bool
}

func (s *fileSnapshotSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.f.WriteAt(p, s.offset)
	s.offset += int64(n)
	return n, err
}

func (s *fileSnapshotSink) Seek(offset uint64) error {
	if s.closed {
		return ErrClosed
	}
	s.offset = int64(offset)
	return nil
}

func (s *fileSnapshotSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		return closeOnErr(s.f, err)
	}
	return s.f.Close()
}

func (w *walStorage) BeginReceivingSnapshot() (SnapshotSink, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	f, err := os.CreateTemp(w.dir, "snap_*.tmp")
	if err != nil {
		return nil, err
	}
	return &fileSnapshotSink{f: f, fpath: f.Name()}, nil
}

func (w *walStorage) InstallSnapshot(meta *SnapshotMeta, sink SnapshotSink) (*LogId, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	fs, ok := sink.(*fileSnapshotSink)
	if !ok {
		return nil, fmt.Errorf("unexpected sink type %T", sink)
	}
	if !fs.closed {
		return nil, fmt.Errorf("installing an unclosed snapshot sink")
	}

	data, err := os.ReadFile(fs.fpath)
	if err != nil {
		return nil, err
	}
	membership, _, err := DecodeSnapshotPayload(data)
	if err != nil {
		return nil, err
	}

	fpath := path.Join(w.dir, snapFileName(meta))
	if err := os.Rename(fs.fpath, fpath); err != nil {
		return nil, err
	}

	if err := w.appendRecord(snapshotMetaRecordType, marshalWire(meta)); err != nil {
		return nil, err
	}

	// The previous snapshot file is superseded; reclaim it.
	if prev := w.lastSnapMeta; prev != nil && prev.SnapshotId != meta.SnapshotId {
		if err := os.Remove(path.Join(w.dir, snapFileName(prev))); err != nil {
			w.logger.Warnf("Error removing superseded snapshot file %s: %v", snapFileName(prev), err)
		}
	}

	w.lastSnapMeta = meta
	w.lastMembership = membership
	return cloneLogId(meta.LastLogId), nil
}

func (w *walStorage) ReadMembership() (*Membership, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	return w.lastMembership, nil
}

func (w *walStorage) Close() error {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for _, s := range w.segments {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *walStorage) crc32Of(data []byte) uint32 {
	hash := crc32.New(w.crcTable)
	hash.Write(data)
	return hash.Sum32()
}
