// Package wal implements the per-document change log.
//
// Every mutating operation on a document is appended here before it is
// acknowledged. Between snapshots the log holds the only durable copy of
// recent changes; on restart it is replayed on top of the last snapshot.
//
// Entries are length-prefixed frames protected by a CRC32, chained by
// SHA-256 and authenticated with HMAC-SHA256. A scan stops at the first
// frame that fails any check; everything after it is treated as lost.
package wal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Format constants.
const (
	Version    = 1
	Magic      = "CTLG"
	HeaderSize = 64

	// len + seq + ts + type + plen + prev + mac + crc
	frameOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4
	maxFrameSize  = 64 << 20
)

// EntryType discriminates log entries.
type EntryType uint8

const (
	EntryChangeAdded    EntryType = 1
	EntryStatusChanged  EntryType = 2
	EntryBulkBegin      EntryType = 3
	EntryBulkCommit     EntryType = 4
	EntryHeartbeat      EntryType = 5
	EntrySessionStart   EntryType = 6
	EntrySessionEnd     EntryType = 7
	EntrySnapshot       EntryType = 8
	EntryDocumentLength EntryType = 9
)

func (t EntryType) String() string {
	switch t {
	case EntryChangeAdded:
		return "change_added"
	case EntryStatusChanged:
		return "status_changed"
	case EntryBulkBegin:
		return "bulk_begin"
	case EntryBulkCommit:
		return "bulk_commit"
	case EntryHeartbeat:
		return "heartbeat"
	case EntrySessionStart:
		return "session_start"
	case EntrySessionEnd:
		return "session_end"
	case EntrySnapshot:
		return "snapshot"
	case EntryDocumentLength:
		return "document_length"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Errors
var (
	ErrInvalidMagic   = errors.New("wal: invalid magic number")
	ErrInvalidVersion = errors.New("wal: unsupported version")
	ErrWrongDocument  = errors.New("wal: log belongs to another document")
	ErrCorruptedEntry = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("wal: broken hash chain")
	ErrInvalidHMAC    = errors.New("wal: HMAC verification failed")
	ErrTruncated      = errors.New("wal: truncated entry")
	ErrClosed         = errors.New("wal: log is closed")
	ErrReadOnly       = errors.New("wal: log is read-only")
)

// Entry is a single log frame.
type Entry struct {
	Sequence  uint64
	Timestamp int64
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// Time returns the entry timestamp.
func (e *Entry) Time() time.Time { return time.Unix(0, e.Timestamp) }

// Record is an entry to be appended.
type Record struct {
	Type    EntryType
	Payload []byte
}

// Damage describes where a scan stopped early.
type Damage struct {
	Offset   int64
	Sequence uint64
	Err      error
}

// Option configures a Log.
type Option func(*Log)

// WithoutSync skips fsync after appends. Only for tests and benchmarks.
func WithoutSync() Option { return func(l *Log) { l.sync = false } }

// ReadOnly opens an existing log for inspection. Nothing is created,
// truncated or appended.
func ReadOnly() Option { return func(l *Log) { l.readOnly = true } }

// Log is an append-only change log for one document. Safe for concurrent use.
type Log struct {
	mu sync.Mutex

	path     string
	file     *os.File
	docHash  [32]byte
	key      []byte
	sync     bool
	readOnly bool

	baseSeq  uint64
	nextSeq  uint64
	lastHash [32]byte
	closed   bool

	entries int
	size    int64
	damage  *Damage
}

// Open opens or creates the log at path. An existing log must belong to
// documentID. A torn or corrupted tail is cut off at the last good frame
// and reported through Damage. A frame failing authentication is never
// cut off; Open returns the verification error instead.
func Open(path, documentID string, key []byte, opts ...Option) (*Log, error) {
	l := &Log{
		path:    path,
		docHash: sha256.Sum256([]byte(documentID)),
		key:     key,
		sync:    true,
		nextSeq: 1,
	}
	for _, opt := range opts {
		opt(l)
	}

	flag := os.O_RDONLY
	if !l.readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		flag = os.O_RDWR | os.O_CREATE
	}
	file, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	l.file = file

	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log: %w", err)
	}
	if st.Size() == 0 {
		if l.readOnly {
			file.Close()
			return nil, fmt.Errorf("open log: %w", io.ErrUnexpectedEOF)
		}
		if err := l.writeHeader(l.file, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		l.size = HeaderSize
		return l, nil
	}

	if err := l.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if err := l.recoverTail(); err != nil {
		file.Close()
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return l, nil
}

func (l *Log) writeHeader(w io.WriterAt, base uint64) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	copy(buf[8:40], l.docHash[:])
	binary.BigEndian.PutUint64(buf[40:48], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(buf[48:56], base)
	if _, err := w.WriteAt(buf, 0); err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && l.sync {
		return f.Sync()
	}
	return nil
}

func (l *Log) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, v, Version)
	}
	if !hmac.Equal(buf[8:40], l.docHash[:]) {
		return ErrWrongDocument
	}
	l.baseSeq = binary.BigEndian.Uint64(buf[48:56])
	l.nextSeq = l.baseSeq + 1
	return nil
}

// recoverTail walks the log, positions the write offset after the last good
// frame and cuts off anything behind it.
func (l *Log) recoverTail() error {
	end, err := l.scan(func(e *Entry) error {
		l.nextSeq = e.Sequence + 1
		l.lastHash = e.hash()
		l.entries++
		return nil
	})
	if err != nil {
		return err
	}
	st, err := l.file.Stat()
	if err != nil {
		return err
	}
	if l.damage != nil && !l.readOnly &&
		(errors.Is(l.damage.Err, ErrInvalidHMAC) || errors.Is(l.damage.Err, ErrBrokenChain)) {
		return fmt.Errorf("entry %d at offset %d: %w", l.damage.Sequence, l.damage.Offset, l.damage.Err)
	}
	if st.Size() > end {
		if l.damage == nil {
			l.damage = &Damage{Offset: end, Sequence: l.nextSeq, Err: ErrTruncated}
		}
		if l.readOnly {
			l.size = end
			return nil
		}
		if err := l.file.Truncate(end); err != nil {
			return fmt.Errorf("truncate damaged tail: %w", err)
		}
	}
	l.size = end
	return nil
}

// scan verifies frames in order and calls fn for each good one. It returns
// the offset just past the last good frame. Verification failures are
// recorded in l.damage and end the scan without an error.
func (l *Log) scan(fn func(*Entry) error) (int64, error) {
	offset := int64(HeaderSize)
	var prev [32]byte
	first := true

	for {
		lenBuf := make([]byte, 4)
		n, err := l.file.ReadAt(lenBuf, offset)
		if n < 4 {
			if err == io.EOF || err == nil {
				if n > 0 {
					l.damage = &Damage{Offset: offset, Err: ErrTruncated}
				}
				return offset, nil
			}
			return offset, err
		}
		size := binary.BigEndian.Uint32(lenBuf)
		if size < frameOverhead || size > maxFrameSize {
			l.damage = &Damage{Offset: offset, Err: ErrTruncated}
			return offset, nil
		}

		buf := make([]byte, size)
		if _, err := l.file.ReadAt(buf, offset); err != nil {
			if err == io.EOF {
				l.damage = &Damage{Offset: offset, Err: ErrTruncated}
				return offset, nil
			}
			return offset, err
		}
		e, err := decodeFrame(buf)
		if err != nil {
			l.damage = &Damage{Offset: offset, Err: err}
			return offset, nil
		}
		if e.CRC32 != e.crc() {
			l.damage = &Damage{Offset: offset, Sequence: e.Sequence, Err: ErrCorruptedEntry}
			return offset, nil
		}
		if !first && e.PrevHash != prev {
			l.damage = &Damage{Offset: offset, Sequence: e.Sequence, Err: ErrBrokenChain}
			return offset, nil
		}
		mac := l.mac(e)
		if !hmac.Equal(mac[:], e.HMAC[:]) {
			l.damage = &Damage{Offset: offset, Sequence: e.Sequence, Err: ErrInvalidHMAC}
			return offset, nil
		}
		if err := fn(e); err != nil {
			return offset, err
		}
		prev = e.hash()
		first = false
		offset += int64(size)
	}
}

// Append writes one entry and returns its sequence number.
func (l *Log) Append(t EntryType, payload []byte) (uint64, error) {
	seqs, err := l.AppendGroup([]Record{{Type: t, Payload: payload}})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendGroup writes several entries with a single write and sync.
func (l *Log) AppendGroup(recs []Record) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.readOnly {
		return nil, ErrReadOnly
	}

	now := time.Now().UnixNano()
	seqs := make([]uint64, len(recs))
	seq, prev := l.nextSeq, l.lastHash
	var out []byte
	for i, r := range recs {
		e := &Entry{
			Sequence:  seq,
			Timestamp: now,
			Type:      r.Type,
			Payload:   r.Payload,
			PrevHash:  prev,
		}
		e.HMAC = l.mac(e)
		e.CRC32 = e.crc()
		out = append(out, encodeFrame(e)...)
		seqs[i] = seq
		prev = e.hash()
		seq++
	}

	if _, err := l.file.WriteAt(out, l.size); err != nil {
		return nil, fmt.Errorf("write entries: %w", err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return nil, fmt.Errorf("sync entries: %w", err)
		}
	}

	l.nextSeq = seq
	l.lastHash = prev
	l.entries += len(recs)
	l.size += int64(len(out))
	return seqs, nil
}

// Entries returns every verified entry.
func (l *Log) Entries() ([]Entry, error) {
	return l.After(0)
}

// After returns verified entries with sequence greater than seq.
func (l *Log) After(seq uint64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	var out []Entry
	_, err := l.scan(func(e *Entry) error {
		if e.Sequence > seq {
			out = append(out, *e)
		}
		return nil
	})
	return out, err
}

// Compact drops entries up to and including throughSeq. Remaining entries
// keep their sequence numbers and are re-chained.
func (l *Log) Compact(throughSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.readOnly {
		return ErrReadOnly
	}

	var keep []Entry
	if _, err := l.scan(func(e *Entry) error {
		if e.Sequence > throughSeq {
			keep = append(keep, *e)
		}
		return nil
	}); err != nil {
		return err
	}

	tmp := l.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted log: %w", err)
	}
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	base := max(throughSeq, l.baseSeq)
	if err := l.writeHeader(f, base); err != nil {
		return fail(err)
	}
	var prev [32]byte
	offset := int64(HeaderSize)
	for i := range keep {
		e := &keep[i]
		e.PrevHash = prev
		e.HMAC = l.mac(e)
		e.CRC32 = e.crc()
		frame := encodeFrame(e)
		if _, err := f.WriteAt(frame, offset); err != nil {
			return fail(err)
		}
		offset += int64(len(frame))
		prev = e.hash()
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}

	if err := os.Rename(tmp, l.path); err != nil {
		return fail(err)
	}
	l.file.Close()
	l.file = f

	l.baseSeq = base
	l.lastHash = prev
	l.entries = len(keep)
	l.size = offset
	if len(keep) == 0 && l.nextSeq <= base {
		l.nextSeq = base + 1
	}
	return nil
}

// Damage reports a damaged tail found when the log was opened.
func (l *Log) Damage() *Damage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.damage == nil {
		return nil
	}
	d := *l.damage
	return &d
}

// Size returns the log size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// BaseSequence returns the sequence number the log was last compacted through.
func (l *Log) BaseSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseSeq
}

// LastSequence returns the last sequence number written, or the base
// sequence if the log is empty.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Exists checks if a log file exists at the given path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (l *Log) mac(e *Entry) [32]byte {
	h := hmac.New(sha256.New, l.key)
	writeSigned(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Entry) hash() [32]byte {
	h := sha256.New()
	writeSigned(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Entry) crc() uint32 {
	c := crc32.NewIEEE()
	writeSigned(c, e)
	c.Write(e.HMAC[:])
	return c.Sum32()
}

func writeSigned(w io.Writer, e *Entry) {
	var hdr [17]byte
	binary.BigEndian.PutUint64(hdr[0:8], e.Sequence)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(e.Timestamp))
	hdr[16] = byte(e.Type)
	w.Write(hdr[:])
	w.Write(e.Payload)
	w.Write(e.PrevHash[:])
}

func encodeFrame(e *Entry) []byte {
	size := frameOverhead + len(e.Payload)
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint64(buf[4:12], e.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(e.Timestamp))
	buf[20] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(e.Payload)))
	off := 25
	off += copy(buf[off:], e.Payload)
	off += copy(buf[off:], e.PrevHash[:])
	off += copy(buf[off:], e.HMAC[:])
	binary.BigEndian.PutUint32(buf[off:], e.CRC32)
	return buf
}

func decodeFrame(buf []byte) (*Entry, error) {
	if len(buf) < frameOverhead {
		return nil, ErrTruncated
	}
	e := &Entry{
		Sequence:  binary.BigEndian.Uint64(buf[4:12]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[12:20])),
		Type:      EntryType(buf[20]),
	}
	plen := int(binary.BigEndian.Uint32(buf[21:25]))
	if len(buf) != frameOverhead+plen {
		return nil, ErrTruncated
	}
	off := 25
	e.Payload = append([]byte(nil), buf[off:off+plen]...)
	off += plen
	off += copy(e.PrevHash[:], buf[off:off+32])
	off += copy(e.HMAC[:], buf[off:off+32])
	e.CRC32 = binary.BigEndian.Uint32(buf[off:])
	return e, nil
}
