package reign

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"throne-api/domain"
)

// Record framing: length (4) | crc32c (4) | offset (8) | payload.
const journalHeaderSize = 16

var (
	errJournalClosed = errors.New("journal closed")
	crcTable         = crc32.MakeTable(crc32.Castagnoli)
)

// JournalConfig controls the on-disk intent journal.
type JournalConfig struct {
	Dir          string
	SegmentBytes int64
	Logger       *log.Logger
}

type journalSegment struct {
	baseOffset uint64
	lastOffset uint64
	file       *os.File
	writer     *bufio.Writer
	size       int64
	path       string
}

// intent is a transition written ahead of the store commit. It stays pending
// until the checkpoint passes its offset.
type intent struct {
	Offset     uint64            `json:"offset"`
	Op         string            `json:"op"`
	Transition domain.Transition `json:"transition"`
	Timestamp  time.Time         `json:"timestamp"`

	encodedSize int64
}

type journal struct {
	cfg             JournalConfig
	mu              sync.Mutex
	segments        []*journalSegment
	nextOffset      uint64
	committedOffset uint64
	closed          bool
}

// openJournal opens or creates the journal and returns the intents that were
// never checkpointed, oldest first.
func openJournal(cfg JournalConfig) (*journal, []*intent, error) {
	if cfg.Dir == "" {
		return nil, nil, fmt.Errorf("journal dir required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 4 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, err
	}

	j := &journal{cfg: cfg}
	checkpoint, err := j.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	j.committedOffset = checkpoint
	j.nextOffset = checkpoint + 1

	paths, err := filepath.Glob(filepath.Join(cfg.Dir, "segment-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	pending := make([]*intent, 0)
	for _, path := range paths {
		seg, recs, err := j.loadSegment(path)
		if err != nil {
			return nil, nil, err
		}
		if seg == nil {
			continue
		}
		j.segments = append(j.segments, seg)
		for _, rec := range recs {
			if rec.Offset >= j.nextOffset {
				j.nextOffset = rec.Offset + 1
			}
			if rec.Offset > j.committedOffset {
				pending = append(pending, rec)
			}
		}
	}

	if len(j.segments) == 0 {
		if err := j.openSegmentLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		last := j.segments[len(j.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 64*1024)
	}
	return j, pending, nil
}

func (j *journal) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(j.cfg.Dir, "checkpoint"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

// loadSegment reads every intact record of a segment. A torn or corrupt tail
// is truncated away.
func (j *journal) loadSegment(path string) (*journalSegment, []*intent, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	seg := &journalSegment{path: path, file: f}
	recs := make([]*intent, 0)
	reader := bufio.NewReaderSize(f, 64*1024)
	var pos int64
	for {
		start := pos
		hdr := make([]byte, journalHeaderSize)
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if terr := f.Truncate(start); terr != nil {
					return nil, nil, terr
				}
				pos = start
				break
			}
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[8:16])
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				if terr := f.Truncate(start); terr != nil {
					return nil, nil, terr
				}
				pos = start
				break
			}
			return nil, nil, err
		}
		if crc32.Checksum(buf, crcTable) != crc {
			if terr := f.Truncate(start); terr != nil {
				return nil, nil, terr
			}
			pos = start
			if j.cfg.Logger != nil {
				j.cfg.Logger.WithField("segment", path).Warn("journal checksum mismatch; truncating tail")
			}
			break
		}

		var rec intent
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, nil, err
		}
		if rec.Offset != offset {
			return nil, nil, fmt.Errorf("journal offset mismatch: header=%d payload=%d", offset, rec.Offset)
		}
		if len(recs) == 0 {
			seg.baseOffset = rec.Offset
		}
		seg.lastOffset = rec.Offset
		rec.encodedSize = int64(journalHeaderSize) + int64(length)
		recs = append(recs, &rec)
	}
	seg.size = pos
	return seg, recs, nil
}

func (j *journal) openSegmentLocked() error {
	if j.closed {
		return errJournalClosed
	}
	path := filepath.Join(j.cfg.Dir, fmt.Sprintf("segment-%020d.log", j.nextOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, &journalSegment{
		baseOffset: j.nextOffset,
		lastOffset: j.nextOffset - 1,
		file:       f,
		writer:     bufio.NewWriterSize(f, 64*1024),
		path:       path,
	})
	return nil
}

// append durably writes rec and assigns its offset. It returns only after fsync.
func (j *journal) append(rec *intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}
	current := j.segments[len(j.segments)-1]
	if current.size >= j.cfg.SegmentBytes {
		if err := current.writer.Flush(); err != nil {
			return err
		}
		if err := current.file.Sync(); err != nil {
			return err
		}
		current.writer = nil
		if err := current.file.Close(); err != nil {
			return err
		}
		current.file = nil
		if err := j.openSegmentLocked(); err != nil {
			return err
		}
		current = j.segments[len(j.segments)-1]
	}

	rec.Offset = j.nextOffset
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	header := make([]byte, journalHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], rec.Offset)

	if _, err := current.writer.Write(header); err != nil {
		return err
	}
	if _, err := current.writer.Write(payload); err != nil {
		return err
	}
	if err := current.writer.Flush(); err != nil {
		return err
	}
	if err := current.file.Sync(); err != nil {
		return err
	}

	j.nextOffset++
	rec.encodedSize = int64(len(header) + len(payload))
	current.size += rec.encodedSize
	current.lastOffset = rec.Offset
	return nil
}

// rollback removes rec, which must be the most recent record.
func (j *journal) rollback(rec *intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.segments) == 0 {
		return nil
	}
	current := j.segments[len(j.segments)-1]
	if rec.Offset != current.lastOffset {
		return fmt.Errorf("rollback mismatch: offset=%d last=%d", rec.Offset, current.lastOffset)
	}
	if current.size < rec.encodedSize {
		return fmt.Errorf("rollback underflow")
	}
	current.size -= rec.encodedSize
	if err := current.file.Truncate(current.size); err != nil {
		return err
	}
	if _, err := current.file.Seek(current.size, io.SeekStart); err != nil {
		return err
	}
	current.writer = bufio.NewWriterSize(current.file, 64*1024)
	j.nextOffset = rec.Offset
	current.lastOffset--
	return nil
}

// checkpoint marks every record up to offset as resolved.
func (j *journal) checkpoint(offset uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if offset <= j.committedOffset {
		return nil
	}
	path := filepath.Join(j.cfg.Dir, "checkpoint")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := syncDir(j.cfg.Dir); err != nil {
		return err
	}
	j.committedOffset = offset
	j.pruneLocked()
	return nil
}

func (j *journal) pruneLocked() {
	for len(j.segments) > 1 {
		seg := j.segments[0]
		if seg.lastOffset > j.committedOffset {
			break
		}
		if seg.writer != nil {
			seg.writer.Flush()
		}
		if seg.file != nil {
			seg.file.Close()
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if j.cfg.Logger != nil {
				j.cfg.Logger.WithError(err).Warnf("failed to remove journal segment %s", seg.path)
			}
			break
		}
		j.segments = j.segments[1:]
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var firstErr error
	for _, seg := range j.segments {
		if seg.writer != nil {
			if err := seg.writer.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if seg.file == nil {
			continue
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
