package pool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"
)

// Undo log records are msgpack frames:
//
//	bin(body) uint64(xxhash(body))
//
// where body is one of
//
//	[recordBegin, txID]
//	[recordRange, txID, offset, length, compressed, image]
//
// A frame whose checksum does not match ends the log: it was torn by a crash
// before the log was synced, so the range it describes was never modified in
// the pool file.
const (
	recordBegin uint8 = 1
	recordRange uint8 = 2
)

var errTornRecord = errors.New("torn undo record")

type undoLog struct {
	path       string
	f          *os.File
	w          *bufio.Writer
	noSync     bool
	compressAt int
	txID       uint64
	body       []byte
	frame      []byte
}

func openUndoLog(path string, noSync bool, compressAt int) (*undoLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open undo log: %w", err)
	}
	return &undoLog{
		path:       path,
		f:          f,
		w:          bufio.NewWriterSize(f, 64*1024),
		noSync:     noSync,
		compressAt: compressAt,
	}, nil
}

func (l *undoLog) writeFrame(body []byte) error {
	l.frame = msgp.AppendBytes(l.frame[:0], body)
	l.frame = msgp.AppendUint64(l.frame, xxhash.Sum64(body))
	_, err := l.w.Write(l.frame)
	return err
}

func (l *undoLog) begin(txID uint64) error {
	l.txID = txID
	l.body = msgp.AppendArrayHeader(l.body[:0], 2)
	l.body = msgp.AppendUint8(l.body, recordBegin)
	l.body = msgp.AppendUint64(l.body, txID)
	return l.writeFrame(l.body)
}

func (l *undoLog) append(off uint64, image []byte) error {
	compressed := l.compressAt > 0 && len(image) >= l.compressAt
	payload := image
	if compressed {
		payload = snappy.Encode(nil, image)
	}
	l.body = msgp.AppendArrayHeader(l.body[:0], 6)
	l.body = msgp.AppendUint8(l.body, recordRange)
	l.body = msgp.AppendUint64(l.body, l.txID)
	l.body = msgp.AppendUint64(l.body, off)
	l.body = msgp.AppendUint64(l.body, uint64(len(image)))
	l.body = msgp.AppendBool(l.body, compressed)
	l.body = msgp.AppendBytes(l.body, payload)
	return l.writeFrame(l.body)
}

// sync makes every appended record durable.
func (l *undoLog) sync() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	if l.noSync {
		return nil
	}
	return l.f.Sync()
}

// reset empties the log, discarding buffered records.
func (l *undoLog) reset() error {
	l.w.Reset(l.f)
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if l.noSync {
		return nil
	}
	return l.f.Sync()
}

func (l *undoLog) close() error {
	return l.f.Close()
}

// readRecords decodes the durable prefix of the log.
func (l *undoLog) readRecords() ([]undoRecord, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}
	buf := make([]byte, fi.Size())
	if _, err := l.f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}

	var (
		records []undoRecord
		txID    uint64
		started bool
	)
	for len(buf) > 0 {
		body, rest, err := msgp.ReadBytesZC(buf)
		if err != nil {
			log.Warningf("undo log %s: torn frame after %d records", l.path, len(records))
			break
		}
		sum, rest, err := msgp.ReadUint64Bytes(rest)
		if err != nil || sum != xxhash.Sum64(body) {
			log.Warningf("undo log %s: checksum mismatch after %d records", l.path, len(records))
			break
		}
		buf = rest

		kind, id, rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		switch {
		case kind == recordBegin && !started:
			txID, started = id, true
		case kind == recordRange && started && id == txID:
			records = append(records, rec)
		default:
			return nil, fmt.Errorf("%w: unexpected record kind %d for tx %d", errTornRecord, kind, id)
		}
	}
	return records, nil
}

func decodeRecord(body []byte) (uint8, uint64, undoRecord, error) {
	var rec undoRecord
	sz, body, err := msgp.ReadArrayHeaderBytes(body)
	if err != nil {
		return 0, 0, rec, err
	}
	kind, body, err := msgp.ReadUint8Bytes(body)
	if err != nil {
		return 0, 0, rec, err
	}
	id, body, err := msgp.ReadUint64Bytes(body)
	if err != nil {
		return 0, 0, rec, err
	}
	if kind == recordBegin {
		return kind, id, rec, nil
	}
	if sz != 6 {
		return 0, 0, rec, fmt.Errorf("%w: range record with %d fields", errTornRecord, sz)
	}
	if rec.off, body, err = msgp.ReadUint64Bytes(body); err != nil {
		return 0, 0, rec, err
	}
	n, body, err := msgp.ReadUint64Bytes(body)
	if err != nil {
		return 0, 0, rec, err
	}
	compressed, body, err := msgp.ReadBoolBytes(body)
	if err != nil {
		return 0, 0, rec, err
	}
	payload, _, err := msgp.ReadBytesZC(body)
	if err != nil {
		return 0, 0, rec, err
	}
	if compressed {
		if rec.image, err = snappy.Decode(nil, payload); err != nil {
			return 0, 0, rec, err
		}
	} else {
		rec.image = append([]byte(nil), payload...)
	}
	if uint64(len(rec.image)) != n {
		return 0, 0, rec, fmt.Errorf("%w: image of %d bytes, want %d", errTornRecord, len(rec.image), n)
	}
	return kind, id, rec, nil
}

// recover writes the before-images of an interrupted transaction back into
// dst in reverse order, syncs it and empties the log. It returns the number of
// records applied.
func (l *undoLog) recover(dst *os.File, size int64) (int, error) {
	records, err := l.readRecords()
	if err != nil {
		return 0, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.off+uint64(len(r.image)) > uint64(size) {
			return 0, fmt.Errorf("%w: undo record %d+%d", ErrRangeOutOfPool, r.off, len(r.image))
		}
		if _, err := dst.WriteAt(r.image, int64(r.off)); err != nil {
			return 0, err
		}
	}
	if len(records) > 0 && !l.noSync {
		if err := dst.Sync(); err != nil {
			return 0, err
		}
	}
	if err := l.reset(); err != nil {
		return 0, err
	}
	return len(records), nil
}
