// Package statsstore persists per-Connection operational counters, so a
// restarted daemon can report continuous totals rather than resetting to
// zero. It is an ambient addition (SPEC_FULL.md §4.4): nothing in spec.md's
// core protocol reads from or writes to it.
package statsstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

const dirBadger = "db"

// Store is a badgerhold-backed table of ConnStats, one row per Connection,
// keyed by ConnID.
type Store struct {
	bh *badgerhold.Store
}

// NewStore opens (or creates) a Store rooted at dir, exactly like
// pkg/storage.NewStore's badgerDir layout.
func NewStore(dir string) (*Store, error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if err := os.MkdirAll(badgerDir, 0o700); err != nil {
		return nil, err
	}

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{bh: bh}, nil
}

// Close closes the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// ConnStats is the persisted counter set for a single Connection, keyed by
// its 6-byte connection id (sender host id ‖ channel id, see
// wire.Header.ConnID).
type ConnStats struct {
	ConnID       [6]byte `badgerhold:"key"`
	BytesIn      uint64
	BytesOut     uint64
	PacketsIn    uint64
	PacketsOut   uint64
	LastActivity time.Time
}

// MarshalCbor encodes a ConnStats as a fixed 6-element CBOR array, in the
// same "array of fields, explicit length prefix" style as
// pkg/bpv7's CBOR-encoded blocks.
func (cs *ConnStats) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(6, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(cs.ConnID[:], w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(cs.BytesIn, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(cs.BytesOut, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(cs.PacketsIn, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(cs.PacketsOut, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(cs.LastActivity.UnixNano()), w)
}

// UnmarshalCbor decodes a ConnStats previously written by MarshalCbor.
func (cs *ConnStats) UnmarshalCbor(r io.Reader) error {
	l, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if l != 6 {
		return fmt.Errorf("ConnStats: expected array with length 6, got %d", l)
	}

	connID, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	copy(cs.ConnID[:], connID)

	if cs.BytesIn, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if cs.BytesOut, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if cs.PacketsIn, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if cs.PacketsOut, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	nanos, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	cs.LastActivity = time.Unix(0, int64(nanos)).UTC()
	return nil
}

// row is the on-disk badgerhold record: the CBOR-encoded ConnStats blob,
// keyed by ConnID. The blob, not the Go struct, is the persisted format,
// so a lookup always goes through MarshalCbor/UnmarshalCbor rather than
// badgerhold's own struct reflection.
type row struct {
	ConnID [6]byte `badgerhold:"key"`
	Blob   []byte
}

// snapshotBlob CBOR-encodes stats before the badgerhold.Upsert call, the
// same round trip pkg/cla/mtcp uses around cboring.Marshal when framing a
// Bundle for the wire.
func snapshotBlob(stats *ConnStats) ([]byte, error) {
	var buf bytes.Buffer
	if err := cboring.Marshal(stats, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeBlob is snapshotBlob's inverse, used on every read path.
func decodeBlob(blob []byte) (ConnStats, error) {
	var cs ConnStats
	if err := cs.UnmarshalCbor(bytes.NewReader(blob)); err != nil {
		return ConnStats{}, err
	}
	return cs, nil
}

// Upsert writes stats for one Connection, replacing any previously stored
// row for the same ConnID. The stored value is the CBOR blob, not the Go
// struct, so the on-disk format stays wire-exact and portable.
func (s *Store) Upsert(stats ConnStats) error {
	blob, err := snapshotBlob(&stats)
	if err != nil {
		return err
	}
	return s.bh.Upsert(stats.ConnID, row{ConnID: stats.ConnID, Blob: blob})
}

// Get fetches the stored stats for connID, if any.
func (s *Store) Get(connID [6]byte) (ConnStats, bool) {
	var r row
	if err := s.bh.Get(connID, &r); err != nil {
		return ConnStats{}, false
	}
	cs, err := decodeBlob(r.Blob)
	if err != nil {
		return ConnStats{}, false
	}
	return cs, true
}

// All returns every stored ConnStats row.
func (s *Store) All() ([]ConnStats, error) {
	var rows []row
	if err := s.bh.Find(&rows, nil); err != nil && err != badgerhold.ErrNotFound {
		return nil, err
	}
	out := make([]ConnStats, 0, len(rows))
	for _, r := range rows {
		cs, err := decodeBlob(r.Blob)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, nil
}
