package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/54b3r/docindex-go/internal/rag"
)

// Snapshot layout, little-endian:
//
//	magic      [4]byte "DIVF"
//	version    uint16
//	dimensions uint32
//	lists      uint32   configured L
//	active     uint32   lists with a centroid
//	trained    uint8
//	per active list:
//	  centroid [D]float32
//	  count    uint32
//	  per entry: id (uint16 len + bytes), document id (uint16 len + bytes), vector [D]float32
var snapshotMagic = [4]byte{'D', 'I', 'V', 'F'}

const snapshotVersion = 1

var le = binary.LittleEndian

// Save writes a point-in-time copy of the index to w. Searches continue
// while Save runs; mutations wait until it returns.
func (ix *IVF) Save(w io.Writer) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return ErrClosed
	}

	ix.seedMu.Lock()
	defer ix.seedMu.Unlock()
	n := int(ix.active.Load())
	for i := 0; i < n; i++ {
		ix.lists[i].mu.RLock()
		defer ix.lists[i].mu.RUnlock()
	}

	bw := bufio.NewWriter(w)
	header := []any{
		snapshotMagic,
		uint16(snapshotVersion),
		uint32(ix.cfg.Dimensions),
		uint32(len(ix.lists)),
		uint32(n),
		boolByte(ix.trained.Load()),
	}
	for _, v := range header {
		if err := binary.Write(bw, le, v); err != nil {
			return fmt.Errorf("index: write snapshot header: %w", err)
		}
	}

	for i := 0; i < n; i++ {
		l := ix.lists[i]
		if err := binary.Write(bw, le, l.centroid); err != nil {
			return fmt.Errorf("index: write centroid %d: %w", i, err)
		}
		if err := binary.Write(bw, le, uint32(len(l.ids))); err != nil {
			return fmt.Errorf("index: write list %d size: %w", i, err)
		}
		for j, id := range l.ids {
			if err := writeString(bw, id); err != nil {
				return fmt.Errorf("index: write entry id: %w", err)
			}
			if err := writeString(bw, l.docs[j]); err != nil {
				return fmt.Errorf("index: write entry document: %w", err)
			}
			if err := binary.Write(bw, le, l.vecs[j]); err != nil {
				return fmt.Errorf("index: write entry vector: %w", err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("index: flush snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save. The snapshot's dimension and list
// count take precedence over cfg; a non-zero cfg.Dimensions that disagrees
// with the snapshot fails with rag.ErrDimensionMismatch.
func Load(r io.Reader, cfg Config) (*IVF, error) {
	br := bufio.NewReader(r)

	var (
		magic   [4]byte
		version uint16
		dims    uint32
		lists   uint32
		active  uint32
		trained uint8
	)
	for _, v := range []any{&magic, &version, &dims, &lists, &active, &trained} {
		if err := binary.Read(br, le, v); err != nil {
			return nil, fmt.Errorf("index: read snapshot header: %w", err)
		}
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("index: not a snapshot (magic %q): %w", magic[:], rag.ErrInvalidInput)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("index: unsupported snapshot version %d: %w", version, rag.ErrInvalidInput)
	}
	if cfg.Dimensions != 0 && cfg.Dimensions != int(dims) {
		return nil, fmt.Errorf("index: snapshot has %d dimensions, configured %d: %w", dims, cfg.Dimensions, rag.ErrDimensionMismatch)
	}
	if active > lists || lists == 0 || lists > math.MaxInt32 {
		return nil, fmt.Errorf("index: corrupt snapshot header (lists %d, active %d): %w", lists, active, rag.ErrInvalidInput)
	}

	cfg.Dimensions = int(dims)
	cfg.Lists = int(lists)
	ix, err := New(cfg)
	if err != nil {
		return nil, err
	}

	for i := 0; i < int(active); i++ {
		centroid := make([]float32, dims)
		if err := binary.Read(br, le, centroid); err != nil {
			return nil, fmt.Errorf("index: read centroid %d: %w", i, err)
		}
		l := newList(centroid)

		var count uint32
		if err := binary.Read(br, le, &count); err != nil {
			return nil, fmt.Errorf("index: read list %d size: %w", i, err)
		}
		for j := uint32(0); j < count; j++ {
			id, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("index: read entry id: %w", err)
			}
			doc, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("index: read entry document: %w", err)
			}
			vec := make([]float32, dims)
			if err := binary.Read(br, le, vec); err != nil {
				return nil, fmt.Errorf("index: read entry vector: %w", err)
			}
			if _, dup := ix.loc[id]; dup {
				return nil, fmt.Errorf("index: duplicate id %q in snapshot: %w", id, rag.ErrInvalidInput)
			}
			l.add(id, doc, vec)
			ix.loc[id] = i
			if ix.byDoc[doc] == nil {
				ix.byDoc[doc] = make(map[string]struct{})
			}
			ix.byDoc[doc][id] = struct{}{}
		}
		ix.lists[i] = l
	}
	ix.active.Store(int32(active))
	ix.trained.Store(trained == 1)
	return ix, nil
}

// SaveFile writes the snapshot to path atomically via a temp file and rename.
func (ix *IVF) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("index: create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("index: create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := ix.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("index: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("index: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("index: publish snapshot: %w", err)
	}
	return nil
}

// LoadFile reads a snapshot from path. A missing file returns an error
// matching os.ErrNotExist.
func LoadFile(path string, cfg Config) (*IVF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open snapshot: %w", err)
	}
	defer f.Close()
	return Load(f, cfg)
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return errors.New("string too long")
	}
	if err := binary.Write(w, le, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, le, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
