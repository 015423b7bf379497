package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
)

const (
	vectorSuffix = ".vec"
	metaSuffix   = ".meta"

	formatVersion = 1
)

var magic = [4]byte{'R', 'M', 'V', 'X'}

// vectorHeader precedes the little-endian float32 records in the .vec artifact.
type vectorHeader struct {
	Magic      [4]byte
	Version    uint16
	Metric     uint8
	_          uint8
	Dimension  uint32
	Count      uint64
	Generation int64
}

var headerSize = int64(binary.Size(vectorHeader{}))

// metadata is the msgpack encoded .meta artifact.
type metadata struct {
	Version     int                   `msgpack:"version"`
	Dimension   int                   `msgpack:"dimension"`
	Metric      uint8                 `msgpack:"metric"`
	Generation  int64                 `msgpack:"generation"`
	Fingerprint string                `msgpack:"fingerprint"`
	Model       string                `msgpack:"model"`
	Payloads    []candidate.Statement `msgpack:"payloads"`
}

// Paths returns the vector and metadata artifact paths for base.
func Paths(base string) (vec, meta string) {
	return base + vectorSuffix, base + metaSuffix
}

// Save writes the index as two artifacts next to path. Each artifact is
// written to a temporary file and renamed into place; both carry the same
// generation stamp so a half-replaced pair is detected on load.
func (x *Index) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	vecPath, metaPath := Paths(path)
	if err := os.MkdirAll(filepath.Dir(vecPath), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	generation := time.Now().UnixNano()

	header := vectorHeader{
		Magic:      magic,
		Version:    formatVersion,
		Metric:     uint8(x.metric),
		Dimension:  uint32(x.dim),
		Count:      uint64(len(x.payloads)),
		Generation: generation,
	}

	err := writeAtomic(vecPath, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, header); err != nil {
			return err
		}
		if len(x.vectors) == 0 {
			return nil
		}
		return binary.Write(w, binary.LittleEndian, x.vectors)
	})
	if err != nil {
		return fmt.Errorf("writing vectors: %w", err)
	}

	meta := metadata{
		Version:     formatVersion,
		Dimension:   x.dim,
		Metric:      uint8(x.metric),
		Generation:  generation,
		Fingerprint: x.fingerprint,
		Model:       x.model,
		Payloads:    x.payloads,
	}

	err = writeAtomic(metaPath, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(&meta)
	})
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	return nil
}

// Load reads an index written by Save. Missing artifacts yield
// ErrIndexNotFound; anything inconsistent yields ErrPersistence.
func Load(path string) (*Index, error) {
	vecPath, metaPath := Paths(path)

	meta, err := readMetadata(metaPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(vecPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, vecPath)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var header vectorHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: reading vector header: %v", ErrPersistence, err)
	}

	switch {
	case header.Magic != magic:
		return nil, fmt.Errorf("%w: %s is not a vector artifact", ErrPersistence, vecPath)
	case header.Version != formatVersion || meta.Version != formatVersion:
		return nil, fmt.Errorf("%w: unsupported format version %d/%d", ErrPersistence, header.Version, meta.Version)
	case header.Generation != meta.Generation:
		return nil, fmt.Errorf("%w: vector and metadata artifacts come from different saves", ErrPersistence)
	case int(header.Dimension) != meta.Dimension || header.Metric != meta.Metric:
		return nil, fmt.Errorf("%w: vector header (dim %d, metric %d) disagrees with metadata (dim %d, metric %d)",
			ErrPersistence, header.Dimension, header.Metric, meta.Dimension, meta.Metric)
	case header.Count != uint64(len(meta.Payloads)):
		return nil, fmt.Errorf("%w: %d vectors but %d payloads", ErrPersistence, header.Count, len(meta.Payloads))
	}

	expected := headerSize + int64(header.Count)*int64(header.Dimension)*4
	if info.Size() != expected {
		return nil, fmt.Errorf("%w: vector artifact has %d bytes, expected %d", ErrPersistence, info.Size(), expected)
	}

	x, err := New(int(header.Dimension), Metric(header.Metric))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	x.vectors = make([]float32, int(header.Count)*int(header.Dimension))
	if len(x.vectors) > 0 {
		if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, x.vectors); err != nil {
			return nil, fmt.Errorf("%w: reading vectors: %v", ErrPersistence, err)
		}
	}

	x.payloads = meta.Payloads
	x.fingerprint = meta.Fingerprint
	x.model = meta.Model

	return x, nil
}

func readMetadata(path string) (*metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer f.Close()

	var meta metadata
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %v", ErrPersistence, err)
	}

	return &meta, nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	buf := bufio.NewWriter(tmp)
	if err := write(buf); err != nil {
		cleanup()
		return err
	}
	if err := buf.Flush(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return nil
}
