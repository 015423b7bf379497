// Package cache stores embedding vectors keyed by model and text so that
// unchanged statements and requirements are not embedded twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrCorrupted is returned for stored values that are not a float32 vector.
var ErrCorrupted = errors.New("corrupted cache entry")

// Cache is an embedding cache. Implementations are safe for concurrent use.
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
	Close() error
}

// Key derives the cache key for text embedded by model at dim output
// dimensions. A dim of 0 stands for the model's native size.
func Key(model string, dim int, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(dim)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decode(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupted, len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Name() string { return "none" }

func (Nop) Get(context.Context, string) ([]float32, bool, error) { return nil, false, nil }

func (Nop) Set(context.Context, string, []float32) error { return nil }

func (Nop) Close() error { return nil }
