// Package prng provides the deterministic random streams that drive the
// simulation. Every stream is an HMAC-SHA256 counter generator keyed from an
// integer seed, so a given seed always yields the same sequence of draws.
//
// Streams are never shared between consumers: each node, the transport and
// the environment jitter own one. Reusing a stream couples components and
// breaks replay.
package prng

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeyLength is the size of the derived HMAC key in bytes.
const KeyLength = 32

var hkdfSalt = []byte("odyssey-mesh:prng:v1")

// Stream is a reproducible source of uniform draws.
type Stream struct {
	mu      sync.Mutex
	seed    int64
	key     []byte
	counter uint64
}

// New returns a stream for the given integer seed.
func New(seed int64) *Stream {
	key, err := DeriveKey(seed)
	if err != nil {
		// hkdf only fails when asked for more than 255 hash blocks
		panic(err)
	}
	return &Stream{seed: seed, key: key}
}

// DeriveKey expands an integer seed into a KeyLength-byte HMAC key.
func DeriveKey(seed int64) ([]byte, error) {
	ikm := make([]byte, 8)
	binary.BigEndian.PutUint64(ikm, uint64(seed)) //nolint:gosec // bit pattern only
	r := hkdf.New(sha256.New, ikm, hkdfSalt, []byte("stream"))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("prng: derive key: %w", err)
	}
	return key, nil
}

// Seed returns the integer seed the stream was built from.
func (s *Stream) Seed() int64 { return s.seed }

// Key returns the hex-encoded derived key (for logging).
func (s *Stream) Key() string { return hex.EncodeToString(s.key) }

// Draws returns how many 64-bit values have been consumed.
func (s *Stream) Draws() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Uint64 returns the next value in the stream.
func (s *Stream) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	counterBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(counterBytes, s.counter)

	h := hmac.New(sha256.New, s.key)
	h.Write(counterBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Float64 returns a value in [0, 1).
func (s *Stream) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// Uniform returns a value in [lo, hi).
func (s *Stream) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.Float64()
}

// Gauss returns a normally distributed value. It consumes two draws.
func (s *Stream) Gauss(mu, sigma float64) float64 {
	u1 := 1 - s.Float64() // (0, 1]
	u2 := s.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mu + sigma*z
}

// Intn returns a value in [0, n). n <= 0 yields 0 without consuming a draw.
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(s.Uint64() % uint64(n)) //nolint:gosec // Safe modulo
}

// Shuffle permutes n elements in place with Fisher-Yates, one draw per swap.
func (s *Stream) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := s.Intn(i + 1)
		swap(i, j)
	}
}
