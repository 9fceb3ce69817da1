package share

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// prgKeySize is the key length for the BLAKE2b XOF behind a PRG.
const prgKeySize = 32

// PRG is a deterministic pseudo-random stream of ring elements expanded from
// a short key with the BLAKE2b XOF. It is not safe for concurrent use; create
// one per goroutine or per operation.
type PRG struct {
	xof blake2b.XOF
	buf [8]byte
}

// NewPRG creates a PRG keyed with fresh randomness from crypto/rand.
func NewPRG() (*PRG, error) {
	key := make([]byte, prgKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("seeding prg: %w", err)
	}
	return NewSeededPRG(key)
}

// NewSeededPRG creates a PRG from an explicit key. The stream is fully
// determined by the key, which makes it suitable for reproducible tests.
func NewSeededPRG(key []byte) (*PRG, error) {
	if len(key) != prgKeySize {
		return nil, fmt.Errorf("prg key must be %d bytes, got %d", prgKeySize, len(key))
	}
	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, key)
	if err != nil {
		return nil, fmt.Errorf("creating blake2b xof: %w", err)
	}
	return &PRG{xof: xof}, nil
}

// Uint64 returns the next 64 bits of the stream.
func (p *PRG) Uint64() uint64 {
	if _, err := p.xof.Read(p.buf[:]); err != nil {
		// The XOF in unknown-length mode never runs out of stream.
		panic(fmt.Sprintf("blake2b xof read: %v", err))
	}
	return binary.LittleEndian.Uint64(p.buf[:])
}

// Int64 returns the next ring element of the stream.
func (p *PRG) Int64() int64 { return int64(p.Uint64()) }

// Fill overwrites dst with ring elements from the stream.
func (p *PRG) Fill(dst []int64) {
	for i := range dst {
		dst[i] = p.Int64()
	}
}

// FillBounded overwrites dst with values uniform in [0, 2^bits).
func (p *PRG) FillBounded(dst []int64, bits uint) {
	mask := uint64(1)<<bits - 1
	for i := range dst {
		dst[i] = int64(p.Uint64() & mask)
	}
}

// FillPositive overwrites dst with values uniform in [1, 2^bits].
func (p *PRG) FillPositive(dst []int64, bits uint) {
	mask := uint64(1)<<bits - 1
	for i := range dst {
		dst[i] = int64(p.Uint64()&mask) + 1
	}
}
