// Package pow scores claim fingerprints. Everything here is pure and safe to
// call from many goroutines.
package pow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"

	"lukechampine.com/blake3"
)

const (
	DigestBits = 256
	NonceLen   = 8
)

type Digest [32]byte

func (d Digest) Hex() string    { return hex.EncodeToString(d[:]) }
func (d Digest) String() string { return d.Hex() }

func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("digest: want %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// WorkScore counts leading zero bits of d read big-endian.
func WorkScore(d Digest) int {
	n := 0
	for _, b := range d {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

func Meets(d Digest, difficulty int) bool {
	return WorkScore(d) >= difficulty
}

type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown pow algorithm %q", s)
	}
}

// Evaluator fingerprints claim material with one hash algorithm. All peers
// on a relay network must agree on it.
type Evaluator struct {
	alg Algorithm
}

func NewEvaluator(alg Algorithm) Evaluator {
	if alg == "" {
		alg = SHA256
	}
	return Evaluator{alg: alg}
}

func (e Evaluator) Algorithm() Algorithm {
	if e.alg == "" {
		return SHA256
	}
	return e.alg
}

// Sum hashes prebuilt material (see Material).
func (e Evaluator) Sum(material []byte) Digest {
	if e.alg == BLAKE3 {
		return Digest(blake3.Sum256(material))
	}
	return Digest(sha256.Sum256(material))
}

// Fingerprint hashes address || claimant || payload || nonce.
func (e Evaluator) Fingerprint(address, claimant [32]byte, payload []byte, nonce uint64) Digest {
	return e.Sum(Material(address, claimant, payload, nonce))
}

// Material lays out the hashed bytes. The nonce is last so a search loop can
// rewrite it in place with PutNonce.
func Material(address, claimant [32]byte, payload []byte, nonce uint64) []byte {
	buf := make([]byte, 0, 64+len(payload)+NonceLen)
	buf = append(buf, address[:]...)
	buf = append(buf, claimant[:]...)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return buf
}

// PutNonce overwrites the trailing nonce of a Material buffer.
func PutNonce(material []byte, nonce uint64) {
	binary.BigEndian.PutUint64(material[len(material)-NonceLen:], nonce)
}
