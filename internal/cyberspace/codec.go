package cyberspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Address layout (256 bits):
//
//	stream bit i, for i < 255, holds bit i/3 of axis i%3 (x, y, z interleaved)
//	stream bit 255 holds the realm
//
// Stream bit i lives in byte i/8 of the 32-byte form at bit position i%8.
// Axes are stored offset-binary: stored = v + 2^84.
const (
	AxisBits    = 85
	AddressBits = 256

	realmBit    = 3 * AxisBits
	sectorShift = 71
)

var (
	ErrOutOfRange     = errors.New("cyberspace: coordinate out of range")
	ErrInvalidAddress = errors.New("cyberspace: invalid address")
)

var (
	axisOffset = new(big.Int).Lsh(big.NewInt(1), AxisBits-1)
	axisNames  = [3]string{"x", "y", "z"}
)

// MinAxis and MaxAxis bound every axis value Encode accepts.
func MinAxis() *big.Int { return new(big.Int).Neg(axisOffset) }
func MaxAxis() *big.Int { return new(big.Int).Sub(axisOffset, big.NewInt(1)) }

// Address is the fixed-width identity of a cell. It is comparable and can be
// used as a map key.
type Address struct {
	n uint256.Int
}

func AddressFromBytes(b [32]byte) Address {
	var a Address
	a.n.SetBytes32(b[:])
	return a
}

// ParseAddress reads the 64-char hex form produced by Address.Hex.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return Address{}, fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidAddress, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	var b [32]byte
	copy(b[:], raw)
	return AddressFromBytes(b), nil
}

func (a Address) Bytes() [32]byte { return a.n.Bytes32() }
func (a Address) Hex() string {
	b := a.n.Bytes32()
	return hex.EncodeToString(b[:])
}
func (a Address) String() string { return a.Hex() }

// Int returns a copy of the address as a 256-bit integer.
func (a Address) Int() *uint256.Int { return new(uint256.Int).Set(&a.n) }

func (a *Address) setStreamBit(i int) {
	b := streamToValueBit(i)
	a.n[b/64] |= 1 << (b % 64)
}

func (a Address) streamBit(i int) uint {
	b := streamToValueBit(i)
	return uint(a.n[b/64]>>(b%64)) & 1
}

func streamToValueBit(i int) int {
	return (31-i/8)*8 + i%8
}

// Encode packs c into its address. It fails with ErrOutOfRange when an axis
// is outside [MinAxis, MaxAxis] or the realm needs more than one bit.
func Encode(c Coordinate) (Address, error) {
	if c.realm > ISpace {
		return Address{}, fmt.Errorf("%w: realm %d", ErrOutOfRange, c.realm)
	}
	var words [3]*big.Int
	for axis, v := range c.axes() {
		u := new(big.Int).Add(v, axisOffset)
		if u.Sign() < 0 || u.BitLen() > AxisBits {
			return Address{}, fmt.Errorf("%w: %s=%s", ErrOutOfRange, axisNames[axis], v)
		}
		words[axis] = u
	}

	var a Address
	for j := 0; j < AxisBits; j++ {
		for axis := 0; axis < 3; axis++ {
			if words[axis].Bit(j) == 1 {
				a.setStreamBit(3*j + axis)
			}
		}
	}
	if c.realm == ISpace {
		a.setStreamBit(realmBit)
	}
	return a, nil
}

// Decode is the inverse of Encode. The layout reserves no bits, so every
// address maps back to exactly one coordinate.
func Decode(a Address) (Coordinate, error) {
	var words [3]*big.Int
	for i := range words {
		words[i] = new(big.Int)
	}
	for i := 0; i < realmBit; i++ {
		if a.streamBit(i) == 1 {
			words[i%3].SetBit(words[i%3], i/3, 1)
		}
	}
	for i := range words {
		words[i].Sub(words[i], axisOffset)
	}
	realm := DSpace
	if a.streamBit(realmBit) == 1 {
		realm = ISpace
	}
	return Coordinate{realm: realm, x: words[0], y: words[1], z: words[2]}, nil
}

// MustEncode is Encode for coordinates known to be in range.
func MustEncode(c Coordinate) Address {
	a, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return a
}

// Home returns the cell an identity lives at: its 32 bytes read as an address.
func Home(identity [32]byte) Coordinate {
	c, _ := Decode(AddressFromBytes(identity))
	return c
}
