package cyberspace

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Realm partitions cyberspace into independent sub-universes. The address
// layout reserves a single bit for it.
type Realm uint8

const (
	DSpace Realm = 0
	ISpace Realm = 1
)

func (r Realm) String() string {
	switch r {
	case DSpace:
		return "DSPACE"
	case ISpace:
		return "ISPACE"
	default:
		return "REALM_" + strconv.Itoa(int(r))
	}
}

// Coordinate is an immutable (realm, x, y, z) cell position. Axes are
// arbitrary-precision; whether they fit the address layout is checked by
// Encode. The zero value is the origin of d-space.
type Coordinate struct {
	realm   Realm
	x, y, z *big.Int
}

func NewCoordinate(realm Realm, x, y, z int64) Coordinate {
	return Coordinate{realm: realm, x: big.NewInt(x), y: big.NewInt(y), z: big.NewInt(z)}
}

// NewCoordinateBig copies x, y and z; later changes to the arguments do not
// affect the coordinate.
func NewCoordinateBig(realm Realm, x, y, z *big.Int) Coordinate {
	return Coordinate{realm: realm, x: cloneInt(x), y: cloneInt(y), z: cloneInt(z)}
}

func (c Coordinate) Realm() Realm { return c.realm }
func (c Coordinate) X() *big.Int  { return cloneInt(c.x) }
func (c Coordinate) Y() *big.Int  { return cloneInt(c.y) }
func (c Coordinate) Z() *big.Int  { return cloneInt(c.z) }

// Int64s returns the axes when all three fit in an int64.
func (c Coordinate) Int64s() (x, y, z int64, ok bool) {
	ax := c.axes()
	for _, v := range ax {
		if !v.IsInt64() {
			return 0, 0, 0, false
		}
	}
	return ax[0].Int64(), ax[1].Int64(), ax[2].Int64(), true
}

func (c Coordinate) Equal(o Coordinate) bool {
	if c.realm != o.realm {
		return false
	}
	a, b := c.axes(), o.axes()
	for i := range a {
		if a[i].Cmp(b[i]) != 0 {
			return false
		}
	}
	return true
}

// Offset returns the coordinate translated by (dx, dy, dz) in the same realm.
func (c Coordinate) Offset(dx, dy, dz int64) Coordinate {
	ax := c.axes()
	return Coordinate{
		realm: c.realm,
		x:     new(big.Int).Add(ax[0], big.NewInt(dx)),
		y:     new(big.Int).Add(ax[1], big.NewInt(dy)),
		z:     new(big.Int).Add(ax[2], big.NewInt(dz)),
	}
}

// sectorSize is 2^71, the number of cells per sector along each axis.
var sectorSize = new(big.Int).Lsh(big.NewInt(1), sectorShift)

// Sector scales the coordinate down to the coarse grid the renderer places
// cells on. Division truncates toward zero, so sector 0 spans both signs.
func (c Coordinate) Sector() [3]int64 {
	var out [3]int64
	for i, v := range c.axes() {
		out[i] = new(big.Int).Quo(v, sectorSize).Int64()
	}
	return out
}

func (c Coordinate) String() string {
	ax := c.axes()
	return fmt.Sprintf("%s(%s,%s,%s)", c.realm, ax[0], ax[1], ax[2])
}

func (c Coordinate) axes() [3]*big.Int {
	return [3]*big.Int{orZero(c.x), orZero(c.y), orZero(c.z)}
}

// ParseCoordinate parses "x,y,z" or "x,y,z,realm". Axes are decimal and may
// exceed int64; the realm defaults to i-space.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 && len(parts) != 4 {
		return Coordinate{}, fmt.Errorf("coordinate %q: want x,y,z[,realm]", s)
	}
	var ax [3]*big.Int
	for i := 0; i < 3; i++ {
		v, ok := new(big.Int).SetString(strings.TrimSpace(parts[i]), 10)
		if !ok {
			return Coordinate{}, fmt.Errorf("coordinate %q: bad axis %q", s, parts[i])
		}
		ax[i] = v
	}
	realm := ISpace
	if len(parts) == 4 {
		r, err := strconv.ParseUint(strings.TrimSpace(parts[3]), 10, 8)
		if err != nil {
			return Coordinate{}, fmt.Errorf("coordinate %q: bad realm: %w", s, err)
		}
		realm = Realm(r)
	}
	return Coordinate{realm: realm, x: ax[0], y: ax[1], z: ax[2]}, nil
}

var zero = new(big.Int)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return zero
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
