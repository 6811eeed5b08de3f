// Package location implements arithmetic on the circular [0,1) location
// space used to route requests greedily towards a target key.
package location

import "math"

// Location is a coordinate in the circular space [0,1). Zero and one are the
// same point.
type Location float64

// Invalid is used by callers that need to express "no location known yet".
const Invalid Location = -1.0

// Normalize folds x into [0,1).
func Normalize(x float64) Location {
	x = math.Mod(x, 1.0)
	if x < 0 {
		x += 1.0
	}
	return Location(x)
}

// Valid reports whether l is a normalized, usable coordinate.
func (l Location) Valid() bool {
	return l >= 0 && l < 1.0
}

// Distance returns the circular distance between a and b, in [0, 0.5].
func Distance(a, b Location) float64 {
	d := math.Abs(float64(a) - float64(b))
	if d > 0.5 {
		d = 1.0 - d
	}
	return d
}

// CloserOf reports whether a is strictly closer to target than b is. Ties
// are not resolved here; callers that need a deterministic tie-break use
// CloserOfID.
func CloserOf(target, a, b Location) bool {
	return Distance(target, a) < Distance(target, b)
}

// CloserOfID breaks an exact-distance tie by numerically smaller peer
// identifier, per spec.md §4.1.
func CloserOfID(target Location, aLoc Location, aID uint64, bLoc Location, bID uint64) bool {
	da, db := Distance(target, aLoc), Distance(target, bLoc)
	if da != db {
		return da < db
	}
	return aID < bID
}
