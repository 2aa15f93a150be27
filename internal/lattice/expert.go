// Package lattice decides which Bravais lattice a data set belongs to,
// arbitrating between the indexing refiner and the symmetry program.
package lattice

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Cell is a unit cell: a, b, c, alpha, beta, gamma.
type Cell [6]float64

// AllowedLattices lists the Bravais lattices in order of increasing symmetry.
var AllowedLattices = []string{
	"aP", "mP", "mC", "oP", "oC", "oI", "oF", "tP", "tI", "hR", "hP", "cP", "cI", "cF",
}

var latticeToSpacegroup = map[string]int{
	"aP": 1, "mP": 3, "mC": 5,
	"oP": 16, "oC": 20, "oF": 22, "oI": 23,
	"tP": 75, "tI": 79,
	"hP": 143, "hR": 146,
	"cP": 195, "cF": 196, "cI": 197,
}

// SpacegroupNumber returns the lowest spacegroup number for lattice, used as
// its symmetry rank.
func SpacegroupNumber(lattice string) (int, error) {
	n, ok := latticeToSpacegroup[lattice]
	if !ok {
		return 0, fmt.Errorf("lattice: unknown lattice %q", lattice)
	}
	return n, nil
}

// FromSpacegroupNumber is the inverse of SpacegroupNumber.
func FromSpacegroupNumber(number int) (string, error) {
	for l, n := range latticeToSpacegroup {
		if n == number {
			return l, nil
		}
	}
	return "", fmt.Errorf("lattice: no lattice for spacegroup %d", number)
}

// ConstrainLattice applies the metric constraints of a lattice class (the
// first letter of the lattice symbol) to cell.
func ConstrainLattice(class byte, cell Cell) Cell {
	a, b, c, alpha, beta, gamma := cell[0], cell[1], cell[2], cell[3], cell[4], cell[5]
	switch class {
	case 'm':
		return Cell{a, b, c, 90, beta, 90}
	case 'o':
		return Cell{a, b, c, 90, 90, 90}
	case 't':
		e := (a + b) / 2
		return Cell{e, e, c, 90, 90, 90}
	case 'h':
		e := (a + b) / 2
		return Cell{e, e, c, 90, 90, 120}
	case 'c':
		e := (a + b + c) / 3
		return Cell{e, e, e, 90, 90, 90}
	}
	return Cell{a, b, c, alpha, beta, gamma}
}

// BDistortion is the summed absolute change between two cells.
func BDistortion(from, to Cell) float64 {
	total := 0.0
	for i := range from {
		total += math.Abs(to[i] - from[i])
	}
	return total
}

// ApplyLattice constrains cell for lattice and reports the distortion.
func ApplyLattice(lattice string, cell Cell) (Cell, float64) {
	constrained := ConstrainLattice(lattice[0], cell)
	return constrained, BDistortion(cell, constrained)
}

// Solution is one candidate lattice from an indexing program.
type Solution struct {
	Lattice string  `json:"lattice"`
	Cell    Cell    `json:"cell"`
	Penalty float64 `json:"penalty"`
}

// SortSolutions orders solutions by decreasing symmetry and constrains each
// cell to its lattice. Unknown lattices are dropped.
func SortSolutions(solutions []Solution) []Solution {
	out := make([]Solution, 0, len(solutions))
	for _, s := range solutions {
		if _, ok := latticeToSpacegroup[s.Lattice]; !ok {
			continue
		}
		s.Cell = ConstrainLattice(s.Lattice[0], s.Cell)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return latticeToSpacegroup[out[i].Lattice] > latticeToSpacegroup[out[j].Lattice]
	})
	return out
}

// RankSolutions builds the possible-lattice table: one entry per lattice
// (lowest penalty wins), penalties at or above maxPenalty discarded, nothing
// above maxSpacegroup when it is non-zero, highest symmetry first.
func RankSolutions(solutions []Solution, maxPenalty float64, maxSpacegroup int) []Solution {
	best := map[string]Solution{}
	for _, s := range solutions {
		n, ok := latticeToSpacegroup[s.Lattice]
		if !ok || s.Penalty >= maxPenalty {
			continue
		}
		if maxSpacegroup > 0 && n > maxSpacegroup {
			continue
		}
		if current, seen := best[s.Lattice]; seen && current.Penalty <= s.Penalty {
			continue
		}
		best[s.Lattice] = s
	}
	kept := make([]Solution, 0, len(best))
	for _, s := range best {
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool {
		ni, nj := latticeToSpacegroup[kept[i].Lattice], latticeToSpacegroup[kept[j].Lattice]
		if ni != nj {
			return ni > nj
		}
		return kept[i].Penalty < kept[j].Penalty
	})
	return SortSolutions(kept)
}

// Lattices returns the lattice symbols of solutions, in order.
func Lattices(solutions []Solution) []string {
	out := make([]string, len(solutions))
	for i, s := range solutions {
		out[i] = s.Lattice
	}
	return out
}

var laueToLattice = map[string]string{
	"Ammm": "oA", "C2/m": "mC", "Cmmm": "oC", "Fm-3": "cF", "Fm-3m": "cF",
	"Fmmm": "oF", "H-3": "hR", "H-3m": "hR", "R-3:H": "hR", "R-3m:H": "hR",
	"I4/m": "tI", "I4/mmm": "tI", "Im-3": "cI", "Im-3m": "cI", "Immm": "oI",
	"P-1": "aP", "P-3": "hP", "P-3m": "hP", "P2/m": "mP", "P4/m": "tP",
	"P4/mmm": "tP", "P6/m": "hP", "P6/mmm": "hP", "Pm-3": "cP", "Pm-3m": "cP",
	"Pmmm": "oP",
}

// LaueGroupToLattice maps a Pointless Laue group name such as "P 1 2/m 1"
// or "I 4/m m m" to its lattice.
func LaueGroupToLattice(laue string) (string, error) {
	fields := strings.Fields(laue)
	if len(fields) == 0 {
		return "", fmt.Errorf("lattice: empty laue group")
	}
	key := fields[0]
	for _, f := range fields[1:] {
		if f != "1" {
			key += f
		}
	}
	l, ok := laueToLattice[key]
	if !ok {
		return "", fmt.Errorf("lattice: unknown laue group %q", laue)
	}
	return l, nil
}

var pointgroupNumbers = map[string]int{
	"P1": 1, "P2": 3, "P121": 3, "C2": 5, "C121": 5,
	"P222": 16, "C222": 21, "F222": 22, "I222": 23,
	"P4": 75, "I4": 79, "P422": 89, "I422": 97,
	"P3": 143, "R3": 146, "H3": 146, "R3:H": 146, "P312": 149, "P321": 150,
	"R32": 155, "H32": 155, "R32:H": 155, "P6": 168, "P622": 177,
	"P23": 195, "F23": 196, "I23": 197, "P432": 207, "F432": 209, "I432": 211,
}

var pointgroupLattices = map[int]string{
	1: "aP", 3: "mP", 5: "mC", 16: "oP", 21: "oC", 22: "oF", 23: "oI",
	75: "tP", 79: "tI", 89: "tP", 97: "tI",
	143: "hP", 146: "hR", 149: "hP", 150: "hP", 155: "hR", 168: "hP", 177: "hP",
	195: "cP", 196: "cF", 197: "cI", 207: "cP", 209: "cF", 211: "cI",
}

// PointgroupNumber returns the number of the lowest spacegroup of a
// pointgroup name like "P 1 2 1".
func PointgroupNumber(pointgroup string) (int, error) {
	n, ok := pointgroupNumbers[strings.ReplaceAll(pointgroup, " ", "")]
	if !ok {
		return 0, fmt.Errorf("lattice: unknown pointgroup %q", pointgroup)
	}
	return n, nil
}

// PointgroupLattice returns the lattice of a pointgroup name.
func PointgroupLattice(pointgroup string) (string, error) {
	n, err := PointgroupNumber(pointgroup)
	if err != nil {
		return "", err
	}
	return pointgroupLattices[n], nil
}

// SpacegroupLattice returns the lattice of a chiral spacegroup name such as
// "P 41 21 2" by dropping the screw components of each axis.
func SpacegroupLattice(spacegroup string) (string, error) {
	fields := strings.Fields(spacegroup)
	if len(fields) == 0 {
		return "", fmt.Errorf("lattice: empty spacegroup")
	}
	pointgroup := fields[0]
	for _, f := range fields[1:] {
		if len(f) == 2 && f[0] >= '2' && f[0] <= '6' && f[1] >= '1' && f[1] <= '5' {
			f = f[:1]
		}
		pointgroup += f
	}
	l, err := PointgroupLattice(pointgroup)
	if err != nil {
		return "", fmt.Errorf("lattice: unknown spacegroup %q", spacegroup)
	}
	return l, nil
}
