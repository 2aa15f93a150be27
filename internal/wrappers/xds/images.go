package xds

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
)

// Selection is the set of images handed to IDXREF.
type Selection struct {
	Wedges     []Wedge `json:"wedges"`
	Background Wedge   `json:"background"`
}

// StartingFrame is the first image of the first wedge.
func (s Selection) StartingFrame() int {
	if len(s.Wedges) == 0 {
		return 0
	}
	return s.Wedges[0].First
}

// wedgeSize is the number of images covering about five degrees, never
// fewer than five.
func wedgeSize(phiWidth float64) int {
	return max(5, int(math.Round(5/phiWidth))-1)
}

func sortedImages(images []int) []int {
	out := slices.Clone(images)
	slices.Sort(out)
	return slices.Compact(out)
}

// SelectImagesI picks a few small wedges spread around the sweep: the start,
// then either the 45 and 90 degree wedges when the sweep is long enough, or
// the middle and the end. The background uses at most five images from the
// start.
func SelectImagesI(images []int, phiWidth float64) (Selection, error) {
	if phiWidth == 0 {
		return Selection{}, errors.New("cannot use still images")
	}
	images = sortedImages(images)
	if len(images) == 0 {
		return Selection{}, errors.New("xds: no images to index")
	}
	first, last := images[0], images[len(images)-1]
	sel := Selection{Background: Wedge{first, min(first+4, last)}}

	if len(images) < 3 {
		for _, i := range images {
			sel.Wedges = append(sel.Wedges, Wedge{i, i})
		}
		return sel, nil
	}

	block := min(len(images), wedgeSize(phiWidth))
	sel.Wedges = append(sel.Wedges, Wedge{first, images[block-1]})

	if slices.Contains(images, int(90/phiWidth)+block) {
		for _, deg := range []float64{45, 90} {
			start := int(deg/phiWidth) + first
			sel.Wedges = append(sel.Wedges, Wedge{start, start + block - 1})
		}
		return sel, nil
	}

	mid := max(len(images)/2-block/2+first-1, first)
	add := func(w Wedge) {
		if w != sel.Wedges[len(sel.Wedges)-1] {
			sel.Wedges = append(sel.Wedges, w)
		}
	}
	add(Wedge{mid, mid + block - 1})
	add(Wedge{images[len(images)-block], last})
	return sel, nil
}

// SelectImagesII uses the whole sweep, up to one full turn.
func SelectImagesII(images []int, phiWidth float64, minImages int) (Selection, error) {
	if phiWidth == 0 {
		return Selection{}, errors.New("cannot use still images")
	}
	images = sortedImages(images)
	if len(images) < 3 && len(images) < minImages {
		return Selection{}, fmt.Errorf("This INDEXER cannot be used for only %d images", len(images))
	}
	fiveDeg := wedgeSize(phiWidth)
	turn := int(math.Round(360/phiWidth)) - 1

	start, end := images[0], images[len(images)-1]
	if end-start > turn {
		end = start + turn
	}
	sel := Selection{Wedges: []Wedge{{start, end}}}
	if slices.Contains(images, start+fiveDeg) {
		sel.Background = Wedge{start, start + fiveDeg}
	} else {
		sel.Background = Wedge{start, end}
	}
	return sel, nil
}

// Strategy names an image selection for indexing.
type Strategy string

const (
	StrategyI  Strategy = "i"
	StrategyII Strategy = "ii"
)

// Quality summarises a trial indexing: fraction of spots indexed and the rms
// deviations of spot position and spindle angle.
type Quality struct {
	Fraction float64 `json:"fraction"`
	RMSD     float64 `json:"rmsd"`
	RMSPhi   float64 `json:"rmsphi"`
}

// DecideIOrII runs both trial indexings and picks a strategy. The comparison
// is an empirical heuristic kept as found: I wins only when it indexes more
// spots with smaller rmsd and rmsphi. Any error selects II.
func DecideIOrII(ctx context.Context, testI, testII func(context.Context) (*Quality, error)) Strategy {
	i, err := testI(ctx)
	if err != nil {
		return StrategyII
	}
	ii, err := testII(ctx)
	if err != nil {
		return StrategyII
	}
	if i == nil && ii != nil {
		return StrategyII
	}
	if i != nil && ii == nil {
		return StrategyI
	}
	if i == nil || ii == nil {
		return StrategyII
	}
	if i.Fraction > ii.Fraction && i.RMSD < ii.RMSD && i.RMSPhi < ii.RMSPhi {
		return StrategyI
	}
	return StrategyII
}
