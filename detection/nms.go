package detection

import (
	"math"
	"sort"
)

// Candidate is a raw decoded network output box in inference (letterboxed)
// coordinates, before suppression.
type Candidate struct {
	X1, Y1, X2, Y2 float64
	ClassID        int
	Score          float64
}

// Area returns the candidate box area, zero for degenerate boxes.
func (c Candidate) Area() float64 {
	w := c.X2 - c.X1
	h := c.Y2 - c.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns intersection-over-union of two candidates.
func IoU(a, b Candidate) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)
	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppression keeps the highest scoring box of every overlapping group
// of the same class. A box is suppressed when its IoU with an already kept box
// exceeds iouThreshold. The result is ordered by descending score and holds at
// most maxDet entries (no cap when maxDet <= 0).
func NonMaxSuppression(cands []Candidate, iouThreshold float64, maxDet int) []Candidate {
	if len(cands) == 0 {
		return nil
	}

	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]Candidate, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if maxDet > 0 && len(kept) == maxDet {
			break
		}
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if IoU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
