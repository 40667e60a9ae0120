package mosaic

import (
	"container/heap"
	"math/rand/v2"

	"github.com/kiesman99/mosaic/pkg/tile"
)

type candidate struct {
	index int
	dist  float64
}

// candidateHeap is a max-heap on distance, so the root is the worst of the
// current k best.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(candidate))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Nearest returns the indices of the k colors closest to target, in no
// particular order. k is clamped to [1, len(colors)]. On equal distance the
// lower index is kept.
func Nearest(target tile.Color, colors []tile.Color, k int) []int {
	if len(colors) == 0 {
		return nil
	}
	k = min(max(k, 1), len(colors))

	h := make(candidateHeap, 0, k)
	for i, c := range colors {
		d := target.DistanceSq(c)
		if h.Len() < k {
			heap.Push(&h, candidate{index: i, dist: d})
			continue
		}
		if d < h[0].dist {
			h[0] = candidate{index: i, dist: d}
			heap.Fix(&h, 0)
		}
	}

	indices := make([]int, len(h))
	for i, c := range h {
		indices[i] = c.index
	}
	return indices
}

// Select picks uniformly at random among the k colors nearest to target and
// returns its index, or -1 if colors is empty. A nil rng uses the global
// source.
func Select(target tile.Color, colors []tile.Color, k int, rng *rand.Rand) int {
	candidates := Nearest(target, colors, k)
	switch len(candidates) {
	case 0:
		return -1
	case 1:
		return candidates[0]
	}
	if rng == nil {
		return candidates[rand.IntN(len(candidates))]
	}
	return candidates[rng.IntN(len(candidates))]
}
