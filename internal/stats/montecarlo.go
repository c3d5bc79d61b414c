package stats

import (
	"math"
	"math/rand"
	"sort"
)

// MonteCarloResult describes the distribution of outcomes over reordered
// or resampled trade sequences.
type MonteCarloResult struct {
	Iterations        int     `json:"iterations"`
	ObservedDrawdown  float64 `json:"observed_drawdown"`
	MedianDrawdown    float64 `json:"median_drawdown"`
	P95Drawdown       float64 `json:"p95_drawdown"`
	MedianFinal       float64 `json:"median_final_pnl"`
	P5Final           float64 `json:"p5_final_pnl"`
	P95Final          float64 `json:"p95_final_pnl"`
	ProbWorseDrawdown float64 `json:"prob_worse_drawdown"`
	ProbLoss          float64 `json:"prob_loss"`
}

// MonteCarlo reshuffles the order of pnls n times. Final P&L is fixed under
// reordering, so only the drawdown distribution varies; use Bootstrap for a
// spread of final outcomes. The same seed always gives the same result.
func MonteCarlo(pnls []float64, observedDD float64, n int, seed int64) MonteCarloResult {
	return simulate(pnls, observedDD, n, seed, func(r *rand.Rand, dst []float64) {
		copy(dst, pnls)
		r.Shuffle(len(dst), func(i, j int) { dst[i], dst[j] = dst[j], dst[i] })
	})
}

// Bootstrap resamples pnls with replacement n times
func Bootstrap(pnls []float64, observedDD float64, n int, seed int64) MonteCarloResult {
	return simulate(pnls, observedDD, n, seed, func(r *rand.Rand, dst []float64) {
		for i := range dst {
			dst[i] = pnls[r.Intn(len(pnls))]
		}
	})
}

func simulate(pnls []float64, observedDD float64, n int, seed int64, draw func(*rand.Rand, []float64)) MonteCarloResult {
	res := MonteCarloResult{Iterations: n, ObservedDrawdown: observedDD}
	if n <= 0 || len(pnls) == 0 {
		return res
	}

	r := rand.New(rand.NewSource(seed))
	seq := make([]float64, len(pnls))
	dds := make([]float64, n)
	finals := make([]float64, n)
	var worse, losses int
	for i := 0; i < n; i++ {
		draw(r, seq)
		dds[i] = MaxDrawdown(seq)
		var final float64
		for _, p := range seq {
			final += p
		}
		finals[i] = final
		if dds[i] > observedDD {
			worse++
		}
		if final < 0 {
			losses++
		}
	}

	sort.Float64s(dds)
	sort.Float64s(finals)
	res.MedianDrawdown = Percentile(dds, 50)
	res.P95Drawdown = Percentile(dds, 95)
	res.MedianFinal = Percentile(finals, 50)
	res.P5Final = Percentile(finals, 5)
	res.P95Final = Percentile(finals, 95)
	res.ProbWorseDrawdown = float64(worse) / float64(n)
	res.ProbLoss = float64(losses) / float64(n)
	return res
}

// Percentile interpolates linearly between closest ranks of an ascending
// slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
