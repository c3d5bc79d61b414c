package walkforward

import (
	"fmt"
	"strings"

	"github.com/sawpanic/fxrun/internal/signal"
)

// Grid lists candidate values per tunable oracle threshold. An empty
// dimension keeps the base value.
type Grid struct {
	MinConfidence            []float64 `yaml:"min_confidence" json:"min_confidence"`
	BrokenLevelCooldownHours []float64 `yaml:"broken_level_cooldown_hours" json:"broken_level_cooldown_hours"`
	MinEdgePips              []float64 `yaml:"min_edge_pips" json:"min_edge_pips"`
}

// ParamSet is one grid combination
type ParamSet struct {
	MinConfidence            float64 `json:"min_confidence"`
	BrokenLevelCooldownHours float64 `json:"broken_level_cooldown_hours"`
	MinEdgePips              float64 `json:"min_edge_pips"`
}

// Apply overlays the combination on base
func (p ParamSet) Apply(base signal.Params) signal.Params {
	base.MinConfidence = p.MinConfidence
	base.BrokenLevelCooldownHours = p.BrokenLevelCooldownHours
	base.MinEdgePips = p.MinEdgePips
	return base
}

func (p ParamSet) String() string {
	return fmt.Sprintf("conf=%.2f cooldown=%.0fh edge=%.1f", p.MinConfidence, p.BrokenLevelCooldownHours, p.MinEdgePips)
}

// Size is the number of combinations
func (g Grid) Size() int {
	n := 1
	for _, d := range [][]float64{g.MinConfidence, g.BrokenLevelCooldownHours, g.MinEdgePips} {
		if len(d) > 0 {
			n *= len(d)
		}
	}
	return n
}

// Combinations expands the cartesian product. Order is deterministic:
// confidence varies slowest, edge fastest.
func (g Grid) Combinations(base signal.Params) []ParamSet {
	or := func(vals []float64, def float64) []float64 {
		if len(vals) == 0 {
			return []float64{def}
		}
		return vals
	}
	confs := or(g.MinConfidence, base.MinConfidence)
	cools := or(g.BrokenLevelCooldownHours, base.BrokenLevelCooldownHours)
	edges := or(g.MinEdgePips, base.MinEdgePips)

	out := make([]ParamSet, 0, len(confs)*len(cools)*len(edges))
	for _, c := range confs {
		for _, h := range cools {
			for _, e := range edges {
				out = append(out, ParamSet{MinConfidence: c, BrokenLevelCooldownHours: h, MinEdgePips: e})
			}
		}
	}
	return out
}

// Objective ranks grid-search runs
type Objective string

const (
	ObjectiveProfitFactor Objective = "profit_factor"
	ObjectiveNetPnL       Objective = "net_pnl"
	ObjectiveWinRate      Objective = "win_rate"
	ObjectiveExpectancy   Objective = "expectancy"
)

// ParseObjective accepts the objective names in any case
func ParseObjective(s string) (Objective, error) {
	switch o := Objective(strings.ToLower(strings.TrimSpace(s))); o {
	case ObjectiveProfitFactor, ObjectiveNetPnL, ObjectiveWinRate, ObjectiveExpectancy:
		return o, nil
	}
	return "", fmt.Errorf("unknown objective %q", s)
}
