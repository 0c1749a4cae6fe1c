package solver

import (
	"context"
	"math"
	"math/rand"
	"time"

	"optiq/internal/model"
)

// Params bound one search instance. Zero values fall back to documented
// defaults; a run with neither time nor iteration budget gets an iteration
// cap so it always terminates.
type Params struct {
	Seed          int64
	TimeBudget    time.Duration
	MaxIterations int64
	Patience      int64
	InitialTemp   float64
	Cooling       float64
}

const defaultIterations = 2000

func (p *Params) normalize() {
	if p.TimeBudget <= 0 && p.MaxIterations <= 0 {
		p.MaxIterations = defaultIterations
	}
	if p.Cooling <= 0 || p.Cooling >= 1 {
		p.Cooling = 0.995
	}
}

// Stats counts what one search instance did.
type Stats struct {
	Instance       int         `json:"instance"`
	Seed           int64       `json:"seed"`
	RemovalSelects [2]int64    `json:"removalSelects"` // random, shaw
	InsertSelects  [2]int64    `json:"insertSelects"`  // greedy, regret2
	Iterations     int64       `json:"iterations"`
	Improvements   int64       `json:"improvements"`
	AcceptedWorse  int64       `json:"acceptedWorse"`
	SeedScore      model.Score `json:"seedScore"`
	BestScore      model.Score `json:"bestScore"`
}

// Progress reports a new instance-local best. Callers throttle as needed.
type Progress func(iteration int64, best model.Score)

// search runs greedy construction followed by annealed remove-and-reinsert
// with operator roulette. It returns the best state seen; cancellation is
// honored between iterations and still returns the best so far.
func (e *Evaluator) search(ctx context.Context, params Params, prog Progress) (*state, Stats) {
	params.normalize()
	rng := rand.New(rand.NewSource(params.Seed))

	cur := newState(e)
	construct(cur)
	best := cur.clone()
	bestScore := best.score()
	stats := Stats{Seed: params.Seed, SeedScore: bestScore, BestScore: bestScore}

	if len(e.ts) == 0 || (cur.nUnassigned == 0 && len(e.ts) <= 1) {
		return best, stats
	}

	remW := []float64{1, 1}
	insW := []float64{1, 1}
	temp := params.InitialTemp
	if temp <= 0 {
		// proportional to the seed cost so acceptance starts permissive
		temp = 0.05 * (bestScore.Soft + 1)
	}

	var deadline time.Time
	if params.TimeBudget > 0 {
		deadline = time.Now().Add(params.TimeBudget)
	}
	var sinceBest int64
	for {
		if params.MaxIterations > 0 && stats.Iterations >= params.MaxIterations {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if params.Patience > 0 && sinceBest >= params.Patience {
			break
		}
		stats.Iterations++

		k := 1 + rng.Intn(3)
		op := selectOp(remW, rng)
		stats.RemovalSelects[op]++
		ip := selectOp(insW, rng)
		stats.InsertSelects[ip]++

		cand := cur.clone()
		switch op {
		case 0:
			randomRemoval(cand, k, rng)
		case 1:
			shawRemoval(cand, k, rng)
		}
		pool := cand.unassignedTasks()
		switch ip {
		case 0:
			greedyInsert(cand, pool)
		case 1:
			regretInsert(cand, pool)
		}
		touched := changedRoutes(cur, cand)
		for _, pi := range touched {
			twoOptRoute(cand, pi)
		}
		for i := 0; i < len(touched); i++ {
			for j := i + 1; j < len(touched); j++ {
				crossExchange(cand, touched[i], touched[j])
			}
		}

		curScore := cur.score()
		candScore := cand.score()
		improvedCur := candScore.Less(curScore)
		switch {
		case improvedCur || candScore.Equal(curScore):
			cur = cand
		case candScore.Hard > curScore.Hard:
			// never trade feasibility away
			remW[op] = math.Max(0.01, remW[op]*0.999)
			insW[ip] = math.Max(0.01, insW[ip]*0.999)
		default:
			delta := (candScore.Medium-curScore.Medium)*1000 + (candScore.Soft - curScore.Soft)
			if rng.Float64() < math.Exp(-delta/(temp+1e-9)) {
				cur = cand
				stats.AcceptedWorse++
				remW[op] += 0.01
				insW[ip] += 0.01
			} else {
				remW[op] = math.Max(0.01, remW[op]*0.999)
				insW[ip] = math.Max(0.01, insW[ip]*0.999)
			}
		}
		if candScore.Less(bestScore) {
			best = cand.clone()
			bestScore = candScore
			stats.Improvements++
			stats.BestScore = bestScore
			remW[op] += 0.1
			insW[ip] += 0.1
			sinceBest = 0
			if prog != nil {
				prog(stats.Iterations, bestScore)
			}
		} else {
			sinceBest++
		}
		temp *= params.Cooling
	}
	return best, stats
}

// changedRoutes lists providers whose sequence differs between two states.
func changedRoutes(a, b *state) []int {
	var out []int
	for pi := range a.seqs {
		sa, sb := a.seqs[pi], b.seqs[pi]
		if len(sa) != len(sb) {
			out = append(out, pi)
			continue
		}
		for i := range sa {
			if sa[i] != sb[i] {
				out = append(out, pi)
				break
			}
		}
	}
	return out
}

// selectOp draws an operator index by roulette wheel over its weights.
func selectOp(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	r := rng.Float64() * sum
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}
