package solver

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"optiq/internal/model"
	"optiq/internal/travel"
)

// ErrNoFeasible is returned when options demand a full assignment and the
// search ends with tasks still unplaced.
var ErrNoFeasible = errors.New("no feasible full assignment")

// bestMark gates job.improved events across instances. The final winner is
// picked after every instance finishes, so event racing never changes the
// returned solution.
type bestMark struct {
	score model.Score
	inst  int
}

func (b *bestMark) better(c *bestMark) bool {
	if !b.score.Equal(c.score) {
		return b.score.Less(c.score)
	}
	return b.inst < c.inst
}

// Solve runs the configured number of search instances over one compiled
// problem and returns the winning solution with its explanation. A fixed
// nonzero seed with an iteration budget replays identically; wall-clock
// budgets trade that for responsiveness.
func Solve(ctx context.Context, p *model.Problem, mat *travel.Matrix, prog Progress) (*model.Solution, *model.Explanation, []Stats, error) {
	started := time.Now()
	e, err := NewEvaluator(p, mat)
	if err != nil {
		return nil, nil, nil, err
	}

	seed := p.Options.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	n := p.Options.Instances
	if n <= 0 {
		n = 1
	}
	base := Params{
		TimeBudget:    time.Duration(p.Options.Budget.TimeLimitMs) * time.Millisecond,
		MaxIterations: int64(p.Options.Budget.MaxIterations),
		Patience:      int64(p.Options.Budget.Patience),
		InitialTemp:   p.Options.InitialTemp,
		Cooling:       p.Options.Cooling,
	}

	var reg atomic.Pointer[bestMark]
	states := make([]*state, n)
	allStats := make([]Stats, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			params := base
			params.Seed = seed + int64(i)
			instProg := func(iter int64, sc model.Score) {
				mark := &bestMark{score: sc, inst: i}
				for {
					cur := reg.Load()
					if cur != nil && !mark.better(cur) {
						return
					}
					if reg.CompareAndSwap(cur, mark) {
						break
					}
				}
				if prog != nil {
					prog(iter, sc)
				}
			}
			st, stats := e.search(gctx, params, instProg)
			stats.Instance = i
			states[i] = st
			allStats[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	win := 0
	winScore := states[0].score()
	var iterations int64
	for i := 1; i < n; i++ {
		sc := states[i].score()
		if sc.Less(winScore) {
			win, winScore = i, sc
		}
	}
	for i := range allStats {
		iterations += allStats[i].Iterations
	}

	best := states[win]
	if e.requireFull && best.nUnassigned > 0 {
		return nil, nil, allStats, ErrNoFeasible
	}

	causes := failureCauses(best)
	sol := render(best, causes)
	sol.Iterations = iterations
	sol.ElapsedMs = time.Since(started).Milliseconds()
	sol.Seed = seed
	sol.Instances = n
	expl := explain(best, sol, causes)
	return sol, expl, allStats, nil
}

// render turns the winning state into the wire solution document.
func render(s *state, causes map[int][]model.ProviderCause) *model.Solution {
	e := s.ev
	sol := &model.Solution{Score: s.score(), Routes: make([]model.Route, len(e.ps))}
	for pi := range e.ps {
		var det routeDetail
		re := e.evalRoute(pi, s.seqs[pi], &det)
		route := model.Route{
			ProviderID:  e.ps[pi].id,
			Assignments: make([]model.Assignment, len(det.stops)),
			TravelSec:   roundSec(re.travelSec),
			DistanceM:   re.distM,
			ServiceSec:  roundSec(re.serviceSec),
			WaitSec:     roundSec(re.waitSec),
			CommitSec:   roundSec(re.commitSec),
			OvertimeSec: roundSec(re.overSec),
		}
		for i, st := range det.stops {
			route.Assignments[i] = model.Assignment{
				TaskID:       e.ts[st.ti].id,
				Position:     i,
				Arrival:      asTime(st.arrival),
				ServiceStart: asTime(st.start),
				Departure:    asTime(st.departure),
				WaitSec:      roundSec(st.waitSec),
				LateSec:      roundSec(st.lateSec),
				TravelSec:    roundSec(st.travelSec),
				DistanceM:    st.distM,
			}
		}
		for _, b := range det.breaks {
			after := ""
			if b.afterTi >= 0 {
				after = e.ts[b.afterTi].id
			}
			route.Breaks = append(route.Breaks, model.BreakStop{
				AfterTaskID: after,
				Start:       asTime(b.start),
				DurationSec: roundSec(b.durSec),
			})
		}
		sol.Routes[pi] = route
	}

	tis := make([]int, 0, len(causes))
	for ti := range causes {
		tis = append(tis, ti)
	}
	sort.Ints(tis)
	for _, ti := range tis {
		ut := model.UnassignedTask{TaskID: e.ts[ti].id, Causes: map[string]string{}}
		for _, c := range causes[ti] {
			ut.Causes[c.ProviderID] = c.Code
		}
		sol.Unassigned = append(sol.Unassigned, ut)
	}
	return sol
}

func roundSec(v float64) int { return int(math.Round(v)) }

func asTime(sec float64) time.Time { return time.Unix(int64(math.Round(sec)), 0).UTC() }
