package solver

import (
	"sort"

	"optiq/internal/model"
)

// staticOK runs the position-independent checks for placing ti on pi:
// allow/deny lists, required tags, and whether the task alone fits the
// provider's capacity.
func (e *Evaluator) staticOK(ti, pi int) bool {
	t := &e.ts[ti]
	if t.allow != nil && !t.allow[pi] {
		return false
	}
	if t.deny != nil && t.deny[pi] {
		return false
	}
	pv := &e.ps[pi]
	for _, tag := range t.req {
		if _, ok := pv.tags[tag]; !ok {
			return false
		}
	}
	for d := range e.dims {
		if t.load == nil || t.load[d] <= 0 {
			continue
		}
		if pv.cap == nil || t.load[d] > pv.cap[d] {
			return false
		}
	}
	return true
}

// construct builds the seed assignment greedily: each round commits the
// insertion with the highest task priority and, within a priority, the best
// resulting score. Equal scores resolve toward the smallest task id, then
// the smallest provider id, so the seed is a pure function of the problem.
func construct(s *state) {
	e := s.ev
	for {
		bestTi, bestPi, bestPos := -1, -1, -1
		bestPrio := 0
		var bestScore model.Score
		for _, ti := range s.unassignedTasks() {
			prio := e.ts[ti].prio
			if bestTi >= 0 && prio < bestPrio {
				continue
			}
			dU := -priorityWeight(prio)
			for pi := range e.ps {
				if !e.staticOK(ti, pi) {
					continue
				}
				seq := s.seqs[pi]
				lo, hi := e.positions(seq, ti)
				for pos := lo; pos <= hi; pos++ {
					var cand routeEval
					cand, s.buf = e.insertEval(pi, seq, pos, ti, s.buf)
					if cand.hard > s.evals[pi].hard {
						continue
					}
					sc := s.scoreWith(pi, cand, dU)
					better := bestTi < 0 || prio > bestPrio || sc.Less(bestScore)
					if !better && prio == bestPrio && sc.Equal(bestScore) {
						better = idBefore(e, ti, pi, bestTi, bestPi)
					}
					if better {
						bestTi, bestPi, bestPos = ti, pi, pos
						bestPrio = prio
						bestScore = sc
					}
				}
			}
		}
		if bestTi < 0 {
			return
		}
		s.insert(bestTi, bestPi, bestPos)
	}
}

// idBefore orders candidate insertions by task id, then provider id.
func idBefore(e *Evaluator, ti, pi, bestTi, bestPi int) bool {
	if e.ts[ti].id != e.ts[bestTi].id {
		return e.ts[ti].id < e.ts[bestTi].id
	}
	return e.ps[pi].id < e.ps[bestPi].id
}

// failureCauses probes every unassigned task against every provider in the
// final state and records the blocking rule per provider.
func failureCauses(s *state) map[int][]model.ProviderCause {
	e := s.ev
	out := map[int][]model.ProviderCause{}
	for _, ti := range s.unassignedTasks() {
		var causes []model.ProviderCause
		for pi := range e.ps {
			code, detail, ok := e.probeCause(pi, s.seqs[pi], ti)
			if ok {
				// a slot exists now; the search just valued it worse than
				// leaving the task out, which only happens mid-iteration
				continue
			}
			causes = append(causes, model.ProviderCause{ProviderID: e.ps[pi].id, Code: code, Detail: detail})
		}
		if len(causes) == 0 {
			causes = append(causes, model.ProviderCause{ProviderID: "*", Code: model.FailNoProvider, Detail: "no provider could take this task"})
		}
		sort.Slice(causes, func(a, b int) bool { return causes[a].ProviderID < causes[b].ProviderID })
		out[ti] = causes
	}
	return out
}
