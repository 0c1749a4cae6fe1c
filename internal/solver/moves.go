package solver

import (
	"math/rand"
	"sort"

	"optiq/internal/model"
)

// Removal operators take tasks off their routes and return the indices so an
// insertion operator can rehome them. Candidates iterate in input order, so
// a fixed seed replays the same walk.

func randomRemoval(s *state, k int, rng *rand.Rand) []int {
	assigned := s.assignedTasks()
	removed := make([]int, 0, k)
	for i := 0; i < k && len(assigned) > 0; i++ {
		j := rng.Intn(len(assigned))
		removed = append(removed, assigned[j])
		assigned = append(assigned[:j], assigned[j+1:]...)
	}
	for _, ti := range removed {
		s.remove(ti)
	}
	return removed
}

// shawRemoval removes a seed task plus its most related neighbors: close in
// space and overlapping in time.
func shawRemoval(s *state, k int, rng *rand.Rand) []int {
	assigned := s.assignedTasks()
	if len(assigned) == 0 {
		return nil
	}
	e := s.ev
	seed := assigned[rng.Intn(len(assigned))]
	st := &e.ts[seed]
	type rel struct {
		ti    int
		score float64
	}
	rels := make([]rel, 0, len(assigned)-1)
	for _, ti := range assigned {
		if ti == seed {
			continue
		}
		t := &e.ts[ti]
		geo := e.leg(st.loc, t.loc).DistanceM
		overlap := windowOverlap(st.windows, t.windows)
		rels = append(rels, rel{ti: ti, score: geo - 1000*overlap})
	}
	sort.Slice(rels, func(a, b int) bool {
		if rels[a].score != rels[b].score {
			return rels[a].score < rels[b].score
		}
		return rels[a].ti < rels[b].ti
	})
	removed := []int{seed}
	for i := 0; i < len(rels) && len(removed) < k; i++ {
		removed = append(removed, rels[i].ti)
	}
	for _, ti := range removed {
		s.remove(ti)
	}
	return removed
}

func windowOverlap(a, b [][2]int64) float64 {
	var best float64
	for _, wa := range a {
		for _, wb := range b {
			lo := wa[0]
			if wb[0] > lo {
				lo = wb[0]
			}
			hi := wa[1]
			if wb[1] < hi {
				hi = wb[1]
			}
			if hi > lo && float64(hi-lo) > best {
				best = float64(hi - lo)
			}
		}
	}
	return best
}

// bestSlot finds the feasible insertion minimizing the resulting score.
func bestSlot(s *state, ti int) (pi, pos int, sc model.Score, ok bool) {
	e := s.ev
	dU := -priorityWeight(e.ts[ti].prio)
	pi, pos = -1, -1
	for cp := range e.ps {
		if !e.staticOK(ti, cp) {
			continue
		}
		seq := s.seqs[cp]
		lo, hi := e.positions(seq, ti)
		for p := lo; p <= hi; p++ {
			var cand routeEval
			cand, s.buf = e.insertEval(cp, seq, p, ti, s.buf)
			if cand.hard > s.evals[cp].hard {
				continue
			}
			c := s.scoreWith(cp, cand, dU)
			if !ok || c.Less(sc) {
				pi, pos, sc, ok = cp, p, c, true
			}
		}
	}
	return pi, pos, sc, ok
}

// greedyInsert rehomes pool tasks cheapest-first. Tasks with no feasible
// slot stay unassigned and keep their soft penalty.
func greedyInsert(s *state, pool []int) {
	remaining := append([]int(nil), pool...)
	for len(remaining) > 0 {
		bi := -1
		var bPi, bPos int
		var bScore model.Score
		for i, ti := range remaining {
			pi, pos, sc, ok := bestSlot(s, ti)
			if !ok {
				continue
			}
			if bi < 0 || sc.Less(bScore) {
				bi, bPi, bPos, bScore = i, pi, pos, sc
			}
		}
		if bi < 0 {
			return
		}
		s.insert(remaining[bi], bPi, bPos)
		remaining = append(remaining[:bi], remaining[bi+1:]...)
	}
}

// regretInsert places the task that loses the most if it misses its best
// slot, measured between its two cheapest insertions.
func regretInsert(s *state, pool []int) {
	remaining := append([]int(nil), pool...)
	for len(remaining) > 0 {
		bi := -1
		var bPi, bPos int
		var bRegret float64
		var bScore model.Score
		for i, ti := range remaining {
			e := s.ev
			dU := -priorityWeight(e.ts[ti].prio)
			found := 0
			var s1, s2 model.Score
			var p1, pos1 int
			for cp := range e.ps {
				if !e.staticOK(ti, cp) {
					continue
				}
				seq := s.seqs[cp]
				lo, hi := e.positions(seq, ti)
				for p := lo; p <= hi; p++ {
					var cand routeEval
					cand, s.buf = e.insertEval(cp, seq, p, ti, s.buf)
					if cand.hard > s.evals[cp].hard {
						continue
					}
					c := s.scoreWith(cp, cand, dU)
					switch {
					case found == 0 || c.Less(s1):
						s2 = s1
						s1, p1, pos1 = c, cp, p
						found++
					case found == 1 || c.Less(s2):
						s2 = c
						found++
					}
				}
			}
			if found == 0 {
				continue
			}
			regret := 0.0
			if found > 1 {
				regret = scalarize(s2) - scalarize(s1)
				if regret < 0 {
					regret = 0
				}
			}
			if bi < 0 || regret > bRegret || (regret == bRegret && s1.Less(bScore)) {
				bi, bPi, bPos, bRegret, bScore = i, p1, pos1, regret, s1
			}
		}
		if bi < 0 {
			return
		}
		s.insert(remaining[bi], bPi, bPos)
		remaining = append(remaining[:bi], remaining[bi+1:]...)
	}
}

// scalarize flattens a score for regret comparison only. Acceptance always
// uses the lexicographic order.
func scalarize(sc model.Score) float64 {
	return sc.Hard*1e12 + sc.Medium*1e6 + sc.Soft
}

// twoOptRoute reverses in-route segments while that improves the score.
// Routing only; scheduling sequences are chronologically fixed.
func twoOptRoute(s *state, pi int) {
	if s.ev.kind == model.KindScheduling {
		return
	}
	improved := true
	for improved {
		improved = false
		seq := s.seqs[pi]
		n := len(seq)
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := append([]int(nil), seq...)
				for a, b := i, k; a < b; a, b = a+1, b-1 {
					cand[a], cand[b] = cand[b], cand[a]
				}
				re := s.ev.evalRoute(pi, cand, nil)
				if re.hard > s.evals[pi].hard {
					continue
				}
				if s.scoreWith(pi, re, 0).Less(s.score()) {
					s.setRoute(pi, cand, re)
					seq = cand
					improved = true
				}
			}
		}
	}
}

// crossExchange swaps one task between two routes when the combined score
// improves. Scheduling swaps re-seat each task at its chronological slot.
func crossExchange(s *state, a, b int) {
	if a == b {
		return
	}
	e := s.ev
	improved := true
	for improved {
		improved = false
		sa, sb := s.seqs[a], s.seqs[b]
		for i := 0; i < len(sa); i++ {
			for j := 0; j < len(sb); j++ {
				ta, tb := sa[i], sb[j]
				if !e.staticOK(ta, b) || !e.staticOK(tb, a) {
					continue
				}
				ca := swapped(e, sa, i, tb)
				cb := swapped(e, sb, j, ta)
				ra := e.evalRoute(a, ca, nil)
				rb := e.evalRoute(b, cb, nil)
				if ra.hard+rb.hard > s.evals[a].hard+s.evals[b].hard {
					continue
				}
				if s.scoreWithAll([]routeSwap{{a, ra}, {b, rb}}, 0).Less(s.score()) {
					s.setRoute(a, ca, ra)
					s.setRoute(b, cb, rb)
					s.where[ta] = b
					s.where[tb] = a
					sa, sb = ca, cb
					improved = true
				}
			}
		}
	}
}

// swapped builds seq with the task at position i replaced by ti, re-seated
// chronologically for scheduling problems.
func swapped(e *Evaluator, seq []int, i, ti int) []int {
	if e.kind == model.KindScheduling {
		out := make([]int, 0, len(seq))
		out = append(out, seq[:i]...)
		out = append(out, seq[i+1:]...)
		p := e.chronoPos(out, ti)
		out = append(out[:p], append([]int{ti}, out[p:]...)...)
		return out
	}
	out := append([]int(nil), seq...)
	out[i] = ti
	return out
}
