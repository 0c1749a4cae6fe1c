package solver

import (
	"sort"
	"time"

	"optiq/internal/model"
)

// explain builds the human-readable companion document: a per-term score
// breakdown, a reason per placed task, and the blocking rules per unplaced
// task.
func explain(s *state, sol *model.Solution, causes map[int][]model.ProviderCause) *model.Explanation {
	e := s.ev
	ex := &model.Explanation{Score: sol.Score}

	var travel, dist, lateMed, over, under, brkDev float64
	var prefMiss int
	for pi := range e.ps {
		re := s.evals[pi]
		travel += re.travelSec
		dist += re.distM
		lateMed += re.lateMedSec
		over += re.overSec
		under += re.underSec
		brkDev += re.brkDevSec
		prefMiss += re.prefMiss
	}
	imb := s.imbalanceStd()
	term := func(name, tier string, raw, weight float64) {
		ex.Breakdown = append(ex.Breakdown, model.ScoreBreakdown{
			Term: name, Tier: tier, Raw: raw, Weight: weight, Value: raw * weight,
		})
	}
	term("travelTime", "soft", travel, e.w.travel)
	term("distance", "soft", dist, e.w.dist)
	term("lateness", "medium", lateMed, e.w.late)
	term("overtime", "soft", over, e.w.over)
	term("imbalance", "soft", imb, e.w.imbalance)
	term("preference", "soft", float64(prefMiss), e.w.pref)
	term("understaffing", "medium", under, e.w.under)
	term("breakDeviation", "medium", brkDev, e.w.brk)
	term("unassigned", "soft", s.unassignedW, e.w.unassigned)

	for pi := range e.ps {
		seq := s.seqs[pi]
		base := s.evals[pi]
		var det routeDetail
		e.evalRoute(pi, seq, &det)
		starts := make(map[int]float64, len(det.stops))
		for _, st := range det.stops {
			starts[st.ti] = st.start
		}
		var dimLoads []float64
		if len(e.dims) > 0 {
			dimLoads = make([]float64, len(e.dims))
			for _, ti := range seq {
				if l := e.ts[ti].load; l != nil {
					for d, v := range l {
						dimLoads[d] += v
					}
				}
			}
		}
		for _, ti := range seq {
			t := &e.ts[ti]
			reason := model.AssignmentReason{
				TaskID:     t.id,
				ProviderID: e.ps[pi].id,
				Preferred:  t.pref == pi,
			}
			if len(t.req) > 0 {
				reason.MatchedTags = append([]string(nil), t.req...)
				sort.Strings(reason.MatchedTags)
			}
			if w, ok := hitWindow(t.windows, starts[ti]); ok {
				reason.WindowHit = w
			}
			if t.load != nil {
				var head float64
				has := false
				for d, v := range t.load {
					if v <= 0 {
						continue
					}
					var limit float64
					if e.ps[pi].cap != nil {
						limit = e.ps[pi].cap[d]
					}
					if h := limit - dimLoads[d]; !has || h < head {
						head, has = h, true
					}
				}
				if has {
					reason.CapacityHeadroom = &head
				}
			}
			without := withoutTask(seq, ti)
			re := e.evalRoute(pi, without, nil)
			reason.DetourSec = roundSec(base.travelSec - re.travelSec)
			ex.Assignments = append(ex.Assignments, reason)
		}
	}
	sort.Slice(ex.Assignments, func(a, b int) bool { return ex.Assignments[a].TaskID < ex.Assignments[b].TaskID })

	tis := make([]int, 0, len(causes))
	for ti := range causes {
		tis = append(tis, ti)
	}
	sort.Ints(tis)
	for _, ti := range tis {
		ex.Unassigned = append(ex.Unassigned, model.UnassignedReason{
			TaskID: e.ts[ti].id,
			Causes: causes[ti],
		})
	}
	return ex
}

// hitWindow formats the window a service start landed in, as an ISO
// interval.
func hitWindow(windows [][2]int64, start float64) (string, bool) {
	for _, w := range windows {
		if start >= float64(w[0]) && start < float64(w[1]) {
			from := time.Unix(w[0], 0).UTC().Format(time.RFC3339)
			to := time.Unix(w[1], 0).UTC().Format(time.RFC3339)
			return from + "/" + to, true
		}
	}
	return "", false
}

func withoutTask(seq []int, ti int) []int {
	out := make([]int, 0, len(seq)-1)
	for _, v := range seq {
		if v != ti {
			out = append(out, v)
		}
	}
	return out
}
