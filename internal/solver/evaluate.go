package solver

import (
	"fmt"
	"sort"
	"strings"

	"optiq/internal/model"
)

// routeEval is the cached evaluation of one provider's sequence. The walk
// never aborts on a violation; hard components carry magnitudes so the
// search can see how far from feasible a candidate is.
type routeEval struct {
	hard float64
	med  float64
	soft float64

	hardStatic float64 // allow/deny/tag violations, one unit each
	hardCap    float64 // capacity excess summed over dimensions
	hardWin    float64 // window misses when windows are hard
	hardAvail  float64 // seconds outside availability / past maxTotalSec

	travelSec  float64
	distM      float64
	serviceSec float64
	waitSec    float64
	lateSec    float64 // raw window lateness before grace
	lateMedSec float64 // lateness past the per-stop grace, when windows are soft
	overSec    float64
	underSec   float64
	brkDevSec  float64
	commitSec  float64
	prefMiss   int
	breakCount int
}

type stopDetail struct {
	ti        int
	arrival   float64
	start     float64
	departure float64
	waitSec   float64
	lateSec   float64
	travelSec float64
	distM     float64
}

type breakDetail struct {
	afterTi int
	start   float64
	durSec  float64
}

type routeDetail struct {
	stops  []stopDetail
	breaks []breakDetail
}

// evalRoute scores provider pi serving seq in order. det is optional and
// only filled when rendering the final solution.
func (e *Evaluator) evalRoute(pi int, seq []int, det *routeDetail) routeEval {
	pv := &e.ps[pi]
	var ev routeEval

	for _, ti := range seq {
		t := &e.ts[ti]
		if t.allow != nil && !t.allow[pi] {
			ev.hardStatic++
		}
		if t.deny != nil && t.deny[pi] {
			ev.hardStatic++
		}
		for _, tag := range t.req {
			if _, ok := pv.tags[tag]; !ok {
				ev.hardStatic++
			}
		}
		if t.pref >= 0 && t.pref != pi {
			ev.prefMiss++
		}
	}

	// a dimension the provider never declared reads as zero capacity, so
	// the whole load in it is hard excess
	for d := range e.dims {
		var sum float64
		for _, ti := range seq {
			if l := e.ts[ti].load; l != nil {
				sum += l[d]
			}
		}
		var limit float64
		if pv.cap != nil {
			limit = pv.cap[d]
		}
		if sum > limit {
			ev.hardCap += sum - limit
		}
	}

	if e.kind == model.KindScheduling {
		e.walkSchedule(pv, seq, &ev, det)
	} else {
		e.walkRoute(pv, seq, &ev, det)
	}

	if pv.maxSec > 0 && ev.commitSec > float64(pv.maxSec) {
		ev.hardAvail += ev.commitSec - float64(pv.maxSec)
	}
	if pv.minSec > 0 && ev.commitSec < float64(pv.minSec) {
		ev.underSec = float64(pv.minSec) - ev.commitSec
	}
	if pv.nomSec > 0 && ev.commitSec > float64(pv.nomSec) {
		ev.overSec = ev.commitSec - float64(pv.nomSec)
	}

	ev.hard = ev.hardStatic + ev.hardCap + ev.hardWin + ev.hardAvail
	ev.med = e.w.late*ev.lateMedSec + e.w.under*ev.underSec + e.w.brk*ev.brkDevSec
	ev.soft = e.w.travel*ev.travelSec + e.w.dist*ev.distM +
		e.w.over*ev.overSec + e.w.pref*float64(ev.prefMiss)
	return ev
}

// latePenalty returns the medium-tier lateness of one stop. The grace
// applies per service; hard windows move the whole magnitude into the hard
// tier instead.
func latePenalty(late, grace float64, hard bool) float64 {
	if hard || late <= grace {
		return 0
	}
	return late - grace
}

// walkRoute propagates the schedule of a routing sequence: travel legs,
// waits, optional breaks, then the availability bound at the end. Service
// time falling in a gap between two shifts counts as hard availability.
func (e *Evaluator) walkRoute(pv *prov, seq []int, ev *routeEval, det *routeDetail) {
	shiftStart := float64(pv.shifts[0][0])
	shiftEnd := float64(pv.shifts[len(pv.shifts)-1][1])

	t := shiftStart
	cur := pv.start
	if cur < 0 && len(seq) > 0 {
		cur = e.ts[seq[0]].loc
	}
	var driveSince float64
	prevTi := -1
	for _, ti := range seq {
		task := &e.ts[ti]
		lg := e.leg(cur, task.loc)
		if e.breakEvery > 0 && driveSince+lg.DurationSec > float64(e.breakEvery) {
			if det != nil {
				det.breaks = append(det.breaks, breakDetail{afterTi: prevTi, start: t, durSec: float64(e.breakDur)})
			}
			t += float64(e.breakDur)
			driveSince = 0
			ev.breakCount++
			if lg.DurationSec > float64(e.breakEvery) {
				// a single leg longer than the drive limit cannot be split
				ev.brkDevSec += lg.DurationSec - float64(e.breakEvery)
			}
		}
		t += lg.DurationSec
		driveSince += lg.DurationSec
		ev.travelSec += lg.DurationSec
		ev.distM += lg.DistanceM

		arrival := t
		start, late := fitWindows(task.windows, arrival)
		wait := start - arrival
		ev.waitSec += wait
		ev.lateSec += late
		ev.lateMedSec += latePenalty(late, float64(e.graceSec), e.hardWindows)
		if e.hardWindows {
			ev.hardWin += late
		}
		t = start + float64(task.dur)
		ev.serviceSec += float64(task.dur)
		if len(pv.shifts) > 1 {
			ev.hardAvail += gapOverlap(pv.shifts, start, t)
		}
		if det != nil {
			det.stops = append(det.stops, stopDetail{
				ti: ti, arrival: arrival, start: start, departure: t,
				waitSec: wait, lateSec: late, travelSec: lg.DurationSec, distM: lg.DistanceM,
			})
		}
		cur = task.loc
		prevTi = ti
	}
	if pv.end >= 0 && len(seq) > 0 {
		lg := e.leg(cur, pv.end)
		t += lg.DurationSec
		ev.travelSec += lg.DurationSec
		ev.distM += lg.DistanceM
	}
	if len(seq) > 0 && t > shiftEnd {
		ev.hardAvail += t - shiftEnd
	}
	ev.commitSec = ev.travelSec + ev.serviceSec
}

// walkSchedule places scheduling tasks chronologically: no travel, a rest
// gap between consecutive assignments, and each service interval must fit
// inside one provider shift.
func (e *Evaluator) walkSchedule(pv *prov, seq []int, ev *routeEval, det *routeDetail) {
	prevDep := float64(0)
	first := true
	for _, ti := range seq {
		task := &e.ts[ti]
		earliest := float64(pv.shifts[0][0])
		if !first {
			earliest = prevDep + float64(e.minRest)
		}
		start, late, overflow := fitShifts(pv.shifts, task.windows, earliest, float64(task.dur), e.hardWindows)
		ev.lateSec += late
		ev.lateMedSec += latePenalty(late, float64(e.graceSec), e.hardWindows)
		if e.hardWindows {
			ev.hardWin += late
		}
		ev.hardAvail += overflow
		wait := start - earliest
		if first || wait < 0 {
			wait = 0
		}
		ev.waitSec += wait
		dep := start + float64(task.dur)
		ev.serviceSec += float64(task.dur)
		if det != nil {
			det.stops = append(det.stops, stopDetail{
				ti: ti, arrival: earliest, start: start, departure: dep,
				waitSec: wait, lateSec: late,
			})
		}
		prevDep = dep
		first = false
	}
	ev.commitSec = ev.serviceSec
}

// gapOverlap measures how much of [a,b) falls between consecutive shifts.
func gapOverlap(shifts [][2]int64, a, b float64) float64 {
	var out float64
	for i := 1; i < len(shifts); i++ {
		gs, ge := float64(shifts[i-1][1]), float64(shifts[i][0])
		if ge <= gs {
			continue
		}
		lo, hi := a, b
		if lo < gs {
			lo = gs
		}
		if hi > ge {
			hi = ge
		}
		if hi > lo {
			out += hi - lo
		}
	}
	return out
}

// fitWindows picks the earliest window the service can start in. When the
// arrival is past every window the service starts immediately and the
// distance to the latest window end is the lateness.
func fitWindows(windows [][2]int64, arrival float64) (start, late float64) {
	if len(windows) == 0 {
		return arrival, 0
	}
	for _, w := range windows {
		s := arrival
		if ws := float64(w[0]); s < ws {
			s = ws
		}
		if s < float64(w[1]) {
			return s, 0
		}
	}
	maxEnd := float64(windows[0][1])
	for _, w := range windows {
		if we := float64(w[1]); we > maxEnd {
			maxEnd = we
		}
	}
	return arrival, arrival - maxEnd
}

// fitShifts chooses the start minimizing (hard, medium, start) for a service
// of length dur that should lie inside one shift and one window.
func fitShifts(shifts [][2]int64, windows [][2]int64, earliest, dur float64, hardWin bool) (start, late, overflow float64) {
	type cand struct {
		start, late, overflow float64
	}
	best := cand{start: -1}
	better := func(c cand) bool {
		if best.start < 0 {
			return true
		}
		ch, bh := c.overflow, best.overflow
		cm, bm := c.late, best.late
		if hardWin {
			ch += c.late
			bh += best.late
			cm, bm = 0, 0
		}
		if ch != bh {
			return ch < bh
		}
		if cm != bm {
			return cm < bm
		}
		return c.start < best.start
	}
	consider := func(s float64, sh [2]int64, w *[2]int64) {
		c := cand{start: s}
		if s+dur > float64(sh[1]) {
			c.overflow = s + dur - float64(sh[1])
		}
		if w != nil && s >= float64(w[1]) {
			c.late = s - float64(w[1])
		}
		if better(c) {
			best = c
		}
	}
	for i := range shifts {
		sh := shifts[i]
		base := earliest
		if ss := float64(sh[0]); base < ss {
			base = ss
		}
		if len(windows) == 0 {
			consider(base, sh, nil)
			continue
		}
		for j := range windows {
			w := windows[j]
			s := base
			if ws := float64(w[0]); s < ws {
				s = ws
			}
			consider(s, sh, &w)
		}
	}
	if best.start < 0 {
		return earliest, 0, dur
	}
	return best.start, best.late, best.overflow
}

// insertEval scores pi's route with ti inserted at pos, reusing buf for the
// candidate sequence.
func (e *Evaluator) insertEval(pi int, seq []int, pos, ti int, buf []int) (routeEval, []int) {
	buf = buf[:0]
	buf = append(buf, seq[:pos]...)
	buf = append(buf, ti)
	buf = append(buf, seq[pos:]...)
	return e.evalRoute(pi, buf, nil), buf
}

// chronoPos returns the canonical position of ti in a scheduling sequence:
// ordered by earliest window start, task id breaking ties.
func (e *Evaluator) chronoPos(seq []int, ti int) int {
	t := &e.ts[ti]
	return sort.Search(len(seq), func(i int) bool {
		o := &e.ts[seq[i]]
		if o.sortKey != t.sortKey {
			return o.sortKey > t.sortKey
		}
		return o.id > t.id
	})
}

// positions lists the insertion slots to probe for ti on a sequence.
// Routing tries every slot; scheduling has exactly one canonical slot.
func (e *Evaluator) positions(seq []int, ti int) (lo, hi int) {
	if e.kind == model.KindScheduling {
		p := e.chronoPos(seq, ti)
		return p, p
	}
	return 0, len(seq)
}

// probeCause explains why ti cannot join pi's current route, as a failure
// code plus a human detail. ok is true when a feasible slot exists.
func (e *Evaluator) probeCause(pi int, seq []int, ti int) (code, detail string, ok bool) {
	t := &e.ts[ti]
	pv := &e.ps[pi]
	if t.allow != nil && !t.allow[pi] {
		return model.FailNotAllowed, "provider not in allowedProviders", false
	}
	if t.deny != nil && t.deny[pi] {
		return model.FailProviderDenied, "provider is denied for this task", false
	}
	var missing []string
	for _, tag := range t.req {
		if _, okTag := pv.tags[tag]; !okTag {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		return model.FailMissingTags, "missing tags: " + strings.Join(missing, ","), false
	}
	for d := range e.dims {
		if t.load == nil || t.load[d] <= 0 {
			continue
		}
		if pv.cap == nil || t.load[d] > pv.cap[d] {
			return model.FailCapacityExceeded, fmt.Sprintf("task %s alone exceeds capacity %s", t.id, e.dims[d]), false
		}
	}

	base := e.evalRoute(pi, seq, nil)
	lo, hi := e.positions(seq, ti)
	best := routeEval{hard: -1}
	var buf []int
	for pos := lo; pos <= hi; pos++ {
		var cand routeEval
		cand, buf = e.insertEval(pi, seq, pos, ti, buf)
		if cand.hard <= base.hard {
			return "", "", true
		}
		if best.hard < 0 || cand.hard < best.hard {
			best = cand
		}
	}
	if best.hard < 0 {
		return model.FailNoProvider, "no insertion slot", false
	}
	dCap := best.hardCap - base.hardCap
	dWin := best.hardWin - base.hardWin
	dAvail := best.hardAvail - base.hardAvail
	if !e.hardWindows {
		// soft windows never block; classify by what would have moved
		dWin = 0
	}
	switch {
	case dCap >= dWin && dCap >= dAvail && dCap > 0:
		return model.FailCapacityExceeded, "capacity would be exceeded", false
	case dWin >= dAvail && dWin > 0:
		return model.FailWindowUnreachable, "no reachable time window", false
	case dAvail > 0:
		return model.FailAvailability, "availability would be exceeded", false
	}
	return model.FailNoProvider, "no feasible insertion", false
}
