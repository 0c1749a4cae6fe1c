package solver

import (
	"math"

	"optiq/internal/model"
)

// state is one search instance's mutable assignment. Route fragments and
// the cross-route aggregates are maintained incrementally, so scoring after
// a move touches only the routes the move changed.
type state struct {
	ev    *Evaluator
	seqs  [][]int
	evals []routeEval
	where []int // task index -> provider index, -1 while unassigned

	nUnassigned int
	unassignedW float64 // priority-scaled unassigned count

	hardSum   float64
	medSum    float64
	softSum   float64
	sumCommit float64
	sumSqCom  float64

	buf []int // insertEval scratch
}

func newState(ev *Evaluator) *state {
	s := &state{
		ev:    ev,
		seqs:  make([][]int, len(ev.ps)),
		evals: make([]routeEval, len(ev.ps)),
		where: make([]int, len(ev.ts)),
	}
	for i := range s.where {
		s.where[i] = -1
		s.unassignedW += priorityWeight(ev.ts[i].prio)
	}
	s.nUnassigned = len(ev.ts)
	for pi := range ev.ps {
		re := ev.evalRoute(pi, nil, nil)
		s.evals[pi] = re
		s.hardSum += re.hard
		s.medSum += re.med
		s.softSum += re.soft
		s.sumCommit += re.commitSec
		s.sumSqCom += re.commitSec * re.commitSec
	}
	return s
}

func priorityWeight(prio int) float64 {
	if prio < 1 {
		return 1
	}
	return float64(prio)
}

// score folds route fragments with the cross-route terms. O(1).
func (s *state) score() model.Score {
	soft := s.softSum + s.ev.w.imbalance*s.imbalanceStd() + s.ev.w.unassigned*s.unassignedW
	return model.Score{Hard: s.hardSum, Medium: s.medSum, Soft: soft}
}

// imbalanceStd is the population standard deviation of committed seconds
// across providers.
func (s *state) imbalanceStd() float64 {
	n := float64(len(s.ev.ps))
	if n <= 1 {
		return 0
	}
	mean := s.sumCommit / n
	v := s.sumSqCom/n - mean*mean
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// setRoute swaps provider pi's sequence and evaluation, adjusting the
// aggregates by the difference.
func (s *state) setRoute(pi int, seq []int, re routeEval) {
	old := s.evals[pi]
	s.hardSum += re.hard - old.hard
	s.medSum += re.med - old.med
	s.softSum += re.soft - old.soft
	s.sumCommit += re.commitSec - old.commitSec
	s.sumSqCom += re.commitSec*re.commitSec - old.commitSec*old.commitSec
	s.seqs[pi] = seq
	s.evals[pi] = re
}

// insert places task ti on provider pi at pos and reconciles bookkeeping.
func (s *state) insert(ti, pi, pos int) {
	seq := s.seqs[pi]
	next := make([]int, 0, len(seq)+1)
	next = append(next, seq[:pos]...)
	next = append(next, ti)
	next = append(next, seq[pos:]...)
	s.setRoute(pi, next, s.ev.evalRoute(pi, next, nil))
	s.where[ti] = pi
	s.nUnassigned--
	s.unassignedW -= priorityWeight(s.ev.ts[ti].prio)
}

// remove takes task ti off its provider. No-op when already unassigned.
func (s *state) remove(ti int) {
	pi := s.where[ti]
	if pi < 0 {
		return
	}
	seq := s.seqs[pi]
	next := make([]int, 0, len(seq)-1)
	for _, v := range seq {
		if v != ti {
			next = append(next, v)
		}
	}
	s.setRoute(pi, next, s.ev.evalRoute(pi, next, nil))
	s.where[ti] = -1
	s.nUnassigned++
	s.unassignedW += priorityWeight(s.ev.ts[ti].prio)
}

// unassignedTasks lists task indices without a provider, in input order.
func (s *state) unassignedTasks() []int {
	out := make([]int, 0, s.nUnassigned)
	for ti, pi := range s.where {
		if pi < 0 {
			out = append(out, ti)
		}
	}
	return out
}

// assignedTasks lists placed task indices in input order.
func (s *state) assignedTasks() []int {
	out := make([]int, 0, len(s.where)-s.nUnassigned)
	for ti, pi := range s.where {
		if pi >= 0 {
			out = append(out, ti)
		}
	}
	return out
}

type routeSwap struct {
	pi int
	re routeEval
}

// scoreWith previews the state score if provider pi's route were replaced
// by re and the unassigned weight shifted by dU, without committing.
func (s *state) scoreWith(pi int, re routeEval, dU float64) model.Score {
	return s.scoreWithAll([]routeSwap{{pi, re}}, dU)
}

// scoreWithAll previews the state score under several simultaneous route
// replacements. Each pi may appear at most once.
func (s *state) scoreWithAll(swaps []routeSwap, dU float64) model.Score {
	hard, med, soft := s.hardSum, s.medSum, s.softSum
	sumC, sumQ := s.sumCommit, s.sumSqCom
	for _, sw := range swaps {
		old := s.evals[sw.pi]
		hard += sw.re.hard - old.hard
		med += sw.re.med - old.med
		soft += sw.re.soft - old.soft
		sumC += sw.re.commitSec - old.commitSec
		sumQ += sw.re.commitSec*sw.re.commitSec - old.commitSec*old.commitSec
	}
	n := float64(len(s.ev.ps))
	if n > 1 {
		mean := sumC / n
		if v := sumQ/n - mean*mean; v > 0 {
			soft += s.ev.w.imbalance * math.Sqrt(v)
		}
	}
	soft += s.ev.w.unassigned * (s.unassignedW + dU)
	return model.Score{Hard: hard, Medium: med, Soft: soft}
}

func (s *state) clone() *state {
	c := &state{
		ev:          s.ev,
		seqs:        make([][]int, len(s.seqs)),
		evals:       append([]routeEval(nil), s.evals...),
		where:       append([]int(nil), s.where...),
		nUnassigned: s.nUnassigned,
		unassignedW: s.unassignedW,
		hardSum:     s.hardSum,
		medSum:      s.medSum,
		softSum:     s.softSum,
		sumCommit:   s.sumCommit,
		sumSqCom:    s.sumSqCom,
	}
	for i, seq := range s.seqs {
		c.seqs[i] = append([]int(nil), seq...)
	}
	return c
}
