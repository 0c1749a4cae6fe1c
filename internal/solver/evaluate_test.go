package solver

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"optiq/internal/model"
	"optiq/internal/travel"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func window(fromMin, toMin int) model.TimeWindow {
	return model.TimeWindow{Start: at(fromMin), End: at(toMin)}
}

func pt(lat, lng float64) *model.Location {
	return &model.Location{Point: &model.GeoPoint{Lat: lat, Lng: lng}}
}

// buildEval compiles a problem over the haversine provider.
func buildEval(t *testing.T, p *model.Problem) *Evaluator {
	t.Helper()
	require.NoError(t, model.ValidateProblem(p))
	mat, err := travel.BuildMatrix(context.Background(), travel.Haversine{}, Points(p))
	require.NoError(t, err)
	e, err := NewEvaluator(p, mat)
	require.NoError(t, err)
	return e
}

func routingProblem() *model.Problem {
	return &model.Problem{
		Kind: model.KindRouting,
		Tasks: []model.Task{
			{ID: "a", Location: pt(38.95, -77.03), DurationSec: 600},
			{ID: "b", Location: pt(39.00, -77.03), DurationSec: 600},
			{ID: "c", Location: pt(38.92, -77.10), DurationSec: 600},
		},
		Providers: []model.Provider{
			{ID: "v1", Start: pt(38.90, -77.03), Shifts: []model.TimeWindow{window(0, 600)}},
			{ID: "v2", Start: pt(38.90, -77.03), Shifts: []model.TimeWindow{window(0, 600)}},
		},
	}
}

func TestEvalRouteTravelAndService(t *testing.T) {
	e := buildEval(t, routingProblem())
	re := e.evalRoute(0, []int{0, 1}, nil)
	require.Zero(t, re.hard)
	require.Greater(t, re.travelSec, 0.0)
	require.Equal(t, 1200.0, re.serviceSec)
	require.Equal(t, re.travelSec+re.serviceSec, re.commitSec)
	require.Greater(t, re.soft, 0.0)
}

func TestEvalRouteEmptyIsClean(t *testing.T) {
	e := buildEval(t, routingProblem())
	re := e.evalRoute(0, nil, nil)
	require.Zero(t, re.hard)
	require.Zero(t, re.med)
	require.Zero(t, re.soft)
	require.Zero(t, re.commitSec)
}

func TestEvalRouteCapacityMagnitude(t *testing.T) {
	p := routingProblem()
	p.Tasks[0].Load = map[string]float64{"kg": 7}
	p.Tasks[1].Load = map[string]float64{"kg": 7}
	p.Providers[0].Capacity = map[string]float64{"kg": 10}
	p.Providers[1].Capacity = map[string]float64{"kg": 10}
	e := buildEval(t, p)

	one := e.evalRoute(0, []int{0}, nil)
	require.Zero(t, one.hardCap)
	both := e.evalRoute(0, []int{0, 1}, nil)
	require.Equal(t, 4.0, both.hardCap)
	require.False(t, both.hard == 0)
}

func TestEvalRouteTagViolation(t *testing.T) {
	p := routingProblem()
	p.Tasks[0].RequiredTags = []string{"hazmat", "lift"}
	p.Providers[0].Tags = []string{"lift"}
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0}, nil)
	require.Equal(t, 1.0, re.hardStatic)
	require.False(t, e.staticOK(0, 0))
	p2 := routingProblem()
	p2.Tasks[0].RequiredTags = []string{"lift"}
	p2.Providers[0].Tags = []string{"lift", "hazmat"}
	e2 := buildEval(t, p2)
	require.True(t, e2.staticOK(0, 0))
}

func TestEvalRouteWaitsForWindow(t *testing.T) {
	p := routingProblem()
	p.Tasks[0].Windows = []model.TimeWindow{window(120, 180)}
	e := buildEval(t, p)
	var det routeDetail
	re := e.evalRoute(0, []int{0}, &det)
	require.Zero(t, re.hard)
	require.Greater(t, re.waitSec, 0.0)
	require.Len(t, det.stops, 1)
	start := at(120)
	require.Equal(t, float64(start.Unix()), det.stops[0].start)
}

func TestEvalRouteLatenessSoftVsHard(t *testing.T) {
	p := routingProblem()
	// window already closed long before the shift starts
	p.Tasks[0].Windows = []model.TimeWindow{{Start: at(-120), End: at(-60)}}
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0}, nil)
	require.Zero(t, re.hard, "soft windows keep lateness out of the hard tier")
	require.Greater(t, re.lateSec, 0.0)
	require.Greater(t, re.med, 0.0)

	p.Options.HardWindows = true
	eh := buildEval(t, p)
	reh := eh.evalRoute(0, []int{0}, nil)
	require.Greater(t, reh.hardWin, 0.0)
	require.Zero(t, reh.lateMedSec)
}

func TestEvalRouteGracePerStop(t *testing.T) {
	p := routingProblem()
	p.Options.GraceSec = 7200 // two hours of tolerance
	p.Tasks[0].Windows = []model.TimeWindow{{Start: at(-120), End: at(-60)}}
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0}, nil)
	require.Greater(t, re.lateSec, 0.0)
	require.Zero(t, re.lateMedSec, "lateness within grace is not penalized")
}

func TestEvalRouteAvailabilityOverrun(t *testing.T) {
	p := routingProblem()
	p.Providers[0].Shifts = []model.TimeWindow{window(0, 15)} // 15 minute shift
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0, 1, 2}, nil)
	require.Greater(t, re.hardAvail, 0.0)
}

func TestEvalRouteShiftGapIsUnavailable(t *testing.T) {
	p := routingProblem()
	p.Tasks = p.Tasks[:1]
	p.Tasks[0].DurationSec = 7200
	p.Providers[0].Shifts = []model.TimeWindow{window(0, 30), window(240, 600)}
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0}, nil)
	require.Greater(t, re.hardAvail, 0.0)

	p2 := routingProblem()
	p2.Tasks = p2.Tasks[:1]
	p2.Tasks[0].DurationSec = 7200
	e2 := buildEval(t, p2)
	require.Zero(t, e2.evalRoute(0, []int{0}, nil).hardAvail)
}

func TestEvalRouteMaxTotalSec(t *testing.T) {
	p := routingProblem()
	p.Providers[0].MaxTotalSec = 900
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0, 1}, nil)
	require.Greater(t, re.commitSec, 900.0)
	require.Greater(t, re.hardAvail, 0.0)
}

func TestEvalRouteOvertimeAndUnderstaffing(t *testing.T) {
	p := routingProblem()
	p.Providers[0].NominalSec = 600
	p.Providers[0].MinTotalSec = 1200
	e := buildEval(t, p)

	re := e.evalRoute(0, []int{0, 1}, nil)
	require.Greater(t, re.overSec, 0.0)
	require.Zero(t, re.underSec)

	empty := e.evalRoute(0, nil, nil)
	require.Equal(t, 1200.0, empty.underSec)
	require.Greater(t, empty.med, 0.0)
}

func TestEvalRouteBreakInsertion(t *testing.T) {
	p := routingProblem()
	p.Tasks[1].Location = pt(40.5, -77.03) // long leg north
	p.Options.BreakEverySec = 600
	p.Options.BreakDurationSec = 300
	p.Providers[0].Shifts = []model.TimeWindow{window(0, 6000)}
	e := buildEval(t, p)
	var det routeDetail
	re := e.evalRoute(0, []int{0, 1}, &det)
	require.Greater(t, re.breakCount, 0)
	require.NotEmpty(t, det.breaks)
	require.Greater(t, re.brkDevSec, 0.0, "a leg longer than the drive limit cannot be split")
}

func TestFitWindowsPicksEarliest(t *testing.T) {
	w := [][2]int64{{100, 200}, {300, 400}}
	start, late := fitWindows(w, 50)
	require.Equal(t, 100.0, start)
	require.Zero(t, late)

	start, late = fitWindows(w, 250)
	require.Equal(t, 300.0, start)
	require.Zero(t, late)

	start, late = fitWindows(w, 450)
	require.Equal(t, 450.0, start)
	require.Equal(t, 50.0, late)
}

func schedulingProblem() *model.Problem {
	return &model.Problem{
		Kind: model.KindScheduling,
		Tasks: []model.Task{
			{ID: "early", DurationSec: 14400, Windows: []model.TimeWindow{window(0, 240)}},
			{ID: "late", DurationSec: 14400, Windows: []model.TimeWindow{window(300, 540)}},
		},
		Providers: []model.Provider{
			{ID: "e1", Shifts: []model.TimeWindow{window(0, 720)}},
			{ID: "e2", Shifts: []model.TimeWindow{window(0, 720)}},
		},
		Options: model.Options{MinRestSec: 3600},
	}
}

func TestWalkScheduleRestGap(t *testing.T) {
	e := buildEval(t, schedulingProblem())
	var det routeDetail
	re := e.evalRoute(0, []int{0, 1}, &det)
	require.Zero(t, re.hard)
	require.Len(t, det.stops, 2)
	gap := det.stops[1].start - det.stops[0].departure
	require.GreaterOrEqual(t, gap, 3600.0)
	require.Zero(t, re.travelSec, "scheduling problems have no travel")
}

func TestWalkScheduleShiftOverflow(t *testing.T) {
	p := schedulingProblem()
	p.Providers[0].Shifts = []model.TimeWindow{window(0, 180)} // 3h shift, 4h task
	e := buildEval(t, p)
	re := e.evalRoute(0, []int{0}, nil)
	require.Greater(t, re.hardAvail, 0.0)
}

func TestChronoPosOrdersByWindowStart(t *testing.T) {
	e := buildEval(t, schedulingProblem())
	seq := []int{1} // "late"
	require.Equal(t, 0, e.chronoPos(seq, 0), "earlier window sorts first")
	require.Equal(t, 1, e.chronoPos([]int{0}, 1))
}

func TestProbeCauseClassification(t *testing.T) {
	p := routingProblem()
	p.Options.HardWindows = true
	p.Tasks[0].RequiredTags = []string{"crane"}
	p.Tasks[1].DeniedProviders = []string{"v1"}
	p.Tasks[2].AllowedProviders = []string{"v2"}
	e := buildEval(t, p)

	code, detail, ok := e.probeCause(0, nil, 0)
	require.False(t, ok)
	require.Equal(t, model.FailMissingTags, code)
	require.Contains(t, detail, "crane")

	code, _, ok = e.probeCause(0, nil, 1)
	require.False(t, ok)
	require.Equal(t, model.FailProviderDenied, code)

	code, _, ok = e.probeCause(0, nil, 2)
	require.False(t, ok)
	require.Equal(t, model.FailNotAllowed, code)
}

func TestProbeCauseWindowUnreachable(t *testing.T) {
	p := routingProblem()
	p.Options.HardWindows = true
	p.Tasks[0].Windows = []model.TimeWindow{window(60, 90)}
	p.Tasks[1].Windows = []model.TimeWindow{window(60, 90)}
	p.Tasks[0].DurationSec = 1800
	p.Tasks[1].DurationSec = 1800
	e := buildEval(t, p)

	s := newState(e)
	s.insert(0, 0, 0)
	code, _, ok := e.probeCause(0, s.seqs[0], 1)
	require.False(t, ok)
	require.Equal(t, model.FailWindowUnreachable, code)
}

func TestProbeCauseCapacity(t *testing.T) {
	p := routingProblem()
	p.Tasks[0].Load = map[string]float64{"kg": 20}
	p.Providers[0].Capacity = map[string]float64{"kg": 10}
	p.Providers[1].Capacity = map[string]float64{"kg": 10}
	e := buildEval(t, p)
	code, _, ok := e.probeCause(0, nil, 0)
	require.False(t, ok)
	require.Equal(t, model.FailCapacityExceeded, code)
}

// A dimension the provider never declared is zero capacity, not unlimited:
// the evaluator counts the full load as hard excess and the static filter
// rejects the pairing. Such documents fail validation, so the evaluator is
// built directly here.
func TestEvalRouteUndeclaredDimensionIsHardExcess(t *testing.T) {
	p := routingProblem()
	p.Tasks[0].Load = map[string]float64{"kg": 7}
	p.Providers[0].Capacity = map[string]float64{"pallets": 1}
	p.Providers[1].Capacity = map[string]float64{"kg": 10, "pallets": 1}
	mat, err := travel.BuildMatrix(context.Background(), travel.Haversine{}, Points(p))
	require.NoError(t, err)
	e, err := NewEvaluator(p, mat)
	require.NoError(t, err)

	re := e.evalRoute(0, []int{0}, nil)
	require.Equal(t, 7.0, re.hardCap)
	require.False(t, e.staticOK(0, 0))
	require.True(t, e.staticOK(0, 1))

	code, _, ok := e.probeCause(0, nil, 0)
	require.False(t, ok)
	require.Equal(t, model.FailCapacityExceeded, code)
}

// TestConstructBreaksTiesByID: two providers indistinguishable on score;
// the seed must commit to the lexicographically smaller provider id even
// when it sits at a higher index.
func TestConstructBreaksTiesByID(t *testing.T) {
	p := routingProblem()
	p.Tasks = p.Tasks[:1]
	p.Providers[0].ID = "zeta"
	p.Providers[1].ID = "alpha"
	e := buildEval(t, p)

	s := newState(e)
	construct(s)
	require.Equal(t, 1, s.where[0], "equal scores resolve toward the smaller provider id")
}

// TestIncrementalMatchesFullRecompute is the core evaluator property: the
// aggregates maintained across insert/remove must equal a from-scratch
// evaluation of the same sequences.
func TestIncrementalMatchesFullRecompute(t *testing.T) {
	p := routingProblem()
	p.Tasks[0].Windows = []model.TimeWindow{window(60, 240)}
	p.Providers[0].MinTotalSec = 1800
	e := buildEval(t, p)

	s := newState(e)
	s.insert(0, 0, 0)
	s.insert(1, 0, 1)
	s.insert(2, 1, 0)
	s.remove(1)
	s.insert(1, 1, 1)
	s.remove(0)

	got := s.score()
	want := recompute(e, s)
	require.InDelta(t, want.Hard, got.Hard, 1e-9)
	require.InDelta(t, want.Medium, got.Medium, 1e-9)
	require.InDelta(t, want.Soft, got.Soft, 1e-9)
}

// recompute folds the score from scratch, independent of state bookkeeping.
func recompute(e *Evaluator, s *state) model.Score {
	var hard, med, soft, sumC, sumQ float64
	for pi := range e.ps {
		re := e.evalRoute(pi, s.seqs[pi], nil)
		hard += re.hard
		med += re.med
		soft += re.soft
		sumC += re.commitSec
		sumQ += re.commitSec * re.commitSec
	}
	var unW float64
	for ti, pi := range s.where {
		if pi < 0 {
			unW += priorityWeight(e.ts[ti].prio)
		}
	}
	n := float64(len(e.ps))
	if n > 1 {
		mean := sumC / n
		if v := sumQ/n - mean*mean; v > 0 {
			soft += e.w.imbalance * math.Sqrt(v)
		}
	}
	soft += e.w.unassigned * unW
	return model.Score{Hard: hard, Medium: med, Soft: soft}
}

func TestScoreWithPreviewsWithoutCommit(t *testing.T) {
	e := buildEval(t, routingProblem())
	s := newState(e)
	s.insert(0, 0, 0)

	var cand routeEval
	cand, s.buf = e.insertEval(0, s.seqs[0], 1, 1, s.buf)
	preview := s.scoreWith(0, cand, -priorityWeight(e.ts[1].prio))
	before := s.score()

	s.insert(1, 0, 1)
	after := s.score()
	require.InDelta(t, preview.Soft, after.Soft, 1e-9)
	require.InDelta(t, preview.Medium, after.Medium, 1e-9)
	require.NotEqual(t, before.Soft, after.Soft)
}
