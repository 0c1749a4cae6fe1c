package model

import (
	"errors"
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func validProblem() *Problem {
	return &Problem{
		Kind: KindRouting,
		Locations: map[string]GeoPoint{
			"depot": {Lat: 38.89, Lng: -77.03},
		},
		Tasks: []Task{
			{
				ID:          "t1",
				Location:    &Location{Point: &GeoPoint{Lat: 38.9, Lng: -77.0}},
				DurationSec: 300,
				Windows:     []TimeWindow{{Start: ts("2026-03-02T09:00:00Z"), End: ts("2026-03-02T12:00:00Z")}},
			},
			{
				ID:          "t2",
				Location:    &Location{Ref: "depot"},
				DurationSec: 600,
			},
		},
		Providers: []Provider{
			{
				ID:     "v1",
				Start:  &Location{Ref: "depot"},
				Shifts: []TimeWindow{{Start: ts("2026-03-02T08:00:00Z"), End: ts("2026-03-02T18:00:00Z")}},
			},
		},
	}
}

func TestValidateProblemOK(t *testing.T) {
	if err := ValidateProblem(validProblem()); err != nil {
		t.Fatalf("expected valid problem, got %v", err)
	}
}

func codes(err error) map[string]int {
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		return nil
	}
	m := map[string]int{}
	for _, e := range errs {
		m[e.Code]++
	}
	return m
}

func TestValidateProblemCollectsAllViolations(t *testing.T) {
	p := validProblem()
	p.Tasks[0].DurationSec = 0
	p.Tasks[1].ID = "t1" // duplicate
	p.Tasks[1].Windows = []TimeWindow{{Start: ts("2026-03-02T12:00:00Z"), End: ts("2026-03-02T09:00:00Z")}}
	p.Providers[0].Shifts = nil

	err := ValidateProblem(p)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	got := codes(err)
	for _, want := range []string{VNonpositiveDur, VDuplicateTask, VWindowOrder, VNoShifts} {
		if got[want] == 0 {
			t.Fatalf("missing code %s in %v", want, got)
		}
	}
}

func TestValidateProblemCodes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Problem)
		want   string
	}{
		{"bad kind", func(p *Problem) { p.Kind = "tetris" }, VBadKind},
		{"missing task id", func(p *Problem) { p.Tasks[0].ID = "" }, VMissingID},
		{"duplicate provider", func(p *Problem) {
			p.Providers = append(p.Providers, p.Providers[0])
		}, VDuplicateProvider},
		{"unknown location ref", func(p *Problem) { p.Tasks[1].Location.Ref = "mars" }, VUnresolvedLoc},
		{"missing routing location", func(p *Problem) { p.Tasks[0].Location = nil }, VUnresolvedLoc},
		{"bad coordinate", func(p *Problem) { p.Tasks[0].Location.Point.Lat = 91 }, VBadCoordinate},
		{"negative load", func(p *Problem) { p.Tasks[0].Load = map[string]float64{"kg": -1} }, VNegativeDimension},
		{"negative capacity", func(p *Problem) { p.Providers[0].Capacity = map[string]float64{"kg": -2} }, VNegativeDimension},
		{"uncovered dimension", func(p *Problem) { p.Tasks[0].Load = map[string]float64{"kg": 7} }, VUncoveredDim},
		{"overlapping windows", func(p *Problem) {
			p.Tasks[0].Windows = []TimeWindow{
				{Start: ts("2026-03-02T09:00:00Z"), End: ts("2026-03-02T12:00:00Z")},
				{Start: ts("2026-03-02T11:00:00Z"), End: ts("2026-03-02T14:00:00Z")},
			}
		}, VWindowOverlap},
		{"no tasks", func(p *Problem) { p.Tasks = nil }, VNoTasks},
		{"no providers", func(p *Problem) { p.Providers = nil }, VNoProviders},
		{"shift order", func(p *Problem) {
			p.Providers[0].Shifts[0].End = p.Providers[0].Shifts[0].Start
		}, VShiftOrder},
		{"unknown allowed provider", func(p *Problem) { p.Tasks[0].AllowedProviders = []string{"ghost"} }, VUnknownProvider},
		{"unknown denied provider", func(p *Problem) { p.Tasks[0].DeniedProviders = []string{"ghost"} }, VUnknownProvider},
		{"unknown preferred provider", func(p *Problem) { p.Tasks[0].PreferredProvider = "ghost" }, VUnknownProvider},
		{"unknown weight", func(p *Problem) { p.Options.Weights = map[string]float64{"vibes": 1} }, VUnknownWeight},
		{"negative weight", func(p *Problem) { p.Options.Weights = map[string]float64{"distance": -1} }, VBadOption},
		{"bad cooling", func(p *Problem) { p.Options.Cooling = 1.5 }, VBadOption},
		{"negative budget", func(p *Problem) { p.Options.Budget.MaxIterations = -1 }, VBadOption},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validProblem()
			tc.mutate(p)
			err := ValidateProblem(p)
			if err == nil {
				t.Fatalf("expected %s", tc.want)
			}
			if codes(err)[tc.want] == 0 {
				t.Fatalf("want code %s, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateCapacityCoverage(t *testing.T) {
	p := validProblem()
	p.Tasks[0].Load = map[string]float64{"kg": 7}
	p.Providers[0].Capacity = map[string]float64{"kg": 10}
	if err := ValidateProblem(p); err != nil {
		t.Fatalf("covered dimension must validate, got %v", err)
	}

	p = validProblem()
	p.Tasks[0].Load = map[string]float64{"kg": 7}
	p.Providers[0].Capacity = map[string]float64{"pallets": 1}
	err := ValidateProblem(p)
	if codes(err)[VUncoveredDim] == 0 {
		t.Fatalf("want %s, got %v", VUncoveredDim, err)
	}

	// a provider the task cannot reach does not need the dimension
	p = validProblem()
	p.Providers = append(p.Providers, Provider{
		ID:     "v2",
		Start:  &Location{Ref: "depot"},
		Shifts: p.Providers[0].Shifts,
	})
	p.Tasks[0].Load = map[string]float64{"kg": 7}
	p.Tasks[1].Load = map[string]float64{"kg": 2}
	p.Providers[0].Capacity = map[string]float64{"kg": 10}
	p.Tasks[0].DeniedProviders = []string{"v2"}
	p.Tasks[1].AllowedProviders = []string{"v1"}
	if err := ValidateProblem(p); err != nil {
		t.Fatalf("unreachable provider needs no coverage, got %v", err)
	}
}

func TestValidateSchedulingAllowsNoLocation(t *testing.T) {
	p := validProblem()
	p.Kind = KindScheduling
	for i := range p.Tasks {
		p.Tasks[i].Location = nil
	}
	if err := ValidateProblem(p); err != nil {
		t.Fatalf("scheduling tasks need no location, got %v", err)
	}
}

func TestScoreLexicographicOrder(t *testing.T) {
	a := Score{Hard: 0, Medium: 5, Soft: 100}
	b := Score{Hard: 1, Medium: 0, Soft: 0}
	if !a.Less(b) {
		t.Fatal("feasible must beat infeasible regardless of lower tiers")
	}
	c := Score{Hard: 0, Medium: 4, Soft: 9999}
	if !c.Less(a) {
		t.Fatal("medium tier must dominate soft tier")
	}
	d := Score{Hard: 0, Medium: 5, Soft: 99}
	if !d.Less(a) || a.Less(d) {
		t.Fatal("soft tier breaks ties")
	}
	if !a.Equal(a) || a.Equal(d) {
		t.Fatal("equal is tier-wise")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	legal := []struct{ from, to JobStatus }{
		{JobCreated, JobQueued},
		{JobCreated, JobCancelled},
		{JobQueued, JobRunning},
		{JobQueued, JobCancelled},
		{JobRunning, JobSolved},
		{JobRunning, JobErrored},
		{JobRunning, JobCancelled},
	}
	for _, c := range legal {
		if !c.from.CanTransition(c.to) {
			t.Fatalf("%s -> %s should be legal", c.from, c.to)
		}
	}
	illegal := []struct{ from, to JobStatus }{
		{JobCreated, JobRunning},
		{JobCreated, JobSolved},
		{JobQueued, JobSolved},
		{JobSolved, JobRunning},
		{JobErrored, JobQueued},
		{JobCancelled, JobRunning},
		{JobRunning, JobQueued},
	}
	for _, c := range illegal {
		if c.from.CanTransition(c.to) {
			t.Fatalf("%s -> %s should be illegal", c.from, c.to)
		}
	}
	for _, s := range []JobStatus{JobSolved, JobErrored, JobCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if JobRunning.Terminal() {
		t.Fatal("RUNNING is not terminal")
	}
}
