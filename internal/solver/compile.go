// Package solver contains the constraint evaluator and the metaheuristic
// search. An Evaluator is compiled once per problem and shared read-only by
// every search instance; all mutable state lives in the per-instance state.
package solver

import (
	"fmt"
	"sort"

	"optiq/internal/model"
	"optiq/internal/travel"
)

type weights struct {
	travel     float64
	dist       float64
	late       float64
	over       float64
	imbalance  float64
	pref       float64
	under      float64
	brk        float64
	unassigned float64
}

func compileWeights(m map[string]float64) weights {
	d := model.DefaultWeights()
	get := func(k string) float64 {
		if v, ok := m[k]; ok {
			return v
		}
		return d[k]
	}
	return weights{
		travel:     get("travelTime"),
		dist:       get("distance"),
		late:       get("lateness"),
		over:       get("overtime"),
		imbalance:  get("imbalance"),
		pref:       get("preference"),
		under:      get("understaffing"),
		brk:        get("breakDeviation"),
		unassigned: get("unassigned"),
	}
}

type task struct {
	id      string
	loc     int // matrix index, -1 when absent
	dur     int64
	windows [][2]int64 // epoch seconds, sorted by start
	load    []float64  // indexed by Evaluator.dims
	req     []string
	allow   []bool // per provider index; nil means unrestricted
	deny    []bool
	pref    int // preferred provider index, -1 when none
	prio    int
	sortKey int64 // scheduling kind chronological key
}

type prov struct {
	id     string
	start  int // matrix index, -1 when absent
	end    int
	shifts [][2]int64
	cap    []float64
	tags   map[string]struct{}
	maxSec int64
	minSec int64
	nomSec int64
}

// Evaluator is the compiled, immutable form of one problem.
type Evaluator struct {
	kind model.ProblemKind
	ts   []task
	ps   []prov
	dims []string
	mat  *travel.Matrix

	w           weights
	hardWindows bool
	graceSec    int64
	breakEvery  int64
	breakDur    int64
	minRest     int64
	requireFull bool
}

// Points returns the problem's distinct coordinates in the deterministic
// order NewEvaluator assigns matrix indices. Build the travel matrix over
// exactly this slice.
func Points(p *model.Problem) []model.GeoPoint {
	pts, _ := pointIndex(p)
	return pts
}

func pointIndex(p *model.Problem) ([]model.GeoPoint, map[model.GeoPoint]int) {
	var pts []model.GeoPoint
	idx := map[model.GeoPoint]int{}
	add := func(l *model.Location) {
		pt, ok := p.ResolveLocation(l)
		if !ok {
			return
		}
		if _, seen := idx[pt]; seen {
			return
		}
		idx[pt] = len(pts)
		pts = append(pts, pt)
	}
	for i := range p.Tasks {
		add(p.Tasks[i].Location)
	}
	for i := range p.Providers {
		add(p.Providers[i].Start)
		add(p.Providers[i].End)
	}
	return pts, idx
}

// NewEvaluator compiles a validated problem against its travel matrix.
func NewEvaluator(p *model.Problem, mat *travel.Matrix) (*Evaluator, error) {
	pts, idx := pointIndex(p)
	if mat == nil {
		mat = travel.Zero(len(pts))
	}
	if mat.Len() != len(pts) {
		return nil, fmt.Errorf("matrix has %d points, problem has %d", mat.Len(), len(pts))
	}

	kind := p.Kind
	if kind == "" {
		kind = model.KindRouting
	}

	// collect load dimensions in sorted order so compiled vectors line up
	dimSet := map[string]struct{}{}
	for i := range p.Tasks {
		for d := range p.Tasks[i].Load {
			dimSet[d] = struct{}{}
		}
	}
	for i := range p.Providers {
		for d := range p.Providers[i].Capacity {
			dimSet[d] = struct{}{}
		}
	}
	dims := make([]string, 0, len(dimSet))
	for d := range dimSet {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	dimIdx := map[string]int{}
	for i, d := range dims {
		dimIdx[d] = i
	}

	provIdx := map[string]int{}
	for i := range p.Providers {
		provIdx[p.Providers[i].ID] = i
	}

	locFor := func(l *model.Location) int {
		pt, ok := p.ResolveLocation(l)
		if !ok {
			return -1
		}
		return idx[pt]
	}

	e := &Evaluator{
		kind:        kind,
		dims:        dims,
		mat:         mat,
		w:           compileWeights(p.Options.Weights),
		hardWindows: p.Options.HardWindows,
		graceSec:    int64(p.Options.GraceSec),
		breakEvery:  int64(p.Options.BreakEverySec),
		breakDur:    int64(p.Options.BreakDurationSec),
		minRest:     int64(p.Options.MinRestSec),
		requireFull: p.Options.RequireFullAssignment,
	}

	e.ps = make([]prov, len(p.Providers))
	for i := range p.Providers {
		src := &p.Providers[i]
		pv := prov{
			id:     src.ID,
			start:  locFor(src.Start),
			end:    locFor(src.End),
			maxSec: int64(src.MaxTotalSec),
			minSec: int64(src.MinTotalSec),
			nomSec: int64(src.NominalSec),
			tags:   map[string]struct{}{},
		}
		for _, t := range src.Tags {
			pv.tags[t] = struct{}{}
		}
		pv.shifts = make([][2]int64, len(src.Shifts))
		for j, sh := range src.Shifts {
			pv.shifts[j] = [2]int64{sh.Start.Unix(), sh.End.Unix()}
		}
		sort.Slice(pv.shifts, func(a, b int) bool { return pv.shifts[a][0] < pv.shifts[b][0] })
		if len(dims) > 0 {
			pv.cap = make([]float64, len(dims))
			for d, v := range src.Capacity {
				pv.cap[dimIdx[d]] = v
			}
		}
		e.ps[i] = pv
	}

	e.ts = make([]task, len(p.Tasks))
	for i := range p.Tasks {
		src := &p.Tasks[i]
		t := task{
			id:   src.ID,
			loc:  locFor(src.Location),
			dur:  int64(src.DurationSec),
			pref: -1,
			prio: src.Priority,
		}
		t.windows = make([][2]int64, len(src.Windows))
		for j, w := range src.Windows {
			t.windows[j] = [2]int64{w.Start.Unix(), w.End.Unix()}
		}
		sort.Slice(t.windows, func(a, b int) bool { return t.windows[a][0] < t.windows[b][0] })
		if len(t.windows) > 0 {
			t.sortKey = t.windows[0][0]
		}
		if len(dims) > 0 {
			t.load = make([]float64, len(dims))
			for d, v := range src.Load {
				t.load[dimIdx[d]] = v
			}
		}
		t.req = append([]string(nil), src.RequiredTags...)
		if len(src.AllowedProviders) > 0 {
			t.allow = make([]bool, len(p.Providers))
			for _, ref := range src.AllowedProviders {
				if pi, ok := provIdx[ref]; ok {
					t.allow[pi] = true
				}
			}
		}
		if len(src.DeniedProviders) > 0 {
			t.deny = make([]bool, len(p.Providers))
			for _, ref := range src.DeniedProviders {
				if pi, ok := provIdx[ref]; ok {
					t.deny[pi] = true
				}
			}
		}
		if src.PreferredProvider != "" {
			if pi, ok := provIdx[src.PreferredProvider]; ok {
				t.pref = pi
			}
		}
		e.ts[i] = t
	}
	return e, nil
}

// leg returns the travel cost between two matrix indices. Scheduling
// problems and missing locations cost nothing to move between.
func (e *Evaluator) leg(from, to int) travel.Leg {
	if e.kind == model.KindScheduling || from < 0 || to < 0 {
		return travel.Leg{}
	}
	return e.mat.At(from, to)
}

// TaskCount and ProviderCount expose compiled sizes for metrics.
func (e *Evaluator) TaskCount() int     { return len(e.ts) }
func (e *Evaluator) ProviderCount() int { return len(e.ps) }
