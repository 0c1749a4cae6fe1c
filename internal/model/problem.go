// Package model defines the wire and domain types shared by the API,
// the solver, and the job lifecycle manager.
package model

import "time"

// ProblemKind selects the assignment domain.
type ProblemKind string

const (
	KindRouting    ProblemKind = "routing"    // tasks are geographic stops, sequences are ordered routes
	KindScheduling ProblemKind = "scheduling" // tasks are shifts to fill, sequences are chronological sets
)

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is either an inline point or a named reference into
// Problem.Locations. Exactly one of the two forms should be set.
type Location struct {
	Point *GeoPoint `json:"point,omitempty"`
	Ref   string    `json:"ref,omitempty"`
}

// TimeWindow is a half-open service interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Task is a unit of work needing assignment: a delivery/service stop in the
// routing kind, or a shift to fill in the scheduling kind.
type Task struct {
	ID                string             `json:"id"`
	Location          *Location          `json:"location,omitempty"`
	DurationSec       int                `json:"durationSec"`
	Windows           []TimeWindow       `json:"windows,omitempty"`
	Load              map[string]float64 `json:"load,omitempty"`
	RequiredTags      []string           `json:"requiredTags,omitempty"`
	AllowedProviders  []string           `json:"allowedProviders,omitempty"`
	DeniedProviders   []string           `json:"deniedProviders,omitempty"`
	PreferredProvider string             `json:"preferredProvider,omitempty"`
	Priority          int                `json:"priority,omitempty"`
}

// Provider is an assignable resource: vehicle, field worker, or employee.
type Provider struct {
	ID          string             `json:"id"`
	Start       *Location          `json:"start,omitempty"` // optional depot / home
	End         *Location          `json:"end,omitempty"`
	Shifts      []TimeWindow       `json:"shifts"`
	Capacity    map[string]float64 `json:"capacity,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	MaxTotalSec int                `json:"maxTotalSec,omitempty"` // hard cap on committed duration
	MinTotalSec int                `json:"minTotalSec,omitempty"` // staffing floor, penalized when unmet
	NominalSec  int                `json:"nominalSec,omitempty"`  // overtime accrues past this
	SpeedKph    float64            `json:"speedKph,omitempty"`
}

// Budget bounds a single solve.
type Budget struct {
	TimeLimitMs   int `json:"timeLimitMs,omitempty"`
	MaxIterations int `json:"maxIterations,omitempty"`
	Patience      int `json:"patience,omitempty"` // iterations without improvement before giving up
}

// Options tunes the solver for one problem. Zero values select documented
// defaults (see DefaultWeights and the /v1/solver/config endpoint).
type Options struct {
	Weights               map[string]float64 `json:"weights,omitempty"`
	HardWindows           bool               `json:"hardWindows,omitempty"`
	GraceSec              int                `json:"graceSec,omitempty"`
	Budget                Budget             `json:"budget,omitempty"`
	Seed                  int64              `json:"seed,omitempty"`
	Instances             int                `json:"instances,omitempty"` // parallel search instances
	InitialTemp           float64            `json:"initialTemp,omitempty"`
	Cooling               float64            `json:"cooling,omitempty"`
	BreakEverySec         int                `json:"breakEverySec,omitempty"`
	BreakDurationSec      int                `json:"breakDurationSec,omitempty"`
	MinRestSec            int                `json:"minRestSec,omitempty"` // scheduling kind: gap between assignments
	SpeedKph              float64            `json:"speedKph,omitempty"`
	RequireFullAssignment bool               `json:"requireFullAssignment,omitempty"`
	CallbackURL           string             `json:"callbackUrl,omitempty"`
	CallbackSecret        string             `json:"callbackSecret,omitempty"`
}

// Problem is the immutable input document of one solve.
type Problem struct {
	Kind      ProblemKind         `json:"kind,omitempty"`
	Tasks     []Task              `json:"tasks"`
	Providers []Provider          `json:"providers"`
	Locations map[string]GeoPoint `json:"locations,omitempty"`
	Options   Options             `json:"options,omitempty"`
}

// ResolveLocation maps a Location to its concrete point using the problem's
// shared location table. ok is false when a ref does not resolve.
func (p *Problem) ResolveLocation(l *Location) (GeoPoint, bool) {
	if l == nil {
		return GeoPoint{}, false
	}
	if l.Point != nil {
		return *l.Point, true
	}
	if l.Ref != "" && p.Locations != nil {
		pt, ok := p.Locations[l.Ref]
		return pt, ok
	}
	return GeoPoint{}, false
}

// WeightKeys are the recognized soft/medium objective weights, in the order
// they are documented.
var WeightKeys = []string{
	"travelTime", "distance", "lateness", "overtime", "imbalance",
	"preference", "understaffing", "breakDeviation", "unassigned",
}

// DefaultWeights returns the documented default objective weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"travelTime":     1,
		"distance":       0.1,
		"lateness":       1,
		"overtime":       2,
		"imbalance":      0.1,
		"preference":     10,
		"understaffing":  1,
		"breakDeviation": 1,
		"unassigned":     3600,
	}
}
