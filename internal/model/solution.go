package model

import "time"

// Score is the three-tier lexicographic objective. Lower is better;
// tiers compare in order and a difference in a higher tier dominates
// everything below it.
type Score struct {
	Hard   float64 `json:"hard"`   // violation magnitude; must be 0 for a feasible plan
	Medium float64 `json:"medium"` // lateness, break deviation, understaffing
	Soft   float64 `json:"soft"`   // travel, distance, overtime, imbalance, preference, unassigned
}

// Feasible reports whether the hard tier is clean.
func (s Score) Feasible() bool { return s.Hard == 0 }

// Less orders scores lexicographically by tier.
func (s Score) Less(o Score) bool {
	if s.Hard != o.Hard {
		return s.Hard < o.Hard
	}
	if s.Medium != o.Medium {
		return s.Medium < o.Medium
	}
	return s.Soft < o.Soft
}

// Equal reports exact tier-wise equality.
func (s Score) Equal(o Score) bool {
	return s.Hard == o.Hard && s.Medium == o.Medium && s.Soft == o.Soft
}

// Assignment is one scheduled task on a provider's sequence.
type Assignment struct {
	TaskID       string    `json:"taskId"`
	Position     int       `json:"position"`
	Arrival      time.Time `json:"arrival"`
	ServiceStart time.Time `json:"serviceStart"`
	Departure    time.Time `json:"departure"`
	WaitSec      int       `json:"waitSec,omitempty"`
	LateSec      int       `json:"lateSec,omitempty"`
	TravelSec    int       `json:"travelSec,omitempty"` // leg into this stop
	DistanceM    float64   `json:"distanceM,omitempty"`
}

// BreakStop is a mandatory pause inserted into a route.
type BreakStop struct {
	AfterTaskID string    `json:"afterTaskId"`
	Start       time.Time `json:"start"`
	DurationSec int       `json:"durationSec"`
}

// Route is the ordered plan of one provider.
type Route struct {
	ProviderID  string       `json:"providerId"`
	Assignments []Assignment `json:"assignments"`
	Breaks      []BreakStop  `json:"breaks,omitempty"`
	TravelSec   int          `json:"travelSec"`
	DistanceM   float64      `json:"distanceM"`
	ServiceSec  int          `json:"serviceSec"`
	WaitSec     int          `json:"waitSec"`
	CommitSec   int          `json:"commitSec"` // start of first leg to end of last service
	OvertimeSec int          `json:"overtimeSec,omitempty"`
}

// UnassignedTask carries the per-provider rejection causes for a task the
// search could not place.
type UnassignedTask struct {
	TaskID string            `json:"taskId"`
	Causes map[string]string `json:"causes,omitempty"` // providerID -> failure code
}

// Solution is the output document of one solve.
type Solution struct {
	Score      Score            `json:"score"`
	Routes     []Route          `json:"routes"`
	Unassigned []UnassignedTask `json:"unassigned,omitempty"`
	Iterations int64            `json:"iterations"`
	ElapsedMs  int64            `json:"elapsedMs"`
	Seed       int64            `json:"seed"`
	Instances  int              `json:"instances"`
}

// Failure codes recorded when a hard rule blocks a task on a provider.
const (
	FailMissingTags       = "MISSING_TAGS"
	FailCapacityExceeded  = "CAPACITY_EXCEEDED"
	FailWindowUnreachable = "TIME_WINDOW_UNREACHABLE"
	FailAvailability      = "AVAILABILITY_EXCEEDED"
	FailProviderDenied    = "PROVIDER_DENIED"
	FailNotAllowed        = "PROVIDER_NOT_ALLOWED"
	FailNoProvider        = "NO_ELIGIBLE_PROVIDER"
)

// ScoreBreakdown itemizes one scored term for the explanation document.
type ScoreBreakdown struct {
	Term   string  `json:"term"`
	Tier   string  `json:"tier"`
	Raw    float64 `json:"raw"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
}

// AssignmentReason explains why a task landed on its provider.
type AssignmentReason struct {
	TaskID      string   `json:"taskId"`
	ProviderID  string   `json:"providerId"`
	MatchedTags []string `json:"matchedTags,omitempty"`
	Preferred   bool     `json:"preferred,omitempty"`
	WindowHit   string   `json:"windowHit,omitempty"` // which window the service start landed in
	DetourSec   int      `json:"detourSec,omitempty"` // marginal travel cost of this stop

	// CapacityHeadroom is the minimum remaining capacity on the route
	// across the dimensions this task loads. Nil when the task loads none.
	CapacityHeadroom *float64 `json:"capacityHeadroom,omitempty"`
}

// UnassignedReason explains why a task stayed unplaced, per provider tried.
type UnassignedReason struct {
	TaskID string          `json:"taskId"`
	Causes []ProviderCause `json:"causes"`
}

// ProviderCause is one provider's blocking rule for one task.
type ProviderCause struct {
	ProviderID string `json:"providerId"`
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
}

// Explanation is the human-readable companion of a Solution.
type Explanation struct {
	Score       Score              `json:"score"`
	Breakdown   []ScoreBreakdown   `json:"breakdown"`
	Assignments []AssignmentReason `json:"assignments"`
	Unassigned  []UnassignedReason `json:"unassigned,omitempty"`
}
