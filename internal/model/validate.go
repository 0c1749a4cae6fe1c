package model

import (
	"fmt"
	"strings"
)

// Validation codes. Every rejected field carries exactly one.
const (
	VBadKind           = "BAD_KIND"
	VMissingID         = "MISSING_ID"
	VDuplicateTask     = "DUPLICATE_TASK_ID"
	VDuplicateProvider = "DUPLICATE_PROVIDER_ID"
	VNonpositiveDur    = "NONPOSITIVE_DURATION"
	VUnresolvedLoc     = "UNRESOLVED_LOCATION"
	VBadCoordinate     = "BAD_COORDINATE"
	VWindowOrder       = "WINDOW_ORDER"
	VWindowOverlap     = "WINDOW_OVERLAP"
	VNoTasks           = "NO_TASKS"
	VNoProviders       = "NO_PROVIDERS"
	VShiftOrder        = "SHIFT_ORDER"
	VNoShifts          = "NO_SHIFTS"
	VNegativeDimension = "NEGATIVE_DIMENSION"
	VUnknownProvider   = "UNKNOWN_PROVIDER_REF"
	VUncoveredDim      = "UNCOVERED_DIMENSION"
	VUnknownWeight     = "UNKNOWN_WEIGHT"
	VBadOption         = "BAD_OPTION"
)

// ValidationError pinpoints one rejected field.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every violation found in one pass, so a caller
// can fix an entire document in one round trip.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationErrors) add(code, field, format string, args ...any) {
	*e = append(*e, ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateProblem checks the whole document and returns every violation, or
// nil when the problem is well-formed.
func ValidateProblem(p *Problem) error {
	var errs ValidationErrors
	if p == nil {
		errs.add(VBadOption, "", "problem document is required")
		return errs
	}

	kind := p.Kind
	if kind == "" {
		kind = KindRouting
	}
	if kind != KindRouting && kind != KindScheduling {
		errs.add(VBadKind, "kind", "must be %q or %q", KindRouting, KindScheduling)
	}

	if len(p.Tasks) == 0 {
		errs.add(VNoTasks, "tasks", "at least one task is required")
	}
	if len(p.Providers) == 0 {
		errs.add(VNoProviders, "providers", "at least one provider is required")
	}

	for name, pt := range p.Locations {
		if !validCoord(pt) {
			errs.add(VBadCoordinate, "locations."+name, "lat must be in [-90,90], lng in [-180,180]")
		}
	}

	provIDs := map[string]struct{}{}
	for i, pr := range p.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if pr.ID == "" {
			errs.add(VMissingID, field+".id", "provider id is required")
		} else if _, dup := provIDs[pr.ID]; dup {
			errs.add(VDuplicateProvider, field+".id", "duplicate provider id %s", pr.ID)
		} else {
			provIDs[pr.ID] = struct{}{}
		}
		if len(pr.Shifts) == 0 {
			errs.add(VNoShifts, field+".shifts", "at least one shift is required")
		}
		for j, sh := range pr.Shifts {
			if !sh.End.After(sh.Start) {
				errs.add(VShiftOrder, fmt.Sprintf("%s.shifts[%d]", field, j), "shift start must precede end")
			}
		}
		for dim, v := range pr.Capacity {
			if v < 0 {
				errs.add(VNegativeDimension, field+".capacity."+dim, "capacity must be >= 0")
			}
		}
		if pr.MaxTotalSec < 0 {
			errs.add(VBadOption, field+".maxTotalSec", "must be >= 0")
		}
		if pr.MinTotalSec < 0 {
			errs.add(VBadOption, field+".minTotalSec", "must be >= 0")
		}
		if pr.SpeedKph < 0 {
			errs.add(VBadOption, field+".speedKph", "must be >= 0")
		}
		errs = validateLocRef(errs, p, pr.Start, field+".start", kind, false)
		errs = validateLocRef(errs, p, pr.End, field+".end", kind, false)
	}

	taskIDs := map[string]struct{}{}
	for i, t := range p.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if t.ID == "" {
			errs.add(VMissingID, field+".id", "task id is required")
		} else if _, dup := taskIDs[t.ID]; dup {
			errs.add(VDuplicateTask, field+".id", "duplicate task id %s", t.ID)
		} else {
			taskIDs[t.ID] = struct{}{}
		}
		if t.DurationSec <= 0 {
			errs.add(VNonpositiveDur, field+".durationSec", "must be > 0")
		}
		for j, w := range t.Windows {
			if !w.End.After(w.Start) {
				errs.add(VWindowOrder, fmt.Sprintf("%s.windows[%d]", field, j), "window start must precede end")
			}
			if j > 0 && w.Start.Before(t.Windows[j-1].End) {
				errs.add(VWindowOverlap, fmt.Sprintf("%s.windows[%d]", field, j), "windows must be ordered and non-overlapping")
			}
		}
		for dim, v := range t.Load {
			if v < 0 {
				errs.add(VNegativeDimension, field+".load."+dim, "load must be >= 0")
			}
		}
		errs = validateLocRef(errs, p, t.Location, field+".location", kind, kind == KindRouting)
		for _, ref := range t.AllowedProviders {
			if _, ok := provIDs[ref]; !ok {
				errs.add(VUnknownProvider, field+".allowedProviders", "unknown provider %s", ref)
			}
		}
		for _, ref := range t.DeniedProviders {
			if _, ok := provIDs[ref]; !ok {
				errs.add(VUnknownProvider, field+".deniedProviders", "unknown provider %s", ref)
			}
		}
		if t.PreferredProvider != "" {
			if _, ok := provIDs[t.PreferredProvider]; !ok {
				errs.add(VUnknownProvider, field+".preferredProvider", "unknown provider %s", t.PreferredProvider)
			}
		}
	}

	// every provider that may serve a task must declare capacity for each
	// dimension the task loads; an absent entry is not unlimited
	covered := map[string]struct{}{}
	for _, t := range p.Tasks {
		for dim, v := range t.Load {
			if v <= 0 {
				continue
			}
			for j, pr := range p.Providers {
				if !taskMayUse(&t, pr.ID) {
					continue
				}
				if _, ok := pr.Capacity[dim]; ok {
					continue
				}
				key := pr.ID + "/" + dim
				if _, dup := covered[key]; dup {
					continue
				}
				covered[key] = struct{}{}
				errs.add(VUncoveredDim, fmt.Sprintf("providers[%d].capacity.%s", j, dim),
					"provider %s does not declare dimension %s loaded by task %s", pr.ID, dim, t.ID)
			}
		}
	}

	errs = validateOptions(errs, &p.Options)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// taskMayUse reports whether the allow/deny lists permit the task to be
// served by the provider.
func taskMayUse(t *Task, providerID string) bool {
	for _, d := range t.DeniedProviders {
		if d == providerID {
			return false
		}
	}
	if len(t.AllowedProviders) == 0 {
		return true
	}
	for _, a := range t.AllowedProviders {
		if a == providerID {
			return true
		}
	}
	return false
}

// validateLocRef checks one Location slot. required applies to routing tasks,
// which cannot be placed without coordinates.
func validateLocRef(errs ValidationErrors, p *Problem, l *Location, field string, kind ProblemKind, required bool) ValidationErrors {
	if l == nil {
		if required {
			errs.add(VUnresolvedLoc, field, "routing tasks need a location")
		}
		return errs
	}
	if l.Point != nil {
		if !validCoord(*l.Point) {
			errs.add(VBadCoordinate, field, "lat must be in [-90,90], lng in [-180,180]")
		}
		return errs
	}
	if l.Ref == "" {
		errs.add(VUnresolvedLoc, field, "location needs a point or a ref")
		return errs
	}
	if _, ok := p.Locations[l.Ref]; !ok {
		errs.add(VUnresolvedLoc, field, "unknown location ref %s", l.Ref)
	}
	return errs
}

func validateOptions(errs ValidationErrors, o *Options) ValidationErrors {
	known := map[string]struct{}{}
	for _, k := range WeightKeys {
		known[k] = struct{}{}
	}
	for k, v := range o.Weights {
		if _, ok := known[k]; !ok {
			errs.add(VUnknownWeight, "options.weights."+k, "unknown weight (allowed: %s)", strings.Join(WeightKeys, ","))
		}
		if v < 0 {
			errs.add(VBadOption, "options.weights."+k, "must be >= 0")
		}
	}
	if o.Budget.TimeLimitMs < 0 {
		errs.add(VBadOption, "options.budget.timeLimitMs", "must be >= 0")
	}
	if o.Budget.MaxIterations < 0 {
		errs.add(VBadOption, "options.budget.maxIterations", "must be >= 0")
	}
	if o.Budget.Patience < 0 {
		errs.add(VBadOption, "options.budget.patience", "must be >= 0")
	}
	if o.Cooling != 0 && (o.Cooling <= 0 || o.Cooling >= 1) {
		errs.add(VBadOption, "options.cooling", "must be in (0,1)")
	}
	if o.InitialTemp < 0 {
		errs.add(VBadOption, "options.initialTemp", "must be >= 0")
	}
	if o.Instances < 0 {
		errs.add(VBadOption, "options.instances", "must be >= 0")
	}
	if o.GraceSec < 0 {
		errs.add(VBadOption, "options.graceSec", "must be >= 0")
	}
	if o.BreakEverySec < 0 || o.BreakDurationSec < 0 {
		errs.add(VBadOption, "options.break", "break fields must be >= 0")
	}
	if o.MinRestSec < 0 {
		errs.add(VBadOption, "options.minRestSec", "must be >= 0")
	}
	if o.SpeedKph < 0 {
		errs.add(VBadOption, "options.speedKph", "must be >= 0")
	}
	return errs
}

func validCoord(pt GeoPoint) bool {
	return pt.Lat >= -90 && pt.Lat <= 90 && pt.Lng >= -180 && pt.Lng <= 180
}
