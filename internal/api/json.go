package api

import (
	"encoding/json"
	"net/http"

	"optiq/internal/model"
)

// Problem represents an RFC7807 problem details response body. Code is an
// extension member carrying the machine-readable error code.
type Problem struct {
	Type     string                  `json:"type"`
	Title    string                  `json:"title"`
	Status   int                     `json:"status"`
	Detail   string                  `json:"detail,omitempty"`
	Instance string                  `json:"instance,omitempty"`
	Code     string                  `json:"code,omitempty"`
	Errors   []model.ValidationError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeProblemCode is writeProblem with a machine-readable code attached.
func writeProblemCode(w http.ResponseWriter, status int, code, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		Code:     code,
	})
}

// writeValidation renders every violation so a caller can fix the whole
// document in one round trip.
func writeValidation(w http.ResponseWriter, errs model.ValidationErrors, instance string) {
	writeJSON(w, http.StatusBadRequest, Problem{
		Type:     "about:blank",
		Title:    "Invalid problem",
		Status:   http.StatusBadRequest,
		Detail:   "problem document failed validation",
		Instance: instance,
		Errors:   errs,
	})
}
