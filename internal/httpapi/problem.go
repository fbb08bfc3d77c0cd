// Package httpapi is the chi-routed HTTP surface (ingest endpoint, rule
// CRUD, alert actions and history, a read-only alert-stream feed, and the
// operational /healthz, /readyz, /metrics endpoints). Grounded on the
// teacher's internal/server package: RFC 7807 problem responses, the same
// middleware chain shape, and swaggo annotations on the handlers that
// accept a body.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound    = "https://sentrypulse.dev/problems/not-found"
	ProblemTypeBadRequest  = "https://sentrypulse.dev/problems/bad-request"
	ProblemTypeInternal    = "https://sentrypulse.dev/problems/internal-error"
	ProblemTypeRateLimited = "https://sentrypulse.dev/problems/rate-limited"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type" example:"https://sentrypulse.dev/problems/bad-request"`
	Title    string `json:"title" example:"Bad Request"`
	Status   int    `json:"status" example:"400"`
	Detail   string `json:"detail,omitempty" example:"tenant_id is required"`
	Instance string `json:"instance,omitempty" example:"/api/v1/ingest"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeNotFound, Title: "Not Found", Status: http.StatusNotFound, Detail: detail, Instance: instance})
}

func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeBadRequest, Title: "Bad Request", Status: http.StatusBadRequest, Detail: detail, Instance: instance})
}

func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeInternal, Title: "Internal Server Error", Status: http.StatusInternalServerError, Detail: detail, Instance: instance})
}

func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeRateLimited, Title: "Too Many Requests", Status: http.StatusTooManyRequests, Detail: detail, Instance: instance})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
