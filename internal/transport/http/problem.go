package transporthttp

import (
	"encoding/json"
	"net/http"
	"strings"
)

// problemTypePrefix namespaces the problem classes of this service.
const problemTypePrefix = "urn:machine-telemetry:problem:"

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type     string              `json:"type"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

// problemType derives the class URI from the title, so "invalid json"
// becomes urn:machine-telemetry:problem:invalid-json.
func problemType(title string) string {
	return problemTypePrefix + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "-")
}

// WriteProblem renders a problem for the request r; Instance is the request path.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     problemType(title),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Errors:   errs,
	})
}
