package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/uridolan77/llmgateway/internal/observability"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
)

// Problem is the error body returned by every non-streaming endpoint.
type Problem struct {
	Title      string            `json:"title"`
	Detail     string            `json:"detail"`
	Status     int               `json:"status"`
	Code       string            `json:"code"`
	Extensions ProblemExtensions `json:"extensions"`
}

// ProblemExtensions carries request- and provider-scoped diagnostics.
type ProblemExtensions struct {
	CorrelationID     string   `json:"correlationId,omitempty"`
	Provider          string   `json:"provider,omitempty"`
	ProviderErrorCode string   `json:"providerErrorCode,omitempty"`
	Categories        []string `json:"categories,omitempty"`
}

// problemFor converts a pipeline error into its wire form.
func problemFor(r *http.Request, err error) Problem {
	ge := gwerr.AsGateway(err)
	status := ge.HTTPStatus()

	p := Problem{
		Title:  http.StatusText(status),
		Detail: ge.Message,
		Status: status,
		Code:   string(ge.Kind),
		Extensions: ProblemExtensions{
			CorrelationID: observability.CorrelationID(r.Context()),
			Provider:      ge.Provider,
			Categories:    ge.Categories,
		},
	}
	if ge.StatusCode != 0 {
		p.Extensions.ProviderErrorCode = strconv.Itoa(ge.StatusCode)
	}
	return p
}

// writeError renders err as a problem document.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge := gwerr.AsGateway(err)
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ge.RetryAfter.Seconds())))
	}
	writeProblem(w, problemFor(r, err))
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
