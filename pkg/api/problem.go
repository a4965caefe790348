// Package api is the HTTP edge of trustgate. Every error response is an
// RFC 7807 problem document.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

const problemBase = "https://trustgate.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the governance error kind, when there is one.
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemBase, p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem with the given status and detail.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, ProblemDetail{Status: status, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a generic 500. The error text never
// reaches the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", pathOf(r))
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

// statusFor maps a governance error kind to an HTTP status. Zero means the
// kind is not client-facing.
func statusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindPolicyNotFound, contracts.KindTaskNotFound, contracts.KindTokenNotFound,
		contracts.KindBundleNotFound, contracts.KindNoApprovalsFound:
		return http.StatusNotFound
	case contracts.KindInvalidStateTransition, contracts.KindAlreadyRevoked, contracts.KindChainIntegrityViolation:
		return http.StatusConflict
	case contracts.KindIssuerOrgMismatch, contracts.KindTokenOrgMismatch, contracts.KindArtifactNotApproved:
		return http.StatusForbidden
	case contracts.KindValidation:
		return http.StatusUnprocessableEntity
	}
	return 0
}

// WriteServiceError renders err as a problem document. Typed governance
// errors keep their detail; anything else is an opaque 500.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ge *contracts.Error
	if !errors.As(err, &ge) {
		WriteInternal(w, r, err)
		return
	}
	status := statusFor(ge.Kind)
	if status == 0 {
		WriteInternal(w, r, err)
		return
	}
	writeProblem(w, r, ProblemDetail{
		Type:   problemBase + strings.ToLower(strings.ReplaceAll(string(ge.Kind), "_", "-")),
		Status: status,
		Detail: ge.Error(),
		Code:   string(ge.Kind),
	})
}

func pathOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}
