package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Component("api").Warn("encode response", "error", err)
	}
}

// respondError maps err onto a status code through the error taxonomy.
func respondError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.Component("api").Error("request failed", "error", err)
	}
	respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %v: %w", err, errors.ErrValidation)
	}
	return nil
}

func pathID(r *http.Request) (uint, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.NewInvalidValue("id", raw, "must be a positive integer")
	}
	return uint(id), nil
}

// =============================================================================
// Query parameters
// =============================================================================

type params struct {
	r    *http.Request
	errs *errors.ValidationErrors
}

func queryParams(r *http.Request) *params {
	return &params{r: r, errs: errors.NewValidationErrors()}
}

func (p *params) str(name string) string {
	return p.r.URL.Query().Get(name)
}

func (p *params) required(name string) string {
	v := p.str(name)
	if v == "" {
		p.errs.AddMissing(name)
	}
	return v
}

func (p *params) at(name string, def time.Time) time.Time {
	v := p.str(name)
	if v == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.errs.AddField(name, "must be RFC 3339")
		return def
	}
	return t.UTC()
}

func (p *params) num(name string, def int) int {
	v := p.str(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.errs.AddField(name, "must be a non-negative integer")
		return def
	}
	return n
}

func (p *params) id(name string) uint {
	v := p.str(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.errs.AddField(name, "must be a non-negative integer")
		return 0
	}
	return uint(n)
}

func (p *params) flag(name string) bool {
	v := p.str(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs.AddField(name, "must be a boolean")
	}
	return b
}

func (p *params) err() error {
	return p.errs.Err()
}
