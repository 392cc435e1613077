package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/filter"
	"github.com/kkwann/midoproject2/budget/pkg/normalize"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/budget/pkg/session"
	"github.com/kkwann/midoproject2/budget/pkg/upload"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

var errBadRequest = errors.New("bad request")

// statusFor maps an error to its HTTP status and the message shown to the
// client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, warehouse.ErrWarehouseUnavailable):
		return http.StatusServiceUnavailable, "warehouse temporarily unavailable, please try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out, please try again"
	case errors.Is(err, warehouse.ErrTableNotFound),
		errors.Is(err, warehouse.ErrSchemaMismatch),
		errors.Is(err, normalize.ErrMissingColumn):
		return http.StatusInternalServerError, "dataset is misconfigured"
	case errors.Is(err, dataset.ErrUnknownDataset):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, ErrTooManyAttempts):
		return http.StatusTooManyRequests, "too many login attempts, please try again later"
	case errors.Is(err, reconcile.ErrUnknownRow),
		errors.Is(err, reconcile.ErrRowDeleted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, warehouse.ErrInvalidDateRange),
		errors.Is(err, filter.ErrInvalidRange),
		errors.Is(err, dataset.ErrUnknownColumn),
		errors.Is(err, reconcile.ErrNotEditable),
		errors.Is(err, upload.ErrUnsupportedFormat),
		errors.Is(err, upload.ErrInvalidHeader),
		errors.Is(err, upload.ErrEmptyUpload),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeError maps err to a response. Server errors are logged and reported
// to Sentry; the client only sees a generic message for them.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		s.log.Warn("api: dependency unavailable", "path", r.URL.Path, "status", status, "error", err)
	case status >= http.StatusInternalServerError:
		s.log.Error("api: request failed", "path", r.URL.Path, "status", status, "error", err)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
	default:
		s.log.Debug("api: request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
