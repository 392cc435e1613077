package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kkwann/midoproject2/api/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/normalize"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/budget/pkg/session"
	"github.com/kkwann/midoproject2/budget/pkg/upload"
)

const (
	writeRequestTimeout = 60 * time.Second
	uploadFormField     = "file"
)

// EditRowsRequest is the body of PUT /api/datasets/{key}/rows.
type EditRowsRequest struct {
	Rows []reconcile.Edit `json:"rows"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), writeRequestTimeout)
	defer cancel()

	def, err := s.publicDefinition(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)})
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: invalid multipart form: %v", errBadRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: missing %q form field", errBadRequest, uploadFormField))
		return
	}
	defer file.Close()

	parsed, err := upload.Parse(header.Filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordUpload(strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), "."), header.Size)

	sess, _ := session.FromContext(ctx)
	ds, err := s.cfg.Reconcile.UploadReplace(ctx, sess, def.Key, parsed)
	if errors.Is(err, normalize.ErrMissingColumn) {
		// Missing upload columns are a client error.
		s.writeError(w, r, fmt.Errorf("%w: %s", upload.ErrInvalidHeader, err.Error()))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editableResponse(def, ds))
}

func (s *Server) handleEditRows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), writeRequestTimeout)
	defer cancel()

	def, err := s.publicDefinition(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req EditRowsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid edit body", errBadRequest))
		return
	}

	sess, _ := session.FromContext(ctx)
	ds, err := s.cfg.Reconcile.MergeEdits(ctx, sess, def.Key, req.Rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editableResponse(def, ds))
}

// editableResponse renders the rows a user can still edit after a write.
func editableResponse(def *dataset.Definition, ds *dataset.Dataset) DatasetResponse {
	view := reconcile.EditableView(ds, def)
	return DatasetResponse{
		Key:        def.Key,
		Title:      def.Title,
		Columns:    view.Columns,
		Rows:       rowsResponse(view),
		Total:      view.Len(),
		MatchCount: view.Len(),
		Bounds:     map[string]BoundsResponse{},
	}
}
