package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/filter"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/budget/pkg/session"
)

const (
	loadTimeout = 30 * time.Second
	viewEdit    = "editable"
)

var negInf, posInf = math.Inf(-1), math.Inf(1)

type DefinitionResponse struct {
	Key          string           `json:"key"`
	Title        string           `json:"title"`
	Columns      []dataset.Column `json:"columns"`
	FilterColumn string           `json:"filter_column,omitempty"`
	Editable     bool             `json:"editable"`
	Cache        string           `json:"cache"`
}

type RowResponse struct {
	ID     uuid.UUID      `json:"id"`
	Values map[string]any `json:"values"`
}

type BoundsResponse struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type DatasetResponse struct {
	Key        string                    `json:"key"`
	Title      string                    `json:"title"`
	Columns    []dataset.Column          `json:"columns"`
	Rows       []RowResponse             `json:"rows"`
	Total      int                       `json:"total"`
	MatchCount int                       `json:"match_count"`
	Bounds     map[string]BoundsResponse `json:"bounds"`
}

func definitionResponse(def *dataset.Definition) DefinitionResponse {
	return DefinitionResponse{
		Key:          def.Key,
		Title:        def.Title,
		Columns:      def.Columns,
		FilterColumn: def.FilterColumn,
		Editable:     def.Editable,
		Cache:        def.Cache.String(),
	}
}

// publicDefinition resolves key, hiding internal datasets.
func (s *Server) publicDefinition(key string) (*dataset.Definition, error) {
	def, err := s.cfg.Loader.Registry().Get(key)
	if err != nil {
		return nil, err
	}
	if def.Internal {
		return nil, fmt.Errorf("%w: %q", dataset.ErrUnknownDataset, key)
	}
	return def, nil
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	defs := s.cfg.Loader.Registry().All()
	out := make([]DefinitionResponse, 0, len(defs))
	for _, def := range defs {
		if def.Internal {
			continue
		}
		out = append(out, definitionResponse(def))
	}
	writeJSON(w, http.StatusOK, out)
}

// loadView loads the dataset behind key, restricted to the editable view
// when the request asks for it.
func (s *Server) loadView(ctx context.Context, r *http.Request) (*dataset.Definition, *dataset.Dataset, error) {
	def, err := s.publicDefinition(chi.URLParam(r, "key"))
	if err != nil {
		return nil, nil, err
	}
	editView := r.URL.Query().Get("view") == viewEdit
	if editView && !def.Editable {
		return nil, nil, fmt.Errorf("%w: %s", reconcile.ErrNotEditable, def.Key)
	}
	ds, err := s.cfg.Loader.Load(ctx, def.Key)
	if err != nil {
		return nil, nil, err
	}
	if editView {
		ds = reconcile.EditableView(ds, def)
	}
	return def, ds, nil
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), loadTimeout)
	defer cancel()

	def, ds, err := s.loadView(ctx, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	spec, filtered, err := filterSpec(def, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result := filter.Result{Dataset: ds, MatchCount: ds.Len()}
	if spec.Column != "" {
		result, err = filter.Apply(ds, spec)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	bounds := make(map[string]BoundsResponse)
	for _, c := range ds.Columns {
		if c.Type != dataset.TypeNumber {
			continue
		}
		lo, hi, err := filter.Bounds(ds, c.Name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		bounds[c.Name] = BoundsResponse{Min: lo, Max: hi}
	}

	if !filtered {
		sess, _ := session.FromContext(ctx)
		s.cfg.Audit.Record(ctx, sess, "viewed "+def.Title)
	}

	writeJSON(w, http.StatusOK, DatasetResponse{
		Key:        def.Key,
		Title:      def.Title,
		Columns:    ds.Columns,
		Rows:       rowsResponse(result.Dataset),
		Total:      ds.Len(),
		MatchCount: result.MatchCount,
		Bounds:     bounds,
	})
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), loadTimeout)
	defer cancel()

	_, ds, err := s.loadView(ctx, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lo, hi, err := filter.Bounds(ds, r.URL.Query().Get("column"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BoundsResponse{Min: lo, Max: hi})
}

// filterSpec builds the filter from query parameters. A search term without
// a column searches the dataset's default filter column. A range with one
// end missing is open on that side. filtered reports whether any filter
// parameter was present.
func filterSpec(def *dataset.Definition, q url.Values) (spec filter.Spec, filtered bool, err error) {
	column := q.Get("column")
	term := q.Get("q")
	minStr, maxStr := q.Get("min"), q.Get("max")
	filtered = column != "" || term != "" || minStr != "" || maxStr != ""

	if column == "" && term != "" {
		column = def.FilterColumn
	}
	if column == "" {
		if filtered {
			return spec, filtered, fmt.Errorf("%w: column is required", errBadRequest)
		}
		return spec, false, nil
	}
	spec.Column = column
	spec.Term = term

	if minStr != "" || maxStr != "" {
		rng := filter.Range{Lo: negInf, Hi: posInf}
		if minStr != "" {
			if rng.Lo, err = parseBound(minStr); err != nil {
				return spec, filtered, err
			}
		}
		if maxStr != "" {
			if rng.Hi, err = parseBound(maxStr); err != nil {
				return spec, filtered, err
			}
		}
		spec.Range = &rng
	}
	return spec, filtered, nil
}

func parseBound(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", filter.ErrInvalidRange, s)
	}
	return f, nil
}

// rowsResponse renders dates as calendar dates; other values keep their
// JSON types.
func rowsResponse(ds *dataset.Dataset) []RowResponse {
	dateCols := make([]string, 0)
	for _, c := range ds.Columns {
		if c.Type == dataset.TypeDate {
			dateCols = append(dateCols, c.Name)
		}
	}
	out := make([]RowResponse, len(ds.Rows))
	for i, r := range ds.Rows {
		values := r.Values
		if len(dateCols) > 0 {
			values = make(map[string]any, len(r.Values))
			for k, v := range r.Values {
				values[k] = v
			}
			for _, c := range dateCols {
				if t, ok := values[c].(time.Time); ok {
					values[c] = t.Format(dataset.DateLayout)
				}
			}
		}
		out[i] = RowResponse{ID: r.ID, Values: values}
	}
	return out
}
