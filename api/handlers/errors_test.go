package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/filter"
	"github.com/kkwann/midoproject2/budget/pkg/normalize"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/budget/pkg/session"
	"github.com/kkwann/midoproject2/budget/pkg/upload"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
	"github.com/stretchr/testify/require"
)

func TestAPI_Handlers_StatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("failed to fetch budget: %w", warehouse.ErrWarehouseUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{warehouse.ErrTableNotFound, http.StatusInternalServerError},
		{warehouse.ErrSchemaMismatch, http.StatusInternalServerError},
		{normalize.ErrMissingColumn, http.StatusInternalServerError},
		{dataset.ErrUnknownDataset, http.StatusNotFound},
		{session.ErrInvalidCredentials, http.StatusUnauthorized},
		{session.ErrNotAuthenticated, http.StatusUnauthorized},
		{ErrTooManyAttempts, http.StatusTooManyRequests},
		{reconcile.ErrUnknownRow, http.StatusConflict},
		{reconcile.ErrRowDeleted, http.StatusConflict},
		{warehouse.ErrInvalidDateRange, http.StatusBadRequest},
		{filter.ErrInvalidRange, http.StatusBadRequest},
		{dataset.ErrUnknownColumn, http.StatusBadRequest},
		{reconcile.ErrNotEditable, http.StatusBadRequest},
		{upload.ErrUnsupportedFormat, http.StatusBadRequest},
		{upload.ErrInvalidHeader, http.StatusBadRequest},
		{upload.ErrEmptyUpload, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, msg := statusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.NotEmpty(t, msg)
	}

	_, msg := statusFor(errors.New("secret connection string"))
	require.Equal(t, "internal server error", msg)
}

func TestAPI_Handlers_FilterSpec(t *testing.T) {
	t.Parallel()

	def := &dataset.Definition{Key: "budget", FilterColumn: "세부사업명"}

	t.Run("no parameters", func(t *testing.T) {
		t.Parallel()
		spec, filtered, err := filterSpec(def, url.Values{})
		require.NoError(t, err)
		require.False(t, filtered)
		require.Empty(t, spec.Column)
	})

	t.Run("term defaults to filter column", func(t *testing.T) {
		t.Parallel()
		spec, filtered, err := filterSpec(def, url.Values{"q": {"도로"}})
		require.NoError(t, err)
		require.True(t, filtered)
		require.Equal(t, "세부사업명", spec.Column)
		require.Equal(t, "도로", spec.Term)
		require.Nil(t, spec.Range)
	})

	t.Run("open-ended range", func(t *testing.T) {
		t.Parallel()
		spec, _, err := filterSpec(def, url.Values{"column": {"예산현액"}, "min": {"1,000"}})
		require.NoError(t, err)
		require.NotNil(t, spec.Range)
		require.Equal(t, 1000.0, spec.Range.Lo)
		require.Equal(t, posInf, spec.Range.Hi)

		spec, _, err = filterSpec(def, url.Values{"column": {"예산현액"}, "max": {"50"}})
		require.NoError(t, err)
		require.Equal(t, negInf, spec.Range.Lo)
		require.Equal(t, 50.0, spec.Range.Hi)
	})

	t.Run("invalid bound", func(t *testing.T) {
		t.Parallel()
		_, _, err := filterSpec(def, url.Values{"column": {"예산현액"}, "min": {"많이"}})
		require.ErrorIs(t, err, filter.ErrInvalidRange)
	})

	t.Run("range without column", func(t *testing.T) {
		t.Parallel()
		_, _, err := filterSpec(&dataset.Definition{Key: "x"}, url.Values{"min": {"1"}})
		require.ErrorIs(t, err, errBadRequest)
	})
}
