package laketesting

import (
	"testing"

	"github.com/kkwann/midoproject2/warehouse/pkg/clickhouse"
	clickhousetesting "github.com/kkwann/midoproject2/warehouse/pkg/clickhouse/testing"
	"github.com/stretchr/testify/require"
)

// NewMigratedClient creates a client on a fresh database with every
// ClickHouse migration applied.
func NewMigratedClient(t *testing.T, db *clickhousetesting.DB) *clickhousetesting.TestClientInfo {
	info := clickhousetesting.NewTestClient(t, db)
	err := clickhouse.Up(t.Context(), NewLogger(), db.ClientConfig(info.Database))
	require.NoError(t, err)
	return info
}
