package clickhouse_test

import (
	"context"
	"flag"
	"os"
	"testing"

	clickhousetesting "github.com/kkwann/midoproject2/warehouse/pkg/clickhouse/testing"
	laketesting "github.com/kkwann/midoproject2/utils/pkg/testing"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	log := laketesting.NewLogger()
	var err error
	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
