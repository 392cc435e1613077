package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/proto"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

var (
	ErrWarehouseUnavailable = errors.New("warehouse unavailable")
	ErrTableNotFound        = errors.New("table not found")
	ErrSchemaMismatch       = errors.New("schema mismatch")
	ErrInvalidDateRange     = errors.New("invalid date range")
)

// ClickHouse server exception codes.
const (
	codeNoSuchColumnInTable   = 16
	codeNotFoundColumnInBlock = 10
	codeCannotParseText       = 6
	codeCannotParseInput      = 27
	codeCannotParseDate       = 38
	codeCannotParseDateTime   = 41
	codeUnknownIdentifier     = 47
	codeTypeMismatch          = 53
	codeUnknownTable          = 60
	codeCannotConvertType     = 70
	codeCannotParseNumber     = 72
	codeUnknownDatabase       = 81
	codeUnknownUser           = 192
	codeRequiredPassword      = 194
	codeAccessDenied          = 497
	codeAuthenticationFailed  = 516
)

var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"no such host",
	"dial tcp",
	"eof",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"i/o timeout",
	"read/write on closed",
	"acquire conn timeout",
	"clickhouse: connection is closed",
	"authentication failed",
}

// classify maps a driver error onto the package sentinels. Context errors
// and unrecognized errors are returned wrapped but otherwise untouched.
func classify(op string, ref dataset.TableRef, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrWarehouseUnavailable, ErrTableNotFound, ErrSchemaMismatch, ErrInvalidDateRange} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s %s: %w", op, ref, err)
	}

	var exc *proto.Exception
	if errors.As(err, &exc) {
		switch exc.Code {
		case codeUnknownTable, codeUnknownDatabase:
			return fmt.Errorf("%w: %s: %w", ErrTableNotFound, ref, err)
		case codeNoSuchColumnInTable, codeNotFoundColumnInBlock, codeUnknownIdentifier,
			codeTypeMismatch, codeCannotParseText, codeCannotParseInput, codeCannotParseDate,
			codeCannotParseDateTime, codeCannotConvertType, codeCannotParseNumber:
			return fmt.Errorf("%w: %s: %w", ErrSchemaMismatch, ref, err)
		case codeUnknownUser, codeRequiredPassword, codeAccessDenied, codeAuthenticationFailed:
			return fmt.Errorf("%w: %w", ErrWarehouseUnavailable, err)
		}
		return fmt.Errorf("failed to %s %s: %w", op, ref, err)
	}

	if isConnectivity(err) {
		return fmt.Errorf("%w: %w", ErrWarehouseUnavailable, err)
	}
	return fmt.Errorf("failed to %s %s: %w", op, ref, err)
}

func isConnectivity(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
