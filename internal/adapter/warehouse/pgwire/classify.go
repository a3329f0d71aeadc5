package pgwire

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// classify maps a driver failure onto the gateway's error taxonomy. Server
// failures carry a SQLSTATE; everything else is judged by its transport
// behavior.
func classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindUnknown
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyCode(pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return domain.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.KindTimeout
		}
		return domain.KindNetwork
	}
	return domain.KindUnknown
}

// classifyCode buckets SQLSTATE codes. Class 28 is authorization, class 08
// connection trouble, 57014 a cancelled or timed-out statement; statement
// classes (syntax, data, constraints) stay on the account that ran them.
func classifyCode(code string) domain.ErrorKind {
	switch {
	case strings.HasPrefix(code, "28"):
		return domain.KindAuth
	case strings.HasPrefix(code, "08"):
		return domain.KindNetwork
	case code == "57014":
		return domain.KindTimeout
	case strings.HasPrefix(code, "57P"):
		// Server shutdown or crash: the account is unreachable.
		return domain.KindNetwork
	case strings.HasPrefix(code, "53"):
		// Insufficient resources (connection slots, memory, disk).
		return domain.KindNetwork
	case strings.HasPrefix(code, "42"),
		strings.HasPrefix(code, "22"),
		strings.HasPrefix(code, "23"):
		return domain.KindQuery
	default:
		return domain.KindUnknown
	}
}
