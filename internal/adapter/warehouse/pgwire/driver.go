// Package pgwire implements the warehouse driver port over the PostgreSQL
// wire protocol. Each Connect returns one dedicated connection; pooling,
// health sweeps, and failover all live above this layer.
package pgwire

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"

	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/pkg/querytag"
)

// Driver implements domain.Driver.
type Driver struct {
	// AppName is reported to the server as application_name.
	AppName string
	// ConnectTimeout bounds each dial. Zero leaves the dial to the
	// caller's context.
	ConnectTimeout time.Duration
}

// New returns a driver that dials with the given application_name and
// per-dial timeout.
func New(appName string, connectTimeout time.Duration) *Driver {
	return &Driver{AppName: appName, ConnectTimeout: connectTimeout}
}

// Connect implements domain.Driver. Dial failures carry the classified
// kind so an exhausted connection slot or a bad password feeds the
// account's breaker the same way an execute failure would.
func (d *Driver) Connect(ctx context.Context, account domain.Account) (domain.Session, error) {
	cfg, err := pgx.ParseConfig(connString(account, d.AppName))
	if err != nil {
		return nil, domain.NewQueryError(domain.KindUnknown,
			fmt.Errorf("op=pgwire.Connect parse config for %s: %w", account.Username, err))
	}
	if d.ConnectTimeout > 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	cfg.Tracer = otelpgx.NewTracer()

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, domain.NewQueryError(classify(err),
			fmt.Errorf("op=pgwire.Connect %s@%s:%d: %w", account.Username, account.Host, account.Port, err))
	}
	return &session{conn: conn, username: account.Username}, nil
}

// connString renders the account as a URL conninfo string so client
// parameters in account.Params (sslmode, search_path, ...) pass through
// ParseConfig untouched.
func connString(account domain.Account, appName string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(account.Username, account.Password),
		Host:   net.JoinHostPort(account.Host, strconv.Itoa(account.Port)),
		Path:   "/" + account.Database,
	}
	q := url.Values{}
	if appName != "" {
		q.Set("application_name", appName)
	}
	for k, v := range account.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type session struct {
	conn     *pgx.Conn
	username string
}

// Execute runs one statement and materializes the full result set. The
// correlation tag rides as a leading comment so it lands in the server's
// query history.
func (s *session) Execute(ctx context.Context, sqlText string, params []any, opts domain.ExecOptions) (domain.QueryResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if querytag.IsValid(opts.Tag) {
		sqlText = "/* " + opts.Tag + " */ " + sqlText
	}

	rows, err := s.conn.Query(ctx, sqlText, params...)
	if err != nil {
		return domain.QueryResult{}, domain.NewQueryError(classify(err),
			fmt.Errorf("op=pgwire.Execute account=%s: %w", s.username, err))
	}
	return collect(rows, opts.MaxResultBytes)
}

// collect drains rows into keyed maps, enforcing the byte cap as it goes.
// An oversized result is a statement problem, not an account problem, so
// it classifies as a query error.
func collect(rows pgx.Rows, maxBytes int64) (domain.QueryResult, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	var overhead int64
	for i, fd := range fields {
		names[i] = fd.Name
		overhead += int64(len(fd.Name))
	}

	var (
		out  []domain.Row
		size int64
	)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return domain.QueryResult{}, domain.NewQueryError(classify(err),
				fmt.Errorf("op=pgwire.Execute read row %d: %w", len(out), err))
		}
		row := make(domain.Row, len(names))
		for i, name := range names {
			row[name] = vals[i]
			size += approxSize(vals[i])
		}
		size += overhead
		out = append(out, row)
		if maxBytes > 0 && size > maxBytes {
			return domain.QueryResult{}, domain.NewQueryError(domain.KindQuery,
				fmt.Errorf("op=pgwire.Execute: result exceeds %d bytes after %d rows", maxBytes, len(out)))
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueryResult{}, domain.NewQueryError(classify(err),
			fmt.Errorf("op=pgwire.Execute: %w", err))
	}
	return domain.QueryResult{Rows: out, RowCount: len(out)}, nil
}

// approxSize estimates the in-memory weight of one column value for the
// byte cap. Exactness is not the point; stopping runaway result sets is.
func approxSize(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case bool:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	default:
		return 8
	}
}

func (s *session) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return domain.NewQueryError(classify(err),
			fmt.Errorf("op=pgwire.Ping account=%s: %w", s.username, err))
	}
	return nil
}

func (s *session) IsUp() bool { return !s.conn.IsClosed() }

func (s *session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

var _ domain.Driver = (*Driver)(nil)
var _ domain.Session = (*session)(nil)
