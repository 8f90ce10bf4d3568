package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

// SQLStore implements Repository on database/sql. Queries are written with
// "?" placeholders and rebound for drivers that number their parameters.
type SQLStore struct {
	conn   *sql.DB
	driver string
	now    func() time.Time
	newId  func() string
}

// NewSQLStore opens and pings a database using the given driver.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverPostgres, DriverSqlite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSqlite {
		// one connection so that in-memory databases are shared and writers
		// never contend for the file lock
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &SQLStore{
		conn:   db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
		newId:  uuid.NewString,
	}, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
