// Package drivers executes user SQL against pluggable database engines.
// A driver turns a connection profile into a DSN for a database/sql driver;
// everything above that is engine-agnostic.
package drivers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/querydeck/internal/catalog"
	"github.com/basket/querydeck/internal/otel"
)

// Driver adapts one database engine.
type Driver interface {
	// Name is the registry key, matching ConnectionProfile.Driver.
	Name() string
	// DSN builds the database/sql data source name from a profile.
	DSN(profile catalog.ConnectionProfile) (string, error)
	// DriverName is the database/sql driver to open the DSN with.
	DriverName() string
}

// Result holds a completed query's rows, fully materialized. Result sets are
// bounded by the row cap, so buffering them is fine for a local companion.
type Result struct {
	Columns  []string      `json:"columns"`
	Rows     [][]any       `json:"rows"`
	RowCount int64         `json:"row_count"`
	Duration time.Duration `json:"-"`
}

// Registry holds the available drivers by name.
type Registry struct {
	drivers map[string]Driver

	// MaxRows caps how many rows a single query may return; defaults to 10000.
	MaxRows int

	// Tracer, when set, wraps each execution in a client span for the
	// target database call.
	Tracer trace.Tracer
}

func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]Driver), MaxRows: 10000}
	r.Register(sqliteDriver{})
	r.Register(postgresDriver{})
	return r
}

func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

func (r *Registry) Lookup(name string) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return d, nil
}

// Ping opens a connection for the profile and verifies it is reachable.
func (r *Registry) Ping(ctx context.Context, profile catalog.ConnectionProfile) error {
	db, err := r.open(profile)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", profile.Driver, err)
	}
	return nil
}

// Execute runs one parameterized statement against the profile's engine and
// materializes the result set up to the row cap.
func (r *Registry) Execute(ctx context.Context, profile catalog.ConnectionProfile, query string, args ...any) (*Result, error) {
	db, err := r.open(profile)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if r.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, r.Tracer, "driver.execute",
			otel.AttrDriver.String(profile.Driver),
		)
		defer span.End()
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	maxRows := r.MaxRows
	if maxRows <= 0 {
		maxRows = 10000
	}
	result := &Result{Columns: columns}
	for rows.Next() {
		if result.RowCount >= int64(maxRows) {
			return nil, fmt.Errorf("result exceeds %d row cap", maxRows)
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		for i, v := range values {
			// Raw bytes are opaque over JSON; surface them as strings.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result rows: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (r *Registry) open(profile catalog.ConnectionProfile) (*sql.DB, error) {
	driver, err := r.Lookup(profile.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := driver.DSN(profile)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", profile.Driver, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	return db, nil
}
