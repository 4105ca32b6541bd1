package migrate

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// OpenPostgres opens a single-connection lib/pq pool for goose, separate
// from the application's pgx pool.
func OpenPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	sqlDB := sql.OpenDB(connector)
	sqlDB.SetMaxOpenConns(1)
	return sqlDB, nil
}
