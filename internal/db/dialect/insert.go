package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertReturningID runs an INSERT and reports the generated row id. Postgres
// has no LastInsertId, so the statement gets a RETURNING clause there; SQLite
// reads the id off the exec result.
func InsertReturningID(ctx context.Context, conn *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(conn.DriverName()) {
		var id int64
		if err := conn.QueryRowContext(ctx, conn.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	res, err := conn.ExecContext(ctx, conn.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
