package dbpool

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// sqliteConn adapts database/sql over modernc.org/sqlite to the Conn and
// TxBeginner interfaces. This is the one concrete Opener this repo ships;
// spec.md §1 treats the DB client as an external collaborator, so any
// driver/DSN scheme can be substituted by passing a different Opener to
// New.
type sqliteConn struct {
	db *sql.DB
}

// SQLiteOpener opens file:, memory, and DSN-style sqlite URLs through
// database/sql, the same driver-registration pattern the teacher's
// storage layer uses for its embedded database.
func SQLiteOpener(ctx context.Context, url string) (Conn, error) {
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, fmt.Errorf("dbpool: sqlite open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbpool: sqlite ping: %w", err)
	}
	return &sqliteConn{db: db}, nil
}

func (c *sqliteConn) Close() error { return c.db.Close() }

func (c *sqliteConn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqliteConn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BeginTx satisfies TxBeginner, letting the dbpool tool wire
// db.begin/db.commit/db.rollback against real sqlite transactions.
func (c *sqliteConn) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
