// Package migrate applies the embedded SQL migrations for the Postgres session store.
package migrate

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/atelier/migrations"
)

// Up runs all pending migrations from the embedded filesystem and reports how many
// were pending beforehand.
func Up(ctx context.Context, dsn string) (int, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	n, err := Pending(ctx, db)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, UpDB(ctx, db)
}

// UpDB runs the migrations on an already opened database.
func UpDB(ctx context.Context, db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Pending reports how many embedded migrations have not been applied yet.
func Pending(ctx context.Context, db *sql.DB) (int, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, err
	}
	return newerThan(current)
}

func setup() error {
	goose.SetBaseFS(migrations.FS)
	return goose.SetDialect("postgres")
}

// newerThan counts embedded migrations with a version above current.
func newerThan(current int64) (int, error) {
	all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range all {
		if m.Version > current {
			n++
		}
	}
	return n, nil
}
