package repo

import (
	"context"
	"fmt"
)

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config — параметры подключения к хранилищу.
type Config struct {
	// Driver — postgres, sqlite или memory.
	Driver string `mapstructure:"driver"`

	// DSN — строка подключения PostgreSQL или путь к файлу SQLite.
	DSN string `mapstructure:"dsn"`

	// MaxConns — размер пула PostgreSQL.
	MaxConns int32 `mapstructure:"max_conns"`
}

// Open открывает хранилище, применяет миграции и возвращает функцию закрытия.
func Open(ctx context.Context, cfg Config, opts ...Option) (ProjectStore, func(), error) {
	switch cfg.Driver {
	case DriverPostgres:
		pool, err := NewPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return NewProjectRepo(pool, opts...), pool.Close, nil

	case DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = "scribe.db"
		}
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLiteProjectRepo(db, opts...), func() { _ = db.Close() }, nil

	case DriverMemory, "":
		return NewMemProjectRepo(opts...), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidArgument, cfg.Driver)
	}
}
