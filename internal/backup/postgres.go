package backup

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const listTablesQuery = `
SELECT table_schema::text, table_name::text
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name`

// table identifies a PostgreSQL base table
type table struct {
	Schema string
	Name   string
}

// postgresProducer dumps PostgreSQL tables as CSV files
type postgresProducer struct {
	config      *pgxpool.Config
	concurrency int
}

func newPostgresProducer(uri string, o *options) (*postgresProducer, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL connection string: %w", err)
	}
	if cfg.ConnConfig.Database == "" {
		return nil, fmt.Errorf("PostgreSQL connection string must name a database")
	}

	// #nosec G115 -- concurrency is a small positive flag value
	cfg.MaxConns = int32(o.concurrency)

	return &postgresProducer{
		config:      cfg,
		concurrency: o.concurrency,
	}, nil
}

// Engine returns the database engine this producer dumps
func (*postgresProducer) Engine() string {
	return EnginePostgres
}

// Backup dumps every base table of the database named in the connection string
func (p *postgresProducer) Backup(ctx context.Context, dir string) (*Result, error) {
	pool, err := pgxpool.NewWithConfig(ctx, p.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	tables, err := listTables(ctx, pool)
	if err != nil {
		return nil, err
	}

	dbName := p.config.ConnConfig.Database
	dbDir := filepath.Join(dir, safeFileName(dbName))
	slog.Debug("Dumping PostgreSQL database", "database", dbName, "tables", len(tables))

	result := &Result{Engine: EnginePostgres, Databases: []string{dbName}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, t := range tables {
		schemaDir := filepath.Join(dbDir, safeFileName(t.Schema))
		if err := os.MkdirAll(schemaDir, 0750); err != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("failed to create directory for schema %s: %w", t.Schema, err)
		}

		path := filepath.Join(schemaDir, safeFileName(t.Name)+".csv")
		g.Go(func() error {
			rows, err := copyTable(gctx, pool, t, path)
			if err != nil {
				return fmt.Errorf("failed to dump table %s.%s: %w", t.Schema, t.Name, err)
			}
			mu.Lock()
			result.Collections++
			result.Records += rows
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// listTables returns every user table in schema/name order
func listTables(ctx context.Context, pool *pgxpool.Pool) ([]table, error) {
	rows, err := pool.Query(ctx, listTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	tables, err := pgx.CollectRows(rows, pgx.RowToStructByPos[table])
	if err != nil {
		return nil, fmt.Errorf("failed to read table list: %w", err)
	}
	return tables, nil
}

// copyTable streams a table to path using COPY TO STDOUT
func copyTable(ctx context.Context, pool *pgxpool.Pool, t table, path string) (int64, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	// #nosec G304 -- path is built from the configured target directory and sanitized names
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	tag, err := conn.Conn().PgConn().CopyTo(ctx, w, copyStatement(t))
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// copyStatement builds the COPY statement for a table with safely quoted identifiers
func copyStatement(t table) string {
	return fmt.Sprintf("COPY %s TO STDOUT WITH (FORMAT csv, HEADER true)",
		pgx.Identifier{t.Schema, t.Name}.Sanitize())
}
