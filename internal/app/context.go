// Package app opens a workspace: config, ledger store and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"mdcn/internal/config"
	"mdcn/internal/db"
	"mdcn/internal/engine"
	"mdcn/internal/migrate"
	"mdcn/internal/repo"
)

// Workspace is an opened workspace. Close releases the store.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Open loads mdcn.yml (defaults when absent), opens and migrates the ledger
// store, and wires the engine.
func Open(ctx context.Context, dir string, log zerolog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, dir, cfg, log)
}

// OpenWith is Open with an explicit config.
func OpenWith(ctx context.Context, dir string, cfg *config.Config, log zerolog.Logger) (*Workspace, error) {
	dbCfg := db.Config{Workspace: dir}
	if cfg.Ledger.Path != "" {
		p := cfg.Ledger.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		dbCfg.Path = p
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	log.Debug().Str("path", db.Path(dbCfg)).Msg("ledger opened")
	return &Workspace{
		Dir:    dir,
		Config: cfg,
		DB:     conn,
		Engine: engine.New(repo.New(conn), cfg, log),
	}, nil
}

// Seed applies the config's seed roles.
func (w *Workspace) Seed(ctx context.Context) (int, error) {
	seeds, err := w.Config.Seeds()
	if err != nil {
		return 0, err
	}
	if len(seeds) == 0 {
		return 0, nil
	}
	applied, err := w.Engine.Seed(ctx, "", seeds)
	return len(applied), err
}
