package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

// Options selects the workspace and, optionally, a registry file that
// overrides whatever the workspace holds.
type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *zap.Logger
}

// Runtime holds the open database and the engine built on it.
type Runtime struct {
	DB     *sql.DB
	Engine engine.Engine
	Config *config.Config
	// Source names where the registry came from: "db", "file" or "default".
	Source string
}

// Open prepares the workspace, applies migrations and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, source, err := ResolveConfig(ctx, repo.Repo{DB: conn}, opts.Workspace, opts.ConfigPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("registry resolved", zap.String("source", source), zap.String("campaign", cfg.Campaign.ID))
	return &Runtime{
		DB:     conn,
		Engine: engine.New(conn, cfg, logger),
		Config: cfg,
		Source: source,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// ResolveConfig prefers an explicit file, then the registry stored by the last
// campaign start or import, then stagegate.yml in the workspace, then the
// built-in legislative registry.
func ResolveConfig(ctx context.Context, r repo.Repo, workspace, configPath string) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, "file", nil
	}
	data, err := r.GetRegistry(ctx, nil)
	switch {
	case err == nil:
		cfg, err := config.FromYAML(data)
		if err != nil {
			return nil, "", fmt.Errorf("stored registry: %w", err)
		}
		return cfg, "db", nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, "", err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", err
	}
	if cfg != nil {
		return cfg, "file", nil
	}
	return config.Default(defaultCampaignID(workspace)), "default", nil
}

func defaultCampaignID(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "campaign"
	}
	name := filepath.Base(abs)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "campaign"
	}
	return name
}
