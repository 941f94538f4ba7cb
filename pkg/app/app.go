// Package app wires configuration, storage, the oracle and the coordinator
// together for the server, the serverless entry point and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/arnavshah/rota-api-go/pkg/auth"
	"github.com/arnavshah/rota-api-go/pkg/config"
	"github.com/arnavshah/rota-api-go/pkg/coordinator"
	"github.com/arnavshah/rota-api-go/pkg/database"
	"github.com/arnavshah/rota-api-go/pkg/handlers"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
	"github.com/arnavshah/rota-api-go/pkg/store"
)

// App holds the long-lived components of one process
type App struct {
	Config config.Config
	Logger *slog.Logger
	DB     *gorm.DB
	Store  *store.FileStore
	Ledger *ledger.Ledger
	Roster *database.Roster
	Runs   *database.RunLog
	Coord  *coordinator.Coordinator
}

// New opens the database and the ledger file and builds the coordinator.
// A missing ledger file starts a new lineage that is written on first commit.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := database.Open(cfg.DatabaseURL, cfg.DataPath)
	if err != nil {
		return nil, err
	}

	fs, err := store.NewFileStore(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	state, fresh, err := fs.LoadOrInit()
	if err != nil {
		return nil, err
	}
	if fresh {
		logger.Info("no ledger found, starting a new lineage", "path", fs.Path(), "seed_anchor", state.SeedAnchor)
	}

	o, err := NewOracle(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Store:  fs,
		Ledger: ledger.New(state),
		Roster: &database.Roster{DB: db},
		Runs:   &database.RunLog{DB: db},
	}
	a.Coord, err = coordinator.New(coordinator.Options{
		Ledger:   a.Ledger,
		Store:    fs,
		Roster:   a.Roster,
		Rota:     config.FileRota(cfg.RotaFile),
		Oracle:   o,
		Recorder: a.Runs,
		Timeout:  cfg.RunTimeout,
		Grace:    cfg.TeardownGrace,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewOracle selects the oracle backend named by ORACLE_MODE
func NewOracle(ctx context.Context, cfg config.Config) (oracle.Oracle, error) {
	switch cfg.OracleMode {
	case "chat":
		return oracle.NewChat(ctx, oracle.ChatConfig{
			APIKey:  cfg.OpenAIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
	case "command":
		if cfg.OracleCommand == "" {
			return nil, errors.New("ORACLE_MODE=command requires ORACLE_COMMAND")
		}
		return &oracle.Command{Path: cfg.OracleCommand, Args: cfg.OracleArgs, Grace: cfg.TeardownGrace}, nil
	case "none":
		return oracle.Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", cfg.OracleMode)
	}
}

// Handler builds the HTTP handler set. The first admin account is created
// from ADMIN_USERNAME/ADMIN_PASSWORD when none exists.
func (a *App) Handler() (*handlers.Handler, error) {
	au, err := auth.New(a.Config.JWTSecret, a.Config.APIMasterSecret)
	if err != nil {
		return nil, err
	}
	if a.Config.BcryptCost > 0 {
		au.Cost = a.Config.BcryptCost
	}
	created, err := au.EnsureAdminExists(a.DB, a.Config.AdminUsername, a.Config.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("ensuring admin: %w", err)
	}
	if created {
		a.Logger.Info("default admin user created", "username", a.Config.AdminUsername)
	}
	return &handlers.Handler{
		DB:            a.DB,
		Auth:          au,
		Coord:         a.Coord,
		Roster:        a.Roster,
		Runs:          a.Runs,
		Logger:        a.Logger,
		WatchDebounce: a.Config.WatchDebounce,
	}, nil
}

// Router builds the gin engine
func (a *App) Router() (*gin.Engine, error) {
	if a.Config.GinMode == "" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(a.Config.GinMode)
	}
	h, err := a.Handler()
	if err != nil {
		return nil, err
	}
	return handlers.NewRouter(h), nil
}

// Close stops new runs, tears down helper processes and closes the database
func (a *App) Close() error {
	a.Coord.Shutdown()
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
