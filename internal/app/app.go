// Package app wires the catalog, artifact store, stage plugins, builder,
// worker and reaper together from configuration, and exposes the inbound
// operations the HTTP adapter and CLI call.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/conda-incubator/condastore/internal/artifact"
	"github.com/conda-incubator/condastore/internal/builder"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/pkgcache"
	"github.com/conda-incubator/condastore/internal/reaper"
	"github.com/conda-incubator/condastore/internal/stage"
	"github.com/conda-incubator/condastore/internal/worker"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// App holds every long-lived component of a deployment.
type App struct {
	DB       *gorm.DB
	Config   *config.Config
	Store    *artifact.Store
	Locks    *filelock.Locker
	Pkgs     *pkgcache.Cache
	Registry *stage.Registry
	Runner   *stage.Runner
	Builder  *builder.Builder
	Reaper   *reaper.Reaper
	Logger   *slog.Logger
}

// Open connects to the configured catalog and builds an App on it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a, err := New(ctx, cfg, gdb, logger)
	if err != nil {
		db.Close(gdb)
		return nil, err
	}
	return a, nil
}

// New builds an App on an existing catalog connection.
func New(ctx context.Context, cfg *config.Config, gdb *gorm.DB, logger *slog.Logger) (*App, error) {
	if cfg == nil || gdb == nil {
		return nil, fmt.Errorf("app: config and db are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, err := artifact.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	locks := filelock.New(cfg.Store.LockDir)
	pkgs := pkgcache.New(cfg.Store.PkgsDir, locks)

	graph := stage.DefaultGraph()
	registry, err := stage.NewRegistryFromConfig(graph, cfg.Plugins)
	if err != nil {
		return nil, err
	}
	scratch := filepath.Join(cfg.Store.Root, ".scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("app: create scratch dir: %w", err)
	}
	runner, err := stage.NewRunner(registry, graph, scratch, logger)
	if err != nil {
		return nil, err
	}
	b, err := builder.New(builder.Options{
		DB:      gdb,
		Store:   store,
		Locks:   locks,
		Pkgs:    pkgs,
		Runner:  runner,
		Logger:  logger,
		Scratch: scratch,
	})
	if err != nil {
		return nil, err
	}
	r, err := reaper.New(reaper.Options{
		DB:     gdb,
		Store:  store,
		Locks:  locks,
		Config: cfg.Reaper,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		DB:       gdb,
		Config:   cfg,
		Store:    store,
		Locks:    locks,
		Pkgs:     pkgs,
		Registry: registry,
		Runner:   runner,
		Builder:  b,
		Reaper:   r,
		Logger:   logger,
	}, nil
}

// Close releases the catalog connection.
func (a *App) Close() error {
	return db.Close(a.DB)
}

// Migrate brings the schema up to date and seeds runtime settings.
func (a *App) Migrate() error {
	if err := db.AutoMigrate(a.DB); err != nil {
		return err
	}
	return db.SeedSettings(a.DB, a.Config)
}

// NewWorker returns a scheduler worker sharing this App's components.
// An empty id generates one; concurrency <= 0 uses the configured value.
func (a *App) NewWorker(id string, concurrency int) (*worker.Worker, error) {
	return worker.New(worker.Options{
		DB:          a.DB,
		Config:      a.Config,
		Store:       a.Store,
		Locks:       a.Locks,
		Builder:     a.Builder,
		Registry:    a.Registry,
		ID:          id,
		Concurrency: concurrency,
		Logger:      a.Logger,
	})
}

// ParseSpecification accepts a JSON or YAML specification document.
func ParseSpecification(raw []byte) (*fingerprint.Spec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty specification", catalog.ErrValidation)
	}
	if raw[0] == '{' {
		spec, err := fingerprint.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", catalog.ErrValidation, err)
		}
		return spec, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: specification is neither JSON nor YAML: %v", catalog.ErrValidation, err)
	}
	spec, err := fingerprint.ParseValue(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", catalog.ErrValidation, err)
	}
	return spec, nil
}

// RegisterRequest asks for a new build of an environment.
type RegisterRequest struct {
	Namespace     string
	Environment   string
	Description   string
	Specification []byte
}

// Register fingerprints the specification, stores it once and queues a
// build of it for the environment, superseding any build in flight there.
func (a *App) Register(req RegisterRequest) (*catalog.RegisterResult, error) {
	parsed, err := ParseSpecification(req.Specification)
	if err != nil {
		return nil, err
	}
	spec, _, err := catalog.FindOrCreateSpecification(a.DB, parsed)
	if err != nil {
		return nil, err
	}
	res, err := catalog.RegisterBuild(a.DB, catalog.RegisterOpts{
		Namespace:       req.Namespace,
		Environment:     req.Environment,
		Description:     req.Description,
		SpecificationID: spec.ID,
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info("build registered", "build_id", res.Build.ID, "namespace", req.Namespace,
		"environment", req.Environment, "hash", res.Build.Hash, "superseded", res.Superseded)
	return res, nil
}

// Cancel cancels a queued build or flags a running one.
func (a *App) Cancel(buildID uint) (*models.Build, error) {
	b, err := catalog.RequestCancel(a.DB, buildID)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("build cancel requested", "build_id", buildID, "status", b.Status)
	return b, nil
}

// Archive marks a terminal build archived and releases everything but its
// logs.
func (a *App) Archive(ctx context.Context, buildID uint) (*models.Build, error) {
	b, err := catalog.ArchiveBuild(a.DB, buildID)
	if err != nil {
		return nil, err
	}
	if b.DeletedOn == nil {
		rep, err := a.Reaper.Reclaim(ctx, b)
		if err != nil {
			return nil, err
		}
		a.Logger.Info("build archived", "build_id", buildID, "blobs_deleted", rep.BlobsDeleted,
			"prefix_removed", rep.PrefixesRemoved > 0, "deferred", rep.Deferred > 0)
	}
	return catalog.GetBuild(a.DB, buildID)
}

// GetBuild returns a build with its environment and specification.
func (a *App) GetBuild(buildID uint) (*models.Build, error) {
	return catalog.GetBuild(a.DB, buildID)
}

// ListBuilds returns builds matching filter, newest first.
func (a *App) ListBuilds(filter catalog.BuildFilter) ([]models.Build, error) {
	return catalog.ListBuilds(a.DB, filter)
}

// Artifacts lists a build's artifacts.
func (a *App) Artifacts(buildID uint) ([]models.BuildArtifact, error) {
	if _, err := catalog.GetBuild(a.DB, buildID); err != nil {
		return nil, err
	}
	return catalog.ListArtifacts(a.DB, buildID)
}

// GetArtifact opens a build's artifact of the given type for streaming.
// DIRECTORY artifacts live on the shared filesystem and cannot be streamed.
func (a *App) GetArtifact(ctx context.Context, buildID uint, typ models.ArtifactType) (io.ReadCloser, *models.BuildArtifact, error) {
	if typ == models.ArtifactDirectory {
		return nil, nil, fmt.Errorf("%w: %s artifacts are not streamable", catalog.ErrValidation, typ)
	}
	art, err := catalog.GetArtifact(a.DB, buildID, typ)
	if err != nil {
		return nil, nil, err
	}
	rc, err := a.Store.Blobs.Open(ctx, art.Key)
	if errors.Is(err, artifact.ErrBlobNotFound) {
		return nil, nil, fmt.Errorf("%w: blob %s", catalog.ErrNotFound, art.Key)
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, art, nil
}

// SubmitSolve queues a lock-only solve of a specification.
func (a *App) SubmitSolve(raw []byte) (*models.Solve, error) {
	parsed, err := ParseSpecification(raw)
	if err != nil {
		return nil, err
	}
	spec, _, err := catalog.FindOrCreateSpecification(a.DB, parsed)
	if err != nil {
		return nil, err
	}
	s, err := catalog.CreateSolve(a.DB, spec.ID)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("solve submitted", "solve_id", s.ID, "sha256", spec.SHA256)
	return s, nil
}

// GetSolve returns a solve and its result, if finished.
func (a *App) GetSolve(id uint) (*models.Solve, error) {
	return catalog.GetSolve(a.DB, id)
}

// DeleteEnvironment removes an environment whose builds are all archived,
// along with its symlink.
func (a *App) DeleteEnvironment(namespace, name string) error {
	env, err := catalog.GetEnvironment(a.DB, namespace, name)
	if err != nil {
		return err
	}
	if err := catalog.DeleteEnvironment(a.DB, env.ID); err != nil {
		return err
	}
	if err := a.Store.Prefixes.Unlink(namespace, name); err != nil {
		a.Logger.Warn("remove environment link", "namespace", namespace, "environment", name, "error", err)
	}
	a.Logger.Info("environment deleted", "namespace", namespace, "environment", name)
	return nil
}

// DeleteNamespace removes a namespace with no environments left.
func (a *App) DeleteNamespace(name string) error {
	if err := catalog.DeleteNamespace(a.DB, name); err != nil {
		return err
	}
	a.Logger.Info("namespace deleted", "namespace", name)
	return nil
}

// SetNamespaceMetadata replaces a namespace's metadata document.
func (a *App) SetNamespaceMetadata(name string, metadata map[string]interface{}) error {
	return catalog.SetNamespaceMetadata(a.DB, name, metadata)
}
