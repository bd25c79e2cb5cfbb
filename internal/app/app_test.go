package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/stage"
	"github.com/conda-incubator/condastore/internal/worker"
)

const specJSON = `{"name":"web","channels":["conda-forge"],"dependencies":["python=3.11","flask"]}`

const specYAML = `
name: web
channels:
  - conda-forge
dependencies:
  - flask
  - python=3.11
`

type harness struct {
	app    *App
	worker *worker.Worker
	solves int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Parse([]byte("store:\n  root: " + filepath.Join(root, "store") + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	gdb, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(context.Background(), cfg, gdb, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.Migrate(); err != nil {
		t.Fatal(err)
	}

	h := &harness{app: a}
	a.Registry.Replace(stage.Solve, stage.PluginFunc(func(ctx context.Context, sc *stage.Context) ([]stage.Output, error) {
		atomic.AddInt32(&h.solves, 1)
		lock := "@EXPLICIT\nhttps://conda.example.invalid/flask-3.0.conda\n"
		return []stage.Output{{Type: models.ArtifactLockfile, Name: "conda-lock.yaml", Data: []byte(lock)}}, nil
	}))
	a.Registry.Replace(stage.Install, stage.PluginFunc(func(ctx context.Context, sc *stage.Context) ([]stage.Output, error) {
		if err := os.MkdirAll(filepath.Join(sc.Prefix, "conda-meta"), 0o755); err != nil {
			return nil, err
		}
		return []stage.Output{{Type: models.ArtifactDirectory, Path: sc.Prefix}}, nil
	}))

	h.worker, err = a.NewWorker("wrk-app", 1)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// drain runs worker steps until the queues are empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for range 20 {
		did, err := h.worker.Step(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !did {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) register(t *testing.T, ns, env, spec string) *models.Build {
	t.Helper()
	res, err := h.app.Register(RegisterRequest{Namespace: ns, Environment: env, Specification: []byte(spec)})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return res.Build
}

func (h *harness) read(t *testing.T, buildID uint, typ models.ArtifactType) string {
	t.Helper()
	rc, _, err := h.app.GetArtifact(context.Background(), buildID, typ)
	if err != nil {
		t.Fatalf("GetArtifact(%d, %s): %v", buildID, typ, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParseSpecification(t *testing.T) {
	fromJSON, err := ParseSpecification([]byte(specJSON))
	if err != nil {
		t.Fatal(err)
	}
	fromYAML, err := ParseSpecification([]byte(specYAML))
	if err != nil {
		t.Fatal(err)
	}
	if fromJSON.SHA256 != fromYAML.SHA256 {
		t.Errorf("JSON and YAML renderings fingerprint differently:\n%s\n%s", fromJSON.Canonical, fromYAML.Canonical)
	}

	for _, bad := range []string{"", "   ", "[1,2]", "name: [", `{"channels":["x"]}`, "- a\n- b\n"} {
		if _, err := ParseSpecification([]byte(bad)); !errors.Is(err, catalog.ErrValidation) {
			t.Errorf("ParseSpecification(%q) error = %v, want ErrValidation", bad, err)
		}
	}
}

func TestRegister_BuildsAndServesArtifacts(t *testing.T) {
	h := newHarness(t)
	b := h.register(t, "team", "web", specYAML)
	if b.Status != buildstate.Queued {
		t.Fatalf("status = %s", b.Status)
	}
	h.drain(t)

	got, err := h.app.GetBuild(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != buildstate.Completed {
		t.Fatalf("status = %s: %s", got.Status, got.StatusInfo)
	}
	if got.Environment.Name != "web" || got.Environment.Namespace.Name != "team" {
		t.Errorf("environment = %+v", got.Environment)
	}
	arts, err := h.app.Artifacts(b.ID)
	if err != nil || len(arts) == 0 {
		t.Fatalf("Artifacts = %v, %v", arts, err)
	}
	if yml := h.read(t, b.ID, models.ArtifactYAML); yml == "" {
		t.Error("empty YAML artifact")
	}
	if _, _, err := h.app.GetArtifact(context.Background(), b.ID, models.ArtifactDirectory); !errors.Is(err, catalog.ErrValidation) {
		t.Errorf("directory artifact error = %v", err)
	}
	if _, _, err := h.app.GetArtifact(context.Background(), b.ID, models.ArtifactCondaPack); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("missing artifact error = %v", err)
	}
	if _, err := h.app.Artifacts(9999); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Artifacts(unknown) = %v", err)
	}

	builds, err := h.app.ListBuilds(catalog.BuildFilter{Namespace: "team"})
	if err != nil || len(builds) != 1 {
		t.Errorf("ListBuilds = %d, %v", len(builds), err)
	}
}

// The LOCKFILE of one build, registered as a lockfile specification,
// builds the same packages without solving again.
func TestRegister_LockfileRoundTrip(t *testing.T) {
	h := newHarness(t)
	first := h.register(t, "team", "web", specJSON)
	h.drain(t)
	lock := h.read(t, first.ID, models.ArtifactLockfile)

	doc, _ := json.Marshal(map[string]interface{}{"name": "web-pinned", "lockfile": lock})
	second := h.register(t, "team", "web-pinned", string(doc))
	h.drain(t)

	got, _ := h.app.GetBuild(second.ID)
	if got.Status != buildstate.Completed {
		t.Fatalf("lockfile build = %s: %s", got.Status, got.StatusInfo)
	}
	if !got.Specification.IsLockfile {
		t.Error("specification not recognized as a lockfile")
	}
	if n := atomic.LoadInt32(&h.solves); n != 1 {
		t.Errorf("solve ran %d times, want 1", n)
	}
	if again := h.read(t, second.ID, models.ArtifactLockfile); again != lock {
		t.Errorf("lockfile changed across round trip:\n%q\n%q", lock, again)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	b := h.register(t, "team", "web", specJSON)

	got, err := h.app.Cancel(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != buildstate.Canceled {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := h.app.Cancel(b.ID); !errors.Is(err, catalog.ErrIllegalTransition) {
		t.Errorf("second cancel error = %v", err)
	}
	if _, err := h.app.Cancel(12345); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("unknown cancel error = %v", err)
	}
}

func TestArchive(t *testing.T) {
	h := newHarness(t)
	old := h.register(t, "team", "web", specJSON)
	h.drain(t)
	cur := h.register(t, "team", "web", `{"name":"web","dependencies":["python=3.12"]}`)
	h.drain(t)

	if _, err := h.app.Archive(context.Background(), cur.ID); !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("archive current error = %v, want ErrConflict", err)
	}
	got, err := h.app.Archive(context.Background(), old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchivedOn == nil || got.DeletedOn == nil {
		t.Errorf("archived build = %+v", got)
	}
	if _, _, err := h.app.GetArtifact(context.Background(), old.ID, models.ArtifactLockfile); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("lockfile after archive error = %v", err)
	}
	if logs := h.read(t, old.ID, models.ArtifactLogs); logs == "" {
		t.Error("logs lost on archive")
	}
	if ok, _ := h.app.Store.Prefixes.Exists(old.Hash); ok {
		t.Error("archived prefix kept")
	}
	if ok, _ := h.app.Store.Prefixes.Exists(cur.Hash); !ok {
		t.Error("current prefix removed")
	}

	// Archiving again is a no-op.
	if _, err := h.app.Archive(context.Background(), old.ID); err != nil {
		t.Errorf("second archive: %v", err)
	}
}

func TestSubmitSolve(t *testing.T) {
	h := newHarness(t)
	s, err := h.app.SubmitSolve([]byte(specYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.app.SubmitSolve([]byte("name: [")); !errors.Is(err, catalog.ErrValidation) {
		t.Errorf("bad solve error = %v", err)
	}
	h.drain(t)

	got, err := h.app.GetSolve(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedOn == nil || got.PackageBuilds == "" {
		t.Errorf("solve = %+v", got)
	}
}

func TestDeleteEnvironmentAndNamespace(t *testing.T) {
	h := newHarness(t)
	b := h.register(t, "team", "web", specJSON)

	if err := h.app.DeleteEnvironment("team", "web"); !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("delete with live build error = %v", err)
	}
	if _, err := h.app.Cancel(b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.app.Archive(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.app.SetNamespaceMetadata("team", map[string]interface{}{"owner": "data"}); err != nil {
		t.Fatal(err)
	}
	if err := h.app.DeleteNamespace("team"); !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("delete namespace with env error = %v", err)
	}
	if err := h.app.DeleteEnvironment("team", "web"); err != nil {
		t.Fatalf("DeleteEnvironment: %v", err)
	}
	if err := h.app.DeleteNamespace("team"); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}
	if err := h.app.DeleteEnvironment("team", "web"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("delete twice error = %v", err)
	}
}

func TestNew_RejectsUnknownPluginStage(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Parse([]byte("store:\n  root: " + root + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Plugins = map[string]config.PluginConfig{"publish": {Command: []string{"true"}}}
	gdb, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(gdb)
	if _, err := New(context.Background(), cfg, gdb, nil); err == nil {
		t.Error("expected error for a plugin on an unknown stage")
	}
}
