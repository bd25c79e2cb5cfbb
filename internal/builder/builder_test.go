package builder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conda-incubator/condastore/internal/artifact"
	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/conda-incubator/condastore/internal/filelock"
	"github.com/conda-incubator/condastore/internal/fingerprint"
	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/stage"
	"gorm.io/gorm"
)

const specX = `{"name":"x","channels":["conda-forge"],"dependencies":["python=3.11"]}`

type harness struct {
	db      *gorm.DB
	store   *artifact.Store
	locks   *filelock.Locker
	reg     *stage.Registry
	builder *Builder
	root    string

	solves int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	gormDB, err := db.OpenSQLite(filepath.Join(root, "catalog.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close(gormDB) })

	blobs, err := artifact.NewLocalBlobStore(filepath.Join(root, ".blobs"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		db:    gormDB,
		store: &artifact.Store{Prefixes: artifact.NewPrefixStore(filepath.Join(root, "store")), Blobs: blobs},
		locks: filelock.New(filepath.Join(root, ".locks")),
		reg:   stage.NewRegistry(),
		root:  root,
	}
	h.reg.Replace(stage.Solve, stage.PluginFunc(func(ctx context.Context, sc *stage.Context) ([]stage.Output, error) {
		atomic.AddInt32(&h.solves, 1)
		p := filepath.Join(sc.WorkDir, "conda-lock.yaml")
		if err := os.WriteFile(p, sc.Build.Spec, 0o644); err != nil {
			return nil, err
		}
		return []stage.Output{{Type: models.ArtifactLockfile, Path: p}}, nil
	}))
	h.reg.Replace(stage.Install, installPlugin(0, nil))
	h.reg.Replace(stage.Permissions, stage.PermissionsPlugin{})
	h.reg.Replace(stage.ExportYAML, stage.ExportYAMLPlugin{})
	h.reg.Replace(stage.PackArchive, stage.PluginFunc(func(ctx context.Context, sc *stage.Context) ([]stage.Output, error) {
		return []stage.Output{{Type: models.ArtifactCondaPack, Name: "environment.tar.gz", Data: []byte("tarball")}}, nil
	}))

	runner, err := stage.NewRunner(h.reg, stage.DefaultGraph(), filepath.Join(root, "scratch"), nil)
	if err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(root, "scratch"), 0o755)
	h.builder, err = New(Options{
		DB:       gormDB,
		Store:    h.store,
		Locks:    h.locks,
		Runner:   runner,
		LockPoll: 5 * time.Millisecond,
		Scratch:  filepath.Join(root, "scratch"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// installPlugin creates the prefix after an optional delay and hook.
func installPlugin(delay time.Duration, hook func(sc *stage.Context)) stage.Plugin {
	return stage.PluginFunc(func(ctx context.Context, sc *stage.Context) ([]stage.Output, error) {
		time.Sleep(delay)
		if err := os.MkdirAll(filepath.Join(sc.Prefix, "conda-meta"), 0o755); err != nil {
			return nil, err
		}
		if hook != nil {
			hook(sc)
		}
		return []stage.Output{{Type: models.ArtifactDirectory, Path: sc.Prefix}}, nil
	})
}

func (h *harness) register(t *testing.T, ns, env, raw string) *models.Build {
	t.Helper()
	parsed, err := fingerprint.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	spec, _, err := catalog.FindOrCreateSpecification(h.db, parsed)
	if err != nil {
		t.Fatal(err)
	}
	res, err := catalog.RegisterBuild(h.db, catalog.RegisterOpts{Namespace: ns, Environment: env, SpecificationID: spec.ID})
	if err != nil {
		t.Fatal(err)
	}
	return res.Build
}

func (h *harness) claim(t *testing.T, task string) *models.Build {
	t.Helper()
	b, err := catalog.ClaimNextBuild(h.db, catalog.ClaimOpts{TaskID: task})
	if err != nil || b == nil {
		t.Fatalf("claim = %v, %v", b, err)
	}
	return b
}

func (h *harness) artifactTypes(t *testing.T, buildID uint) map[models.ArtifactType]models.BuildArtifact {
	t.Helper()
	arts, err := catalog.ListArtifacts(h.db, buildID)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[models.ArtifactType]models.BuildArtifact)
	for _, a := range arts {
		got[a.ArtifactType] = a
	}
	return got
}

func (h *harness) readBlob(t *testing.T, key string) string {
	t.Helper()
	r, err := h.store.Blobs.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("open blob %s: %v", key, err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	return string(data)
}

// A fresh build completes with every artifact and becomes current.
func TestBuild_Fresh(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "default", "x", specX)
	b := h.claim(t, "task-1")

	out, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Status != buildstate.Completed || !out.BecameCurrent {
		t.Fatalf("outcome = %+v\n%s", out, out.Result.Log.Bytes())
	}

	got := h.artifactTypes(t, reg.ID)
	for _, typ := range []models.ArtifactType{models.ArtifactLockfile, models.ArtifactDirectory, models.ArtifactLogs, models.ArtifactYAML, models.ArtifactCondaPack} {
		if _, ok := got[typ]; !ok {
			t.Errorf("missing %s artifact", typ)
		}
	}
	for typ, a := range got {
		if typ == models.ArtifactDirectory {
			if a.Key != h.store.Prefixes.Path(b.Hash) {
				t.Errorf("DIRECTORY key = %q", a.Key)
			}
			continue
		}
		if ok, _ := h.store.Blobs.Exists(context.Background(), a.Key); !ok {
			t.Errorf("%s blob %s missing", typ, a.Key)
		}
	}
	if lock := h.readBlob(t, got[models.ArtifactLockfile].Key); lock == "" {
		t.Error("LOCKFILE blob is empty")
	}

	stored, _ := catalog.GetBuild(h.db, b.ID)
	if stored.Status != buildstate.Completed {
		t.Errorf("stored status = %s", stored.Status)
	}
	target, err := h.store.Prefixes.Target("default", "x")
	if err != nil || target != h.store.Prefixes.Path(b.Hash) {
		t.Errorf("env link target = %q, %v", target, err)
	}
}

func TestBuild_RequiredStageFails(t *testing.T) {
	h := newHarness(t)
	h.reg.Replace(stage.Solve, stage.PluginFunc(func(ctx context.Context, sc *stage.Context) ([]stage.Output, error) {
		_, err := sc.Run(ctx, true, "sh", "-c", "echo 'PackagesNotFoundError: nosuchpkg'; exit 1")
		return nil, err
	}))
	h.register(t, "default", "x", specX)
	b := h.claim(t, "task-1")

	out, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Status != buildstate.Failed {
		t.Fatalf("status = %s", out.Status)
	}
	stored, _ := catalog.GetBuild(h.db, b.ID)
	if !strings.HasPrefix(stored.StatusInfo, "solve: ") || !strings.Contains(stored.StatusInfo, "PackagesNotFoundError") {
		t.Errorf("status_info = %q", stored.StatusInfo)
	}
	got := h.artifactTypes(t, b.ID)
	if _, ok := got[models.ArtifactLogs]; !ok {
		t.Error("LOGS artifact must be emitted on failure")
	}
	if _, ok := got[models.ArtifactDirectory]; ok {
		t.Error("failed solve must not record a prefix")
	}
	if target, _ := h.store.Prefixes.Target("default", "x"); target != "" {
		t.Error("failed build must not be linked")
	}
}

// The same specification registered in two environments is installed once.
func TestBuild_DedupSameHash(t *testing.T) {
	h := newHarness(t)
	h.reg.Replace(stage.Install, installPlugin(50*time.Millisecond, nil))
	a := h.register(t, "ns1", "x", specX)
	b := h.register(t, "ns2", "y", specX)
	if a.SpecificationID != b.SpecificationID {
		t.Fatal("identical specs must share a Specification row")
	}
	ca := h.claim(t, "task-a")
	cb := h.claim(t, "task-b")

	var wg sync.WaitGroup
	outs := make([]*Outcome, 2)
	errs := make([]error, 2)
	for i, c := range []*models.Build{ca, cb} {
		wg.Add(1)
		go func(i int, c *models.Build) {
			defer wg.Done()
			outs[i], errs[i] = h.builder.Build(context.Background(), c.ID, *c.TaskID)
		}(i, c)
	}
	wg.Wait()

	for i := range outs {
		if errs[i] != nil {
			t.Fatalf("build %d: %v", i, errs[i])
		}
		if outs[i].Status != buildstate.Completed {
			t.Fatalf("build %d status = %s", i, outs[i].Status)
		}
	}
	if n := h.builder.Installs(); n != 1 {
		t.Errorf("install ran %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&h.solves); n != 1 {
		t.Errorf("solve ran %d times, want 1", n)
	}
	if outs[0].Deduplicated == outs[1].Deduplicated {
		t.Error("exactly one build should reuse the other's prefix")
	}
	if h.locks.Acquisitions(filelock.Build) != 2 {
		t.Errorf("hash lock acquisitions = %d, want 2", h.locks.Acquisitions(filelock.Build))
	}
	for _, c := range []*models.Build{ca, cb} {
		got := h.artifactTypes(t, c.ID)
		for _, typ := range []models.ArtifactType{models.ArtifactLockfile, models.ArtifactDirectory, models.ArtifactLogs} {
			if _, ok := got[typ]; !ok {
				t.Errorf("build %d missing %s", c.ID, typ)
			}
		}
	}
	for _, link := range [][2]string{{"ns1", "x"}, {"ns2", "y"}} {
		if target, _ := h.store.Prefixes.Target(link[0], link[1]); target != h.store.Prefixes.Path(a.Hash) {
			t.Errorf("%s/%s target = %q", link[0], link[1], target)
		}
	}
}

// Cancelling while BUILDING stops at the next stage boundary.
func TestBuild_CancelMidBuild(t *testing.T) {
	h := newHarness(t)
	var buildID uint
	h.reg.Replace(stage.Install, installPlugin(0, func(sc *stage.Context) {
		if _, err := catalog.RequestCancel(h.db, buildID); err != nil {
			t.Errorf("RequestCancel: %v", err)
		}
	}))
	h.register(t, "default", "x", specX)
	b := h.claim(t, "task-1")
	buildID = b.ID

	out, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Status != buildstate.Canceled {
		t.Fatalf("status = %s", out.Status)
	}
	if o, _ := out.Result.Outcome(stage.Permissions); o.Status != stage.StatusNotRun {
		t.Errorf("permissions = %s, want not-run", o.Status)
	}
	if ok, _ := h.store.Prefixes.Exists(b.Hash); ok {
		t.Error("partial prefix must be removed on cancel")
	}
	if _, ok := h.artifactTypes(t, b.ID)[models.ArtifactLogs]; !ok {
		t.Error("LOGS artifact must be emitted on cancel")
	}
	stored, _ := catalog.GetBuild(h.db, b.ID)
	if stored.Status != buildstate.Canceled || stored.StatusInfo != buildstate.InfoCanceled {
		t.Errorf("stored = %s %q", stored.Status, stored.StatusInfo)
	}
}

func TestBuild_CancelWhileWaitingForLock(t *testing.T) {
	h := newHarness(t)
	h.register(t, "default", "x", specX)
	b := h.claim(t, "task-1")

	other := filelock.New(filepath.Join(h.root, ".locks"))
	held, err := other.TryLock(filelock.Build, b.Hash)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		catalog.RequestCancel(h.db, b.ID)
	}()
	out, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Status != buildstate.Canceled {
		t.Fatalf("status = %s", out.Status)
	}
	if h.builder.Installs() != 0 {
		t.Error("install must not run without the hash lock")
	}
	if _, ok := h.artifactTypes(t, b.ID)[models.ArtifactLogs]; !ok {
		t.Error("LOGS artifact must be emitted")
	}
}

func TestBuild_SupersededMidBuild(t *testing.T) {
	h := newHarness(t)
	h.reg.Replace(stage.Install, installPlugin(0, func(sc *stage.Context) {
		h.register(t, "default", "x", `{"name":"x","dependencies":["python=3.12"]}`)
	}))
	h.register(t, "default", "x", specX)
	b := h.claim(t, "task-1")

	_, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if !errors.Is(err, catalog.ErrLeaseLost) {
		t.Fatalf("Build error = %v, want ErrLeaseLost", err)
	}
	stored, _ := catalog.GetBuild(h.db, b.ID)
	if stored.Status != buildstate.Canceled || stored.StatusInfo != buildstate.InfoSuperseded {
		t.Errorf("stored = %s %q", stored.Status, stored.StatusInfo)
	}
	if ok, _ := h.store.Prefixes.Exists(b.Hash); ok {
		t.Error("superseded build left its prefix behind")
	}
}

func TestBuild_LockfileSpecSkipsSolve(t *testing.T) {
	h := newHarness(t)
	h.register(t, "default", "locked", `{"name":"locked","lockfile":"@EXPLICIT\nhttps://example.invalid/python-3.11.conda\n"}`)
	b := h.claim(t, "task-1")

	out, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if err != nil || out.Status != buildstate.Completed {
		t.Fatalf("Build = %+v, %v", out, err)
	}
	if n := atomic.LoadInt32(&h.solves); n != 0 {
		t.Errorf("solve ran %d times for a lockfile specification", n)
	}
	lock := h.artifactTypes(t, b.ID)[models.ArtifactLockfile]
	if got := h.readBlob(t, lock.Key); !strings.Contains(got, "@EXPLICIT") {
		t.Errorf("LOCKFILE = %q", got)
	}
}

func TestBuild_StalePrefixRemoved(t *testing.T) {
	h := newHarness(t)
	h.register(t, "default", "x", specX)
	b := h.claim(t, "task-1")
	stale := filepath.Join(h.store.Prefixes.Path(b.Hash), "half-installed")
	os.MkdirAll(stale, 0o755)

	out, err := h.builder.Build(context.Background(), b.ID, "task-1")
	if err != nil || out.Status != buildstate.Completed {
		t.Fatalf("Build = %+v, %v", out, err)
	}
	if out.Deduplicated {
		t.Error("a prefix without a completed build must not be reused")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale prefix content should be gone")
	}
}

func TestWriteLockfile(t *testing.T) {
	dir := t.TempDir()
	p, err := WriteLockfile(dir, []byte(`{"lockfile":{"version":1,"package":[]},"name":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(p)
	if !strings.Contains(string(data), "version: 1") {
		t.Errorf("structured lockfile = %q", data)
	}
	if _, err := WriteLockfile(dir, []byte(`{"name":"x"}`)); err == nil {
		t.Error("missing lockfile section should fail")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without dependencies should fail")
	}
}
