package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/conda-incubator/condastore/internal/models"
	"github.com/conda-incubator/condastore/internal/pkgcache"
)

// Status is the outcome of one stage.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusNotRun    Status = "not-run"
)

// Outcome records what happened to a stage.
type Outcome struct {
	Stage   string
	Status  Status
	Err     error
	Outputs []Output
}

// Recorder persists a stage output (blob upload plus artifact row). It must
// return only after the artifact row exists.
type Recorder func(ctx context.Context, stage string, out Output) error

// Guard runs before a stage and returns a release func for after it.
type Guard func(ctx context.Context, stage string) (release func(), err error)

// RunOpts configures one pass over the graph.
type RunOpts struct {
	Build    BuildInfo
	Prefix   string
	Pkgs     *pkgcache.Cache
	Canceled CancelCheck
	Record   Recorder
	Guard    Guard
	// Skip marks stages whose work is already done; they count as succeeded.
	Skip map[string]bool
	// Preset supplies a stage's outputs without running it.
	Preset map[string][]Output
	// Log receives output; a fresh Log is used when nil.
	Log *Log
}

// Result is the outcome of a run.
type Result struct {
	Outcomes []Outcome
	Log      *Log
	// Err is the first required-stage failure, ErrCanceled, or nil.
	Err         error
	FailedStage string
}

// Canceled reports whether the run stopped because of a cancel request.
func (r *Result) Canceled() bool { return errors.Is(r.Err, ErrCanceled) }

// Outcome returns the outcome for a stage.
func (r *Result) Outcome(stage string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			return o, true
		}
	}
	return Outcome{}, false
}

// StatusInfo formats a failure for build.status_info: the stage, the error
// and the tail of the captured output.
func (r *Result) StatusInfo() string {
	if r.Err == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %v", r.FailedStage, r.Err)
	if tail := r.Log.Tail(TailSize); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

// Runner executes a graph with plugins from a Registry.
type Runner struct {
	registry *Registry
	graph    []Def
	scratch  string
	logger   *slog.Logger
}

// NewRunner orders graph and returns a Runner. Stage scratch directories
// are created under scratch (os.TempDir when empty).
func NewRunner(registry *Registry, graph []Def, scratch string, logger *slog.Logger) (*Runner, error) {
	ordered, err := Order(graph)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, graph: ordered, scratch: scratch, logger: logger}, nil
}

// Graph returns the ordered stage definitions.
func (r *Runner) Graph() []Def { return r.graph }

// Run executes every stage in order. A stage runs only if all of its
// predecessors succeeded or were skipped; Always stages run regardless.
// A required failure or a cancel request stops the remaining ordinary
// stages.
func (r *Runner) Run(ctx context.Context, opts RunOpts) *Result {
	log := opts.Log
	if log == nil {
		log = &Log{}
	}
	res := &Result{Log: log}
	status := make(map[string]Status, len(r.graph))
	var produced []Output
	halted := false

	for _, def := range r.graph {
		out := Outcome{Stage: def.Name, Status: StatusNotRun}

		switch {
		case def.Always:
		case halted:
			status[def.Name] = out.Status
			res.Outcomes = append(res.Outcomes, out)
			continue
		default:
			if dep := unmetDependency(def, status); dep != "" {
				log.Printf("== %s: not run, %s did not succeed", def.Name, dep)
				status[def.Name] = out.Status
				res.Outcomes = append(res.Outcomes, out)
				continue
			}
			if err := checkCanceled(opts.Canceled); err != nil {
				log.Printf("== %s: not run: %v", def.Name, err)
				halted = true
				res.Err = err
				res.FailedStage = def.Name
				status[def.Name] = out.Status
				res.Outcomes = append(res.Outcomes, out)
				continue
			}
		}

		switch {
		case opts.Skip[def.Name]:
			log.Printf("== %s: skipped", def.Name)
			out.Status = StatusSkipped
		case opts.Preset[def.Name] != nil:
			log.Printf("== %s: using provided outputs", def.Name)
			out.Outputs = opts.Preset[def.Name]
			out.Err = r.record(ctx, opts, def, out.Outputs)
		default:
			out.Outputs, out.Err = r.runStage(ctx, def, opts, log, produced)
			if out.Err == nil && out.Outputs == nil && !hasPlugin(r.registry, def) && !def.Required {
				out.Status = StatusSkipped
			}
		}

		if out.Status == StatusNotRun {
			if out.Err == nil {
				out.Status = StatusSucceeded
			} else {
				out.Status = StatusFailed
			}
		}
		produced = append(produced, out.Outputs...)
		status[def.Name] = out.Status
		res.Outcomes = append(res.Outcomes, out)

		if out.Err == nil {
			continue
		}
		if errors.Is(out.Err, ErrCanceled) {
			log.Printf("== %s: canceled", def.Name)
			if res.Err == nil {
				res.Err = ErrCanceled
				res.FailedStage = def.Name
			}
			halted = true
			continue
		}
		log.Printf("== %s: failed: %v", def.Name, out.Err)
		r.logger.Warn("stage failed", "build_id", opts.Build.ID, "stage", def.Name, "required", def.Required, "error", out.Err)
		if def.Required {
			if res.Err == nil {
				res.Err = out.Err
				res.FailedStage = def.Name
			}
			halted = true
		}
	}
	return res
}

// runStage performs one stage inside a fresh Context whose scratch
// directory is removed on return, including when the plugin panics.
func (r *Runner) runStage(ctx context.Context, def Def, opts RunOpts, log *Log, produced []Output) (outs []Output, err error) {
	plugin, ok := r.registry.Lookup(def.Name)
	if !ok {
		if def.Name == Logs {
			plugin = logsPlugin{}
		} else if def.Required {
			return nil, fmt.Errorf("no plugin registered for stage %s", def.Name)
		} else {
			log.Printf("== %s: skipped, no plugin registered", def.Name)
			return nil, nil
		}
	}

	if opts.Guard != nil {
		release, err := opts.Guard(ctx, def.Name)
		if err != nil {
			return nil, err
		}
		if release != nil {
			defer release()
		}
	}

	workdir, err := os.MkdirTemp(r.scratch, "condastore-"+def.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(workdir)

	sc := &Context{
		Stage:    def.Name,
		Build:    opts.Build,
		Prefix:   opts.Prefix,
		WorkDir:  workdir,
		Pkgs:     opts.Pkgs,
		Logger:   r.logger.With("build_id", opts.Build.ID, "stage", def.Name),
		log:      log,
		canceled: opts.Canceled,
		inputs:   produced,
	}
	if opts.Pkgs != nil {
		sc.Env = append(sc.Env, "CONDA_PKGS_DIRS="+opts.Pkgs.Dir())
	}

	log.Printf("== %s", def.Name)
	defer func() {
		if p := recover(); p != nil {
			outs, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	outs, err = plugin.Run(ctx, sc)
	if err != nil {
		return nil, err
	}
	if err := r.record(ctx, opts, def, outs); err != nil {
		return nil, err
	}
	return outs, nil
}

// record persists outputs and enforces that a required stage produced
// every artifact type it declares.
func (r *Runner) record(ctx context.Context, opts RunOpts, def Def, outs []Output) error {
	for _, o := range outs {
		if opts.Record == nil {
			continue
		}
		if err := opts.Record(ctx, def.Name, o); err != nil {
			return fmt.Errorf("record %s artifact: %w", o.Type, err)
		}
	}
	if !def.Required {
		return nil
	}
	for _, want := range def.Produces {
		if !hasType(outs, want) {
			return fmt.Errorf("stage produced no %s artifact", want)
		}
	}
	return nil
}

// logsPlugin emits the captured build log.
type logsPlugin struct{}

func (logsPlugin) Run(_ context.Context, sc *Context) ([]Output, error) {
	return []Output{{Type: models.ArtifactLogs, Name: "build.log", Data: sc.log.Bytes()}}, nil
}

func unmetDependency(def Def, status map[string]Status) string {
	for _, dep := range def.DependsOn {
		if s := status[dep]; s != StatusSucceeded && s != StatusSkipped {
			return dep
		}
	}
	return ""
}

func checkCanceled(check CancelCheck) error {
	if check == nil {
		return nil
	}
	c, err := check()
	if err != nil {
		return err
	}
	if c {
		return ErrCanceled
	}
	return nil
}

func hasPlugin(reg *Registry, def Def) bool {
	if def.Name == Logs {
		return true
	}
	_, ok := reg.Lookup(def.Name)
	return ok
}

func hasType(outs []Output, typ models.ArtifactType) bool {
	for _, o := range outs {
		if o.Type == typ {
			return true
		}
	}
	return false
}
