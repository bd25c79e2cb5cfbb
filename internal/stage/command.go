package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conda-incubator/condastore/internal/config"
	"github.com/conda-incubator/condastore/internal/models"
	"gopkg.in/yaml.v3"
)

// CommandPlugin performs a stage by running a configured command.
type CommandPlugin struct {
	stage    string
	cfg      config.PluginConfig
	produces []models.ArtifactType
	client   *http.Client
}

// NewCommandPlugin returns a plugin that runs cfg.Command for def.
func NewCommandPlugin(def Def, cfg config.PluginConfig) *CommandPlugin {
	return &CommandPlugin{stage: def.Name, cfg: cfg, produces: def.Produces, client: http.DefaultClient}
}

// Run writes the specification to the scratch directory, expands the
// command's placeholders and runs it.
func (p *CommandPlugin) Run(ctx context.Context, sc *Context) ([]Output, error) {
	specPath := filepath.Join(sc.WorkDir, "specification.json")
	if err := os.WriteFile(specPath, sc.Build.Spec, 0o644); err != nil {
		return nil, fmt.Errorf("write specification: %w", err)
	}
	var output string
	if p.cfg.Output != "" {
		output = filepath.Join(sc.WorkDir, p.cfg.Output)
	}
	lock, _ := sc.Input(models.ArtifactLockfile)

	if p.cfg.Prefetch {
		if lock.Path == "" {
			return nil, fmt.Errorf("prefetch needs a lockfile")
		}
		if err := prefetch(ctx, sc, p.client, lock.Path, p.cfg.Extract); err != nil {
			return nil, err
		}
	}

	r := strings.NewReplacer(
		"{prefix}", sc.Prefix,
		"{workdir}", sc.WorkDir,
		"{lockfile}", lock.Path,
		"{spec}", specPath,
		"{output}", output,
	)
	args := make([]string, len(p.cfg.Command))
	for i, a := range p.cfg.Command {
		args[i] = r.Replace(a)
	}
	keys := make([]string, 0, len(p.cfg.Env))
	for k := range p.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sc.Env = append(sc.Env, k+"="+r.Replace(p.cfg.Env[k]))
	}

	if _, err := sc.Run(ctx, true, args...); err != nil {
		return nil, err
	}

	var outs []Output
	for _, typ := range p.produces {
		if typ == models.ArtifactDirectory {
			if _, err := os.Stat(sc.Prefix); err != nil {
				return nil, fmt.Errorf("prefix %s: %w", sc.Prefix, err)
			}
			outs = append(outs, Output{Type: typ, Path: sc.Prefix})
			continue
		}
		if output == "" {
			return nil, fmt.Errorf("plugin for %s declares no output file", p.stage)
		}
		if _, err := os.Stat(output); err != nil {
			return nil, fmt.Errorf("expected output %s: %w", p.cfg.Output, err)
		}
		outs = append(outs, Output{Type: typ, Path: output})
	}
	return outs, nil
}

// PermissionsPlugin makes a prefix readable by every user: directories get
// r-x and files get r-- for group and other.
type PermissionsPlugin struct{}

func (PermissionsPlugin) Run(ctx context.Context, sc *Context) ([]Output, error) {
	if _, err := os.Stat(sc.Prefix); err != nil {
		return nil, fmt.Errorf("prefix %s: %w", sc.Prefix, err)
	}
	changed := 0
	err := filepath.WalkDir(sc.Prefix, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		want := info.Mode().Perm() | 0o444
		if d.IsDir() {
			want |= 0o111
		}
		if want == info.Mode().Perm() {
			return nil
		}
		changed++
		return os.Chmod(path, want)
	})
	if err != nil {
		return nil, fmt.Errorf("set permissions: %w", err)
	}
	sc.Logf("permissions: updated %d entries", changed)
	return nil, nil
}

// ExportYAMLPlugin renders the specification as environment.yaml.
type ExportYAMLPlugin struct{}

func (ExportYAMLPlugin) Run(_ context.Context, sc *Context) ([]Output, error) {
	var doc map[string]any
	if err := json.Unmarshal(sc.Build.Spec, &doc); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode environment.yaml: %w", err)
	}
	return []Output{{Type: models.ArtifactYAML, Name: "environment.yaml", Data: data}}, nil
}

// NewRegistryFromConfig registers the built-in permissions and export-yaml
// plugins, then a CommandPlugin for every configured stage. Configured
// commands replace built-ins.
func NewRegistryFromConfig(graph []Def, plugins map[string]config.PluginConfig) (*Registry, error) {
	reg := NewRegistry()
	reg.Replace(Permissions, PermissionsPlugin{})
	reg.Replace(ExportYAML, ExportYAMLPlugin{})

	defs := make(map[string]Def, len(graph))
	for _, d := range graph {
		defs[d.Name] = d
	}
	for name, pc := range plugins {
		def, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("stage: plugin configured for unknown stage %q", name)
		}
		if len(pc.Command) == 0 {
			return nil, fmt.Errorf("stage: plugin %q has no command", name)
		}
		reg.Replace(name, NewCommandPlugin(def, pc))
	}
	return reg, nil
}
