// Package stage runs the per-build stage graph. Each stage executes inside
// a Context that owns a scratch directory, writes to the build log and runs
// subprocesses that honor cancellation.
package stage

import (
	"errors"
	"fmt"

	"github.com/conda-incubator/condastore/internal/models"
)

// Stage names.
const (
	Solve       = "solve"
	Install     = "install"
	Permissions = "permissions"
	ExportYAML  = "export-yaml"
	PackArchive = "pack-archive"
	Installer   = "installer"
	Logs        = "logs"
)

// ErrCanceled reports that cancellation was requested for the build. It is
// not a failure.
var ErrCanceled = errors.New("stage: canceled")

// CommandError is returned by Context.Run when a checked command exits
// non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Tail     string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Args, e.ExitCode)
}

// Def declares one node of the graph.
type Def struct {
	Name      string
	DependsOn []string
	Produces  []models.ArtifactType
	// Required stages fail the build; optional ones only log their failure.
	Required bool
	// Always stages run whatever happened before them.
	Always bool
}

// DefaultGraph returns the build pipeline.
func DefaultGraph() []Def {
	return []Def{
		{Name: Solve, Produces: []models.ArtifactType{models.ArtifactLockfile}, Required: true},
		{Name: Install, DependsOn: []string{Solve}, Produces: []models.ArtifactType{models.ArtifactDirectory}, Required: true},
		{Name: Permissions, DependsOn: []string{Install}, Required: true},
		{Name: ExportYAML, DependsOn: []string{Install}, Produces: []models.ArtifactType{models.ArtifactYAML}},
		{Name: PackArchive, DependsOn: []string{Install}, Produces: []models.ArtifactType{models.ArtifactCondaPack}},
		{Name: Installer, DependsOn: []string{Install}, Produces: []models.ArtifactType{models.ArtifactConstructorInstaller}},
		{Name: Logs, DependsOn: []string{Permissions, ExportYAML, PackArchive, Installer}, Produces: []models.ArtifactType{models.ArtifactLogs}, Required: true, Always: true},
	}
}

// Order sorts defs topologically. Among stages whose dependencies are met,
// declaration order wins, so the result is stable.
func Order(defs []Def) ([]Def, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		if _, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("stage: duplicate stage %q", d.Name)
		}
		index[d.Name] = i
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("stage: %s depends on unknown stage %q", d.Name, dep)
			}
		}
	}

	placed := make(map[string]bool, len(defs))
	ordered := make([]Def, 0, len(defs))
	for len(ordered) < len(defs) {
		progressed := false
		for _, d := range defs {
			if placed[d.Name] || !depsPlaced(d, placed) {
				continue
			}
			placed[d.Name] = true
			ordered = append(ordered, d)
			progressed = true
			break
		}
		if !progressed {
			return nil, fmt.Errorf("stage: dependency cycle among %d stages", len(defs)-len(ordered))
		}
	}
	return ordered, nil
}

func depsPlaced(d Def, placed map[string]bool) bool {
	for _, dep := range d.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}
