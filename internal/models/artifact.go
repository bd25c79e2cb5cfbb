package models

import (
	"fmt"
	"strings"
)

// ArtifactType names the kind of output a build stage produced. It is stored
// as a plain string so new kinds can be added without a schema change.
type ArtifactType string

// Known artifact types.
const (
	ArtifactDirectory            ArtifactType = "DIRECTORY"
	ArtifactLockfile             ArtifactType = "LOCKFILE"
	ArtifactLogs                 ArtifactType = "LOGS"
	ArtifactYAML                 ArtifactType = "YAML"
	ArtifactCondaPack            ArtifactType = "CONDA_PACK"
	ArtifactContainerRegistry    ArtifactType = "CONTAINER_REGISTRY"
	ArtifactConstructorInstaller ArtifactType = "CONSTRUCTOR_INSTALLER"
)

// artifactTypes translates accepted spellings, including legacy lowercase
// values written by older deployments, to their canonical form.
var artifactTypes = map[string]ArtifactType{
	"DIRECTORY":             ArtifactDirectory,
	"LOCKFILE":              ArtifactLockfile,
	"LOGS":                  ArtifactLogs,
	"YAML":                  ArtifactYAML,
	"CONDA_PACK":            ArtifactCondaPack,
	"CONTAINER_REGISTRY":    ArtifactContainerRegistry,
	"DOCKER_MANIFEST":       ArtifactContainerRegistry,
	"CONSTRUCTOR_INSTALLER": ArtifactConstructorInstaller,
}

// ParseArtifactType validates s and returns the canonical ArtifactType.
func ParseArtifactType(s string) (ArtifactType, error) {
	t, ok := artifactTypes[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("models: unknown artifact type %q", s)
	}
	return t, nil
}

// BuildArtifact records one durable output of a build stage. Key is a blob
// key, or a filesystem path for DIRECTORY artifacts.
type BuildArtifact struct {
	ID           uint         `gorm:"primaryKey;autoIncrement"`
	BuildID      uint         `gorm:"not null;uniqueIndex:idx_artifact_build_type_key"`
	ArtifactType ArtifactType `gorm:"size:32;not null;uniqueIndex:idx_artifact_build_type_key"`
	Key          string       `gorm:"size:512;not null;uniqueIndex:idx_artifact_build_type_key"`
}
