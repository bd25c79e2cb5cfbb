package api

import (
	"time"

	"github.com/conda-incubator/condastore/internal/models"
)

// buildView is the JSON shape of a build.
type buildView struct {
	ID              uint       `json:"id"`
	Namespace       string     `json:"namespace,omitempty"`
	Environment     string     `json:"environment,omitempty"`
	Status          string     `json:"status"`
	StatusInfo      string     `json:"status_info,omitempty"`
	Hash            string     `json:"hash"`
	BuildKeyVersion int        `json:"build_key_version"`
	Specification   string     `json:"specification_sha256,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Attempts        int        `json:"attempts"`
	ScheduledOn     time.Time  `json:"scheduled_on"`
	StartedOn       *time.Time `json:"started_on,omitempty"`
	EndedOn         *time.Time `json:"ended_on,omitempty"`
	ArchivedOn      *time.Time `json:"archived_on,omitempty"`
	DeletedOn       *time.Time `json:"deleted_on,omitempty"`
}

func newBuildView(b *models.Build) buildView {
	v := buildView{
		ID:              b.ID,
		Status:          b.Status,
		StatusInfo:      b.StatusInfo,
		Hash:            b.Hash,
		BuildKeyVersion: b.BuildKeyVersion,
		CancelRequested: b.CancelRequested,
		Attempts:        b.Attempts,
		ScheduledOn:     b.ScheduledOn,
		StartedOn:       b.StartedOn,
		EndedOn:         b.EndedOn,
		ArchivedOn:      b.ArchivedOn,
		DeletedOn:       b.DeletedOn,
	}
	if env := b.Environment; env != nil {
		v.Environment = env.Name
		if env.Namespace != nil {
			v.Namespace = env.Namespace.Name
		}
	}
	if b.Specification != nil {
		v.Specification = b.Specification.SHA256
	}
	return v
}

type artifactView struct {
	ID   uint                `json:"id"`
	Type models.ArtifactType `json:"type"`
	Key  string              `json:"key"`
}

// solveView reports a solve; Status is derived from its timestamps.
type solveView struct {
	ID            uint       `json:"id"`
	Specification string     `json:"specification_sha256,omitempty"`
	Status        string     `json:"status"`
	StatusInfo    string     `json:"status_info,omitempty"`
	ScheduledOn   time.Time  `json:"scheduled_on"`
	StartedOn     *time.Time `json:"started_on,omitempty"`
	EndedOn       *time.Time `json:"ended_on,omitempty"`
	Lockfile      string     `json:"lockfile,omitempty"`
}

func newSolveView(s *models.Solve) solveView {
	v := solveView{
		ID:          s.ID,
		StatusInfo:  s.StatusInfo,
		ScheduledOn: s.ScheduledOn,
		StartedOn:   s.StartedOn,
		EndedOn:     s.EndedOn,
		Lockfile:    s.PackageBuilds,
	}
	if s.Specification != nil {
		v.Specification = s.Specification.SHA256
	}
	switch {
	case s.EndedOn != nil && s.PackageBuilds == "":
		v.Status = "FAILED"
	case s.EndedOn != nil:
		v.Status = "COMPLETED"
	case s.StartedOn != nil:
		v.Status = "RUNNING"
	default:
		v.Status = "QUEUED"
	}
	return v
}
