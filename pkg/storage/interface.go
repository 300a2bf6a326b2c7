package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNameExhausted   = errors.New("no free artifact name")
	ErrInvalidArtifact = errors.New("invalid artifact name")
)

// ArtifactMeta identifies the run log artifact of one task execution.
type ArtifactMeta struct {
	TaskName  string    // e.g. missing_tracks_tidal.txt
	Stem      string    // e.g. missing_tracks_tidal
	StartedAt time.Time // run start, in the scheduler's timezone
	ExitCode  int

	// Name is the file name chosen by the primary store. Secondary stores
	// reuse it so that every copy of an artifact has the same name.
	Name string
}

// ArtifactStore persists run log artifacts. Artifacts are write-once:
// a store never overwrites or appends to an existing artifact.
type ArtifactStore interface {
	// Store saves the artifact and returns a reference path or URL.
	Store(ctx context.Context, meta ArtifactMeta, body []byte) (string, error)
}
