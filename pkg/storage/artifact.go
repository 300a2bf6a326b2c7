package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TimestampLayout is the run timestamp embedded in artifact names and headers.
const TimestampLayout = "20060102_150405"

const artifactExt = ".log"

// ArtifactName returns "<stem>_<YYYYMMDD_HHMMSS>.log" for the first artifact of
// a run and "<stem>_<YYYYMMDD_HHMMSS>_<seq>.log" for later ones in the same second.
func ArtifactName(stem string, startedAt time.Time, seq int) string {
	name := stem + "_" + startedAt.Format(TimestampLayout)
	if seq > 1 {
		name += "_" + strconv.Itoa(seq)
	}
	return name + artifactExt
}

// ParseArtifactName is the inverse of ArtifactName. The timestamp is
// interpreted in loc.
func ParseArtifactName(name string, loc *time.Location) (stem string, startedAt time.Time, seq int, err error) {
	base, ok := strings.CutSuffix(name, artifactExt)
	if !ok {
		return "", time.Time{}, 0, errors.Wrapf(ErrInvalidArtifact, "%q has no %s extension", name, artifactExt)
	}

	parts := strings.Split(base, "_")
	seq = 1
	// The time part is always six digits; anything else in last position is a sequence number.
	if n := len(parts); n >= 4 && len(parts[n-1]) != 6 {
		seq, err = strconv.Atoi(parts[n-1])
		if err != nil || seq < 2 {
			return "", time.Time{}, 0, errors.Wrapf(ErrInvalidArtifact, "%q has a bad sequence suffix", name)
		}
		parts = parts[:n-1]
	}
	if len(parts) < 3 {
		return "", time.Time{}, 0, errors.Wrapf(ErrInvalidArtifact, "%q has no timestamp", name)
	}

	n := len(parts)
	startedAt, err = time.ParseInLocation(TimestampLayout, parts[n-2]+"_"+parts[n-1], loc)
	if err != nil {
		return "", time.Time{}, 0, errors.Wrapf(ErrInvalidArtifact, "%q: %v", name, err)
	}
	stem = strings.Join(parts[:n-2], "_")
	if stem == "" {
		return "", time.Time{}, 0, errors.Wrapf(ErrInvalidArtifact, "%q has an empty task stem", name)
	}
	return stem, startedAt, seq, nil
}

// RenderArtifact formats the body of a run log artifact.
func RenderArtifact(meta ArtifactMeta, stdout, stderr string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Download Log for %s ===\n", meta.TaskName)
	fmt.Fprintf(&b, "Start time: %s\n", meta.StartedAt.Format(TimestampLayout))
	fmt.Fprintf(&b, "Exit code: %d\n\n", meta.ExitCode)
	b.WriteString("=== STDOUT ===\n")
	b.WriteString(stdout)
	b.WriteString("\n\n=== STDERR ===\n")
	b.WriteString(stderr)
	return []byte(b.String())
}
