package us

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// progressTracker manages the .last-completed marker that lets a finished
// backfill return immediately when rerun with the same end date and symbols.
type progressTracker struct {
	dir string // <DataDir>/<market>/bars
}

// newProgressTracker creates a tracker rooted at the given bars directory.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bars dir: %w", err)
	}
	return &progressTracker{dir: dir}, nil
}

func (p *progressTracker) path() string {
	return filepath.Join(p.dir, ".last-completed")
}

// MarkCompleted records date and the symbol set it covered.
func (p *progressTracker) MarkCompleted(date string, symbols []string) error {
	line := date + " " + fingerprint(symbols)
	return os.WriteFile(p.path(), []byte(line), 0o644)
}

// IsCompleted reports whether the last completed run matches date and symbols.
func (p *progressTracker) IsCompleted(date string, symbols []string) bool {
	return p.lastLine() == date+" "+fingerprint(symbols)
}

// LastCompleted returns the date from .last-completed, or empty string.
func (p *progressTracker) LastCompleted() string {
	date, _, _ := strings.Cut(p.lastLine(), " ")
	return date
}

// Reset removes the marker.
func (p *progressTracker) Reset() error {
	if err := os.Remove(p.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing .last-completed: %w", err)
	}
	return nil
}

func (p *progressTracker) lastLine() string {
	data, err := os.ReadFile(p.path())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// fingerprint hashes the sorted symbol set.
func fingerprint(symbols []string) string {
	sorted := slices.Clone(symbols)
	slices.Sort(sorted)
	h := fnv.New64a()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
