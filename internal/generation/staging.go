package generation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/p-blackswan/agentforge/internal/fsutil"
)

// Staging is the task-scoped scratch area at <workspace>/staging/<run_id>.
// Nothing in staging is visible in the target project until commit.
type Staging struct {
	root string
}

// NewStaging roots a staging area at <workspace>/staging.
func NewStaging(workspace string) *Staging {
	return &Staging{root: filepath.Join(workspace, "staging")}
}

// Root returns the staging root directory.
func (s *Staging) Root() string { return s.root }

// RunDir returns the staging directory of a run.
func (s *Staging) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Path returns where a template's artifact is staged.
func (s *Staging) Path(runID, templateID string) string {
	return filepath.Join(s.RunDir(runID), templateID+".yaml")
}

// Write atomically stages data for a template.
func (s *Staging) Write(runID, templateID string, data []byte) (string, error) {
	path := s.Path(runID, templateID)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("stage %s: %w", templateID, err)
	}
	return path, nil
}

// Read returns a staged artifact's bytes.
func (s *Staging) Read(runID, templateID string) ([]byte, error) {
	return os.ReadFile(s.Path(runID, templateID))
}

// Remove deletes a run's staging directory.
func (s *Staging) Remove(runID string) error {
	if err := os.RemoveAll(s.RunDir(runID)); err != nil {
		return fmt.Errorf("remove staging for %s: %w", runID, err)
	}
	return nil
}
