package stageplan

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// locationProvisioner hands out collision-free shuffle directories for one
// planner invocation. Every stage gets its own subdirectory of a single
// run-scoped root, named with a fresh UUID so concurrent planner runs
// sharing the same base directory never collide.
type locationProvisioner struct {
	baseDir string
	runID   uuid.UUID
	runDir  string
}

// newLocationProvisioner creates a run directory under baseDir.
func newLocationProvisioner(baseDir string) (*locationProvisioner, error) {
	runID, err := uuid.NewRandom()
	if err != nil {
		return nil, NewPlanError(ErrIO, baseDir, fmt.Errorf("generating run id: %w", err))
	}

	runDir := filepath.Join(baseDir, runID.String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, NewPlanError(ErrIO, runDir, err)
	}

	return &locationProvisioner{baseDir: baseDir, runID: runID, runDir: runDir}, nil
}

// stageDir returns the directory shuffle files for stageID are written
// into and read from, creating it if it does not yet exist.
func (p *locationProvisioner) stageDir(stageID int) (string, error) {
	dir := filepath.Join(p.runDir, fmt.Sprintf("stage-%d", stageID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", NewPlanError(ErrIO, dir, err)
	}
	return dir, nil
}

// cleanup removes the entire run directory tree, used by Graph.Close.
func (p *locationProvisioner) cleanup() error {
	if err := os.RemoveAll(p.runDir); err != nil {
		return NewPlanError(ErrIO, p.runDir, err)
	}
	return nil
}
