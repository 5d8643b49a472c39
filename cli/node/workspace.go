package node

// Package node runs dispatched tests: it checks out the engine, builds the
// baseline and the patched binary, plays games between them and streams the
// results back to the server.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrResource marks failures of the local working area. They are fatal to
// the node process.
var ErrResource = errors.New("resource error")

// Workspace is the working tree of a single pipeline run.
type Workspace struct {
	// Root directory, removed as a whole by Remove
	Dir string
}

// NewWorkspace creates a fresh directory below base. An empty base uses the
// system temporary directory.
func NewWorkspace(base string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, "testbit-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working tree: %w: %w", ErrResource, err)
	}
	return &Workspace{Dir: dir}, nil
}

// Src is the checkout directory.
func (w *Workspace) Src() string {
	return filepath.Join(w.Dir, "src")
}

// PatchPath is where the received patch is stored. It lives outside the
// checkout so it exists even when the clone failed.
func (w *Workspace) PatchPath() string {
	return filepath.Join(w.Dir, "patch")
}

// Remove deletes the working tree.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("failed to remove working tree %s: %w: %w", w.Dir, ErrResource, err)
	}
	return nil
}
