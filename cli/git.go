package cli

// This file contains Git integration utilities for deriving test
// parameters from the local checkout.

import (
	"fmt"
	"os/exec"
	"strings"
)

func (a *App) getGitInfo() (commit, branch string, err error) {
	// Get current commit hash
	cmd := exec.Command("git", "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("failed to get git commit: %w", err)
	}
	commit = strings.TrimSpace(string(output))

	// Get the upstream branch the commit is expected on
	cmd = exec.Command("git", "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}")
	output, err = cmd.Output()
	if err == nil {
		upstream := strings.TrimSpace(string(output))
		if _, name, ok := strings.Cut(upstream, "/"); ok {
			return commit, name, nil
		}
	}

	// Fall back to the local branch name
	cmd = exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	output, err = cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("failed to get git branch: %w", err)
	}
	branch = strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", "", fmt.Errorf("detached HEAD, specify --branch")
	}

	return commit, branch, nil
}

// getGitDiff returns the uncommitted changes of the working tree relative
// to HEAD in a form git apply accepts.
func (a *App) getGitDiff() ([]byte, error) {
	cmd := exec.Command("git", "diff", "--binary", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get git diff: %w", err)
	}
	return output, nil
}
