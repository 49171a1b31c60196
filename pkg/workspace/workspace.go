// Package workspace resolves the isolated working directory for a feature's
// branch. Worktree creation is owned by external tooling; the resolver only
// locates what already exists, falling back to the project root when a branch
// has no isolated checkout.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// GitRunner runs git commands; injected so tests can script output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// DefaultGitRunner shells out to the system git.
type DefaultGitRunner struct {
	logger *logx.Logger
}

// NewDefaultGitRunner returns a runner using the system git command.
func NewDefaultGitRunner() *DefaultGitRunner {
	return &DefaultGitRunner{logger: logx.NewLogger("git")}
}

// Run executes a git command in dir, returning combined output.
func (g *DefaultGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	g.logger.Debug("Executing: cd %s && git %s", dir, strings.Join(args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed in %s: %w\nOutput: %s",
			strings.Join(args, " "), dir, err, string(output))
	}
	return output, nil
}

// Resolver locates isolated workspaces for feature branches.
type Resolver struct {
	git    GitRunner
	logger *logx.Logger
}

// NewResolver returns a resolver using the given git runner.
func NewResolver(git GitRunner) *Resolver {
	return &Resolver{
		git:    git,
		logger: logx.NewLogger("workspace"),
	}
}

// FindForBranch returns the existing isolated workspace for a branch, or ""
// when none exists. Conductor-managed worktrees under .conductor/worktrees
// win over checkouts reported by git; the project's primary checkout never
// counts as isolated.
func (r *Resolver) FindForBranch(ctx context.Context, projectPath, branchName string) (string, error) {
	if branchName == "" {
		return "", nil
	}

	managed := filepath.Join(utils.WorktreesDir(projectPath), utils.SanitizeIdentifier(branchName))
	if info, err := os.Stat(managed); err == nil && info.IsDir() {
		return managed, nil
	}

	out, err := r.git.Run(ctx, projectPath, "worktree", "list", "--porcelain")
	if err != nil {
		// Not a git repo, or git unavailable: no isolation on offer.
		r.logger.Debug("worktree list failed for %s: %v", projectPath, err)
		return "", nil
	}

	root := filepath.Clean(projectPath)
	if path, ok := parseWorktreeList(out)["refs/heads/"+branchName]; ok {
		if filepath.Clean(path) != root {
			return path, nil
		}
	}
	return "", nil
}

// ResolveWorkingDir returns the directory a feature should execute in: the
// branch's isolated workspace when one exists, else the project root. The
// bool reports whether isolation applies; the fallback is logged since work
// then lands on the shared checkout.
func (r *Resolver) ResolveWorkingDir(ctx context.Context, projectPath, branchName string) (string, bool) {
	path, err := r.FindForBranch(ctx, projectPath, branchName)
	if err == nil && path != "" {
		return path, true
	}
	if branchName != "" {
		r.logger.Warn("No isolated workspace for branch %q, using project root %s", branchName, projectPath)
	}
	return projectPath, false
}

// parseWorktreeList maps branch refs to worktree paths from
// `git worktree list --porcelain` output.
func parseWorktreeList(output []byte) map[string]string {
	byRef := make(map[string]string)
	var current string
	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			if current != "" {
				byRef[strings.TrimPrefix(line, "branch ")] = current
			}
		case strings.TrimSpace(line) == "":
			current = ""
		}
	}
	return byRef
}
