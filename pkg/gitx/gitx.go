// Package gitx inspects and advances a git working tree by shelling out to
// the git client.
package gitx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mikropanel/mikropaneld/pkg/shell"
)

// Commit identifies one commit.
type Commit struct {
	Hash    string
	Subject string
	When    time.Time
}

type runner func(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error)

// Repo runs git against one working tree. Remote and Branch name the tracking
// ref to compare against; an empty Branch falls back to the checkout's
// configured upstream.
type Repo struct {
	Dir     string
	Remote  string
	Branch  string
	Timeout time.Duration

	run runner
}

func New(dir string) *Repo {
	return &Repo{Dir: dir, Remote: "origin", Timeout: 60 * time.Second, run: runGit}
}

func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	res, err := shell.RunDir(ctx, timeout, dir, "git", args...)
	if err != nil {
		msg := strings.TrimSpace(string(res.Stderr))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func (r *Repo) upstream() string {
	if r.Remote != "" && r.Branch != "" {
		return r.Remote + "/" + r.Branch
	}
	return "@{u}"
}

// IsRepo reports whether Dir is inside a git working tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	_, err := r.run(ctx, r.Dir, r.Timeout, "rev-parse", "--git-dir")
	return err == nil
}

// Fetch updates remote tracking refs. Network access; bounded by Timeout.
func (r *Repo) Fetch(ctx context.Context) error {
	args := []string{"fetch", "--prune"}
	if r.Remote != "" {
		args = append(args, r.Remote)
	}
	_, err := r.run(ctx, r.Dir, r.Timeout, args...)
	return err
}

// Head returns the commit the working tree is on.
func (r *Repo) Head(ctx context.Context) (Commit, error) {
	return r.commitAt(ctx, "HEAD")
}

// RemoteHead returns the tip of the tracking ref.
func (r *Repo) RemoteHead(ctx context.Context) (Commit, error) {
	return r.commitAt(ctx, r.upstream())
}

// %x1f separates fields with the unit separator so subjects may contain anything.
const commitFormat = "%h%x1f%s%x1f%cI"

func (r *Repo) commitAt(ctx context.Context, ref string) (Commit, error) {
	out, err := r.run(ctx, r.Dir, r.Timeout, "show", "-s", "--format="+commitFormat, ref)
	if err != nil {
		return Commit{}, err
	}
	parts := strings.SplitN(out, "\x1f", 3)
	if len(parts) != 3 {
		return Commit{}, fmt.Errorf("unexpected git show output: %q", out)
	}
	c := Commit{Hash: parts[0], Subject: parts[1]}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[2])); err == nil {
		c.When = t
	}
	return c, nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, r.Dir, r.Timeout, "rev-parse", "--abbrev-ref", "HEAD")
}

// AheadBehind counts commits only on HEAD (ahead) and only on the tracking
// ref (behind).
func (r *Repo) AheadBehind(ctx context.Context) (ahead, behind int, err error) {
	out, err := r.run(ctx, r.Dir, r.Timeout, "rev-list", "--left-right", "--count", "HEAD..."+r.upstream())
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	if ahead, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	if behind, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	return ahead, behind, nil
}

// Changelog lists the subjects of commits on the tracking ref that HEAD lacks,
// newest first, at most limit entries (0 means no limit).
func (r *Repo) Changelog(ctx context.Context, limit int) ([]string, error) {
	args := []string{"log", "--format=%s"}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	args = append(args, "HEAD.."+r.upstream())
	out, err := r.run(ctx, r.Dir, r.Timeout, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Pull fast-forwards the working tree to the tracking ref, forwarding each
// output line to sink. Non-fast-forward merges are refused so a diverged tree
// surfaces as an error instead of a surprise merge commit.
func (r *Repo) Pull(ctx context.Context, timeout time.Duration, sink func(line string)) error {
	args := []string{"pull", "--ff-only"}
	if r.Remote != "" && r.Branch != "" {
		args = append(args, r.Remote, r.Branch)
	}
	_, err := shell.Stream(ctx, shell.Cmd{
		Name:    "git",
		Args:    args,
		Dir:     r.Dir,
		Timeout: timeout,
	}, sink)
	return err
}
