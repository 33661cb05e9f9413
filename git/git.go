package git

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sorenmh/infrastructure-shared/mergebot/models"
)

// Job is the input contract for one repository merge: advance
// TargetBranch to BaseBranch with fast-forward-only semantics.
type Job struct {
	Repository   string
	URL          string
	SSHKeyPath   string
	BaseBranch   string
	TargetBranch string
}

// Error is a typed merge failure.
type Error struct {
	Reason models.FailureReason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(reason models.FailureReason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Executor performs an atomic-per-repository merge. A nil return means
// the target branch now points at the base branch head; any non-nil
// return is an *Error and the remote branch is exactly as before.
type Executor interface {
	Merge(job Job) error
}

// Client implements Executor against real remotes using go-git.
type Client struct {
	workDir        string
	defaultKeyPath string
}

func NewClient(workDir, sshKeyPath string) *Client {
	return &Client{
		workDir:        workDir,
		defaultKeyPath: sshKeyPath,
	}
}

// Merge fetches the remote, verifies the merge is a clean fast-forward,
// and pushes the base head to the target branch. The push is the only
// remote mutation: there is no intermediate switched-but-not-merged
// state that could leak on failure.
func (c *Client) Merge(job Job) error {
	auth, err := c.auth(job)
	if err != nil {
		return fail(models.ReasonTransport, err)
	}

	repo, err := c.ensureRepo(job, auth)
	if err != nil {
		return fail(models.ReasonTransport, err)
	}

	err = repo.Fetch(&git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Force:      true,
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fail(models.ReasonTransport, fmt.Errorf("fetch: %w", err))
	}

	baseCommit, err := resolveRemoteBranch(repo, job.BaseBranch)
	if err != nil {
		return fail(models.ReasonTransport, err)
	}
	targetCommit, err := resolveRemoteBranch(repo, job.TargetBranch)
	if err != nil {
		return fail(models.ReasonTransport, err)
	}

	needed, ferr := mergeNeeded(baseCommit, targetCommit, job.BaseBranch, job.TargetBranch)
	if ferr != nil {
		return ferr
	}
	if !needed {
		return nil
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("refs/remotes/origin/%s:refs/heads/%s",
		job.BaseBranch, job.TargetBranch))

	err = repo.Push(&git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refspec},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return classifyPush(err)
	}

	return nil
}

func (c *Client) auth(job Job) (*ssh.PublicKeys, error) {
	keyPath := job.SSHKeyPath
	if keyPath == "" {
		keyPath = c.defaultKeyPath
	}
	if keyPath == "" {
		return nil, fmt.Errorf("no SSH key configured for repository %s", job.Repository)
	}

	auth, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH auth: %w", err)
	}

	// Disable host key verification to avoid known_hosts issues
	auth.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()

	return auth, nil
}

func (c *Client) ensureRepo(job Job, auth transport.AuthMethod) (*git.Repository, error) {
	path := filepath.Join(c.workDir, job.Repository)

	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if err != git.ErrRepositoryNotExists {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	repo, err = git.PlainClone(path, false, &git.CloneOptions{
		URL:        job.URL,
		Auth:       auth,
		NoCheckout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone repository: %w", err)
	}
	return repo, nil
}

// mergeNeeded reports whether the target branch must move to reach the
// base head. Equal heads and an already-merged base both mean no work;
// diverged branches are a fast-forward failure.
func mergeNeeded(base, target *object.Commit, baseName, targetName string) (bool, *Error) {
	if base.Hash == target.Hash {
		return false, nil
	}

	merged, err := base.IsAncestor(target)
	if err != nil {
		return false, fail(models.ReasonTransport, fmt.Errorf("ancestry walk: %w", err))
	}
	if merged {
		return false, nil
	}

	ff, err := target.IsAncestor(base)
	if err != nil {
		return false, fail(models.ReasonTransport, fmt.Errorf("ancestry walk: %w", err))
	}
	if !ff {
		return false, fail(models.ReasonNotFastForward,
			fmt.Errorf("%s and %s have diverged", targetName, baseName))
	}

	return true, nil
}

func resolveRemoteBranch(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return nil, fmt.Errorf("branch %q not found on origin: %w", branch, err)
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", ref.Hash(), err)
	}
	return commit, nil
}

// classifyPush distinguishes a remote rejecting the ref update from the
// transport falling over.
func classifyPush(err error) *Error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "non-fast-forward"):
		return fail(models.ReasonPushRejected, err)
	case strings.Contains(msg, "conflict"):
		return fail(models.ReasonConflict, err)
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "authorization"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "unreachable"):
		return fail(models.ReasonTransport, err)
	default:
		return fail(models.ReasonPushRejected, err)
	}
}
