package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sorenmh/infrastructure-shared/mergebot/config"
)

var (
	ErrUnknownDeployable     = errors.New("unknown deployable")
	ErrNoMatchingEnvironment = errors.New("no repository defines the requested environment")
	ErrNoApprovers           = errors.New("deployable environment has no resolvable approvers")
	ErrNotAuthorized         = errors.New("requester is not listed for this environment")
)

// Directory expands a group identifier into individual user identifiers.
// Group membership is resolved once at session creation and never re-resolved.
type Directory interface {
	ExpandGroup(groupID string) ([]string, error)
}

// Target is one repository's branch pair for a resolved environment.
type Target struct {
	Repository   string
	URL          string
	SSHKeyPath   string
	BaseBranch   string
	TargetBranch string
}

// Resolution is the outcome of matching a deploy command against the registry.
type Resolution struct {
	Deployable  string
	Environment string
	Targets     []Target
	Approvers   []string
}

// Registry is a read-only lookup over the configured deployables.
type Registry struct {
	deployables []config.Deployable
}

func New(deployables []config.Deployable) *Registry {
	return &Registry{deployables: deployables}
}

func looseEq(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FindDeployable looks up a deployable by name, case-insensitively.
func (r *Registry) FindDeployable(name string) (*config.Deployable, error) {
	for i := range r.deployables {
		if looseEq(r.deployables[i].Name, name) {
			return &r.deployables[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDeployable, name)
}

// Resolve matches a command against the registry: finds the deployable,
// filters its repos to those defining the environment, and computes the
// union of approvers across the matched environment configs. Groups are
// expanded through dir exactly once, here.
func (r *Registry) Resolve(deployable, environment, requesterID string, dir Directory) (*Resolution, error) {
	d, err := r.FindDeployable(deployable)
	if err != nil {
		return nil, err
	}

	var targets []Target
	envName := ""
	approvers := make(map[string]bool)

	for _, repo := range d.Repos {
		for _, env := range repo.Environments {
			if !looseEq(env.Name, environment) {
				continue
			}
			envName = env.Name

			targets = append(targets, Target{
				Repository:   repo.Name,
				URL:          repo.URL,
				SSHKeyPath:   repo.SSHKeyPath,
				BaseBranch:   env.BaseBranch,
				TargetBranch: env.TargetBranch,
			})

			for _, a := range env.Approvers {
				if a.UserID != "" {
					approvers[a.UserID] = true
					continue
				}
				members, err := dir.ExpandGroup(a.GroupID)
				if err != nil {
					return nil, fmt.Errorf("failed to expand group %q: %w", a.GroupID, err)
				}
				for _, m := range members {
					approvers[m] = true
				}
			}
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %q in deployable %q", ErrNoMatchingEnvironment, environment, d.Name)
	}

	// A deployable/environment whose approver set resolves empty is a
	// configuration error, never an auto-approved deploy.
	if len(approvers) == 0 {
		return nil, fmt.Errorf("%w: %q/%q", ErrNoApprovers, d.Name, environment)
	}

	if !approvers[requesterID] {
		return nil, fmt.Errorf("%w: user %q, environment %q", ErrNotAuthorized, requesterID, environment)
	}

	flat := make([]string, 0, len(approvers))
	for id := range approvers {
		flat = append(flat, id)
	}
	sort.Strings(flat)

	return &Resolution{
		Deployable:  d.Name,
		Environment: envName,
		Targets:     targets,
		Approvers:   flat,
	}, nil
}
