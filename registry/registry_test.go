package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/mergebot/config"
)

type staticDirectory struct {
	groups map[string][]string
}

func (d *staticDirectory) ExpandGroup(groupID string) ([]string, error) {
	users, ok := d.groups[groupID]
	if !ok {
		return nil, errors.New("no such group")
	}
	return users, nil
}

func testRegistry() *Registry {
	return New([]config.Deployable{
		{
			Name: "todos",
			Repos: []config.Repo{
				{
					Name: "backend", URL: "git@example.com:todos/backend.git",
					Environments: []config.Environment{
						{
							Name: "staging", BaseBranch: "main", TargetBranch: "staging",
							Approvers: []config.Approver{{UserID: "U1"}, {UserID: "U2"}},
						},
						{
							Name: "production", BaseBranch: "staging", TargetBranch: "production",
							Approvers: []config.Approver{{GroupID: "G_LEADS"}},
						},
					},
				},
				{
					Name: "frontend", URL: "git@example.com:todos/frontend.git",
					Environments: []config.Environment{
						{
							Name: "staging", BaseBranch: "main", TargetBranch: "staging",
							Approvers: []config.Approver{{UserID: "U2"}, {GroupID: "G_OPS"}},
						},
					},
				},
			},
		},
		{
			Name: "billing",
			Repos: []config.Repo{
				{
					Name: "billing", URL: "git@example.com:billing/billing.git",
					Environments: []config.Environment{
						{
							Name: "staging", BaseBranch: "main", TargetBranch: "staging",
							Approvers: []config.Approver{{GroupID: "G_EMPTY"}},
						},
					},
				},
			},
		},
	})
}

func testDirectory() *staticDirectory {
	return &staticDirectory{groups: map[string][]string{
		"G_OPS":   {"U3", "U1"},
		"G_LEADS": {"U4"},
		"G_EMPTY": {},
	}}
}

func TestFindDeployable(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name    string
		lookup  string
		want    string
		wantErr error
	}{
		{"exact match", "todos", "todos", nil},
		{"case insensitive", "TODOS", "todos", nil},
		{"surrounding whitespace", "  todos ", "todos", nil},
		{"unknown", "nope", "", ErrUnknownDeployable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.FindDeployable(tt.lookup)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name)
		})
	}
}

func TestResolve(t *testing.T) {
	r := testRegistry()

	res, err := r.Resolve("todos", "staging", "U1", testDirectory())
	require.NoError(t, err)

	assert.Equal(t, "todos", res.Deployable)
	assert.Equal(t, "staging", res.Environment)

	// Only repos that define the environment participate, in config order
	require.Len(t, res.Targets, 2)
	assert.Equal(t, "backend", res.Targets[0].Repository)
	assert.Equal(t, "main", res.Targets[0].BaseBranch)
	assert.Equal(t, "staging", res.Targets[0].TargetBranch)
	assert.Equal(t, "frontend", res.Targets[1].Repository)

	// Union of both repos' approvers, group expanded, deduplicated, sorted
	assert.Equal(t, []string{"U1", "U2", "U3"}, res.Approvers)
}

func TestResolve_EnvironmentSubset(t *testing.T) {
	r := testRegistry()

	// Only backend defines production; frontend sits the deploy out
	res, err := r.Resolve("todos", "production", "U4", testDirectory())
	require.NoError(t, err)

	require.Len(t, res.Targets, 1)
	assert.Equal(t, "backend", res.Targets[0].Repository)
	assert.Equal(t, []string{"U4"}, res.Approvers)
}

func TestResolve_CanonicalizesNames(t *testing.T) {
	r := testRegistry()

	res, err := r.Resolve(" TODOS", "Staging ", "U1", testDirectory())
	require.NoError(t, err)
	assert.Equal(t, "todos", res.Deployable)
	assert.Equal(t, "staging", res.Environment)
}

func TestResolve_Errors(t *testing.T) {
	r := testRegistry()
	dir := testDirectory()

	tests := []struct {
		name        string
		deployable  string
		environment string
		requester   string
		wantErr     error
	}{
		{"unknown deployable", "nope", "staging", "U1", ErrUnknownDeployable},
		{"no repo defines environment", "todos", "qa", "U1", ErrNoMatchingEnvironment},
		{"requester outside approver set", "todos", "staging", "U9", ErrNotAuthorized},
		{"empty approver union", "billing", "staging", "U1", ErrNoApprovers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.deployable, tt.environment, tt.requester, dir)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolve_GroupExpansionFailure(t *testing.T) {
	r := New([]config.Deployable{
		{
			Name: "todos",
			Repos: []config.Repo{
				{
					Name: "backend", URL: "git@example.com:todos/backend.git",
					Environments: []config.Environment{
						{
							Name: "staging", BaseBranch: "main", TargetBranch: "staging",
							Approvers: []config.Approver{{GroupID: "G_MISSING"}},
						},
					},
				},
			},
		},
	})

	_, err := r.Resolve("todos", "staging", "U1", testDirectory())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "G_MISSING")
}
