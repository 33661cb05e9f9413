package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  port: 9090
  api_keys:
    - name: ci
      key: test-key-1

slack:
  token: ${MERGEBOT_TEST_TOKEN}
  channel_id: C123456

git:
  work_dir: /tmp/repos
  ssh_key_path: /tmp/id_ed25519

deploy:
  approval_timeout: 15m

database:
  path: /tmp/mergebot.db

deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:todos/backend.git
        environments:
          - name: staging
            base_branch: main
            target_branch: staging
            approvers:
              - user_id: U1
              - group_id: G_OPS
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("MERGEBOT_TEST_TOKEN", "xoxb-secret")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "xoxb-secret", cfg.Slack.Token, "environment variables are expanded")
	assert.Equal(t, "C123456", cfg.Slack.ChannelID)
	assert.Equal(t, "/tmp/repos", cfg.Git.WorkDir)
	assert.Equal(t, 15*time.Minute, cfg.ApprovalTimeout())

	require.Len(t, cfg.Deployables, 1)
	d := cfg.Deployables[0]
	assert.Equal(t, "todos", d.Name)
	require.Len(t, d.Repos, 1)
	require.Len(t, d.Repos[0].Environments, 1)
	assert.Equal(t, "main", d.Repos[0].Environments[0].BaseBranch)
}

func TestLoad_Defaults(t *testing.T) {
	minimal := `
deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:todos/backend.git
        environments:
          - name: staging
            base_branch: main
            target_branch: staging
            approvers:
              - user_id: U1
`

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "approve", cfg.Slack.ApprovalReaction)
	assert.Equal(t, "https://slack.com/api", cfg.Slack.BaseURL)
	assert.Equal(t, "/data/mergebot-repos", cfg.Git.WorkDir)
	assert.Equal(t, "/data/mergebot.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Minute, cfg.ApprovalTimeout())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidConfigs(t *testing.T) {
	env := `
        environments:
          - name: staging
            base_branch: main
            target_branch: staging
            approvers:
              - user_id: U1
`

	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "no deployables",
			content: "server:\n  port: 8080\n",
			wantMsg: "invalid config",
		},
		{
			name: "deployable name with spaces",
			content: `
deployables:
  - name: "my app"
    repos:
      - name: backend
        url: git@example.com:a.git` + env,
			wantMsg: "no_spaces",
		},
		{
			name: "repo without environments",
			content: `
deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:a.git
`,
			wantMsg: "invalid config",
		},
		{
			name: "approver with both user and group",
			content: `
deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:a.git
        environments:
          - name: staging
            base_branch: main
            target_branch: staging
            approvers:
              - user_id: U1
                group_id: G_OPS
`,
			wantMsg: "exactly one of user_id or group_id",
		},
		{
			name: "approver with neither user nor group",
			content: `
deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:a.git
        environments:
          - name: staging
            base_branch: main
            target_branch: staging
            approvers:
              - {}
`,
			wantMsg: "invalid config",
		},
		{
			name: "duplicate deployable names fold case",
			content: `
deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:a.git` + env + `
  - name: Todos
    repos:
      - name: other
        url: git@example.com:b.git` + env,
			wantMsg: "duplicate deployable name",
		},
		{
			name: "unparseable approval timeout",
			content: `
deploy:
  approval_timeout: soon
deployables:
  - name: todos
    repos:
      - name: backend
        url: git@example.com:a.git` + env,
			wantMsg: "approval_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	cfg := &Config{Server: Server{APIKeys: []APIKey{
		{Name: "ci", Key: "key-one"},
		{Name: "ops", Key: "key-two"},
	}}}

	assert.True(t, cfg.ValidateAPIKey("key-one"))
	assert.True(t, cfg.ValidateAPIKey("key-two"))
	assert.False(t, cfg.ValidateAPIKey("key-three"))
	assert.False(t, cfg.ValidateAPIKey(""))
}
