package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server_addr: parsec3://parsec.example.com
organization: MyOrg
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "parsec3://parsec.example.com", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.NotEmpty(t, cfg.PreventSyncPattern)
	assert.Equal(t, 320.0, cfg.BallparkLateOffset)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server_addr: parsec3://parsec.example.com
organization: MyOrg
log_level: debug
sync_interval: 5s
prevent_sync_pattern: '^.*\.swp$'
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, `^.*\.swp$`, cfg.PreventSyncPattern)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing server", content: "organization: MyOrg"},
		{name: "missing organization", content: "server_addr: parsec3://x.example.com"},
		{
			name: "bad pattern",
			content: `
server_addr: parsec3://x.example.com
organization: MyOrg
prevent_sync_pattern: '['
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
