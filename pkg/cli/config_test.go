package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserConfig_ActiveProfile(t *testing.T) {
	cfg := &UserConfig{
		CurrentProfile: "default",
		Profiles: map[string]Profile{
			"default": {Host: "http://localhost:8080", DataSource: "glue", Output: "table"},
			"staging": {Host: "https://staging.example.com", Output: "json"},
		},
	}

	tests := []struct {
		name     string
		override string
		wantHost string
		wantErr  string
	}{
		{name: "uses current profile", wantHost: "http://localhost:8080"},
		{name: "override to staging", override: "staging", wantHost: "https://staging.example.com"},
		{name: "nonexistent profile", override: "nonexistent", wantErr: `profile "nonexistent" not found`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := cfg.ActiveProfile(tt.override)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, p.Host)
		})
	}
}

func TestUserConfig_MissingCurrentProfileIsEmpty(t *testing.T) {
	cfg := &UserConfig{CurrentProfile: "gone", Profiles: map[string]Profile{}}
	p, err := cfg.ActiveProfile("")
	require.NoError(t, err)
	assert.Equal(t, Profile{}, p)
}

func TestLoadSaveUserConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg := &UserConfig{
		CurrentProfile: "test",
		Profiles: map[string]Profile{
			"test": {Host: "http://test:8080", DataSource: "glue"},
		},
	}
	require.NoError(t, SaveUserConfig(cfg))

	_, err := os.Stat(filepath.Join(dir, ".duck-async", "config.yaml"))
	require.NoError(t, err)

	loaded, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, "test", loaded.CurrentProfile)
	require.Contains(t, loaded.Profiles, "test")
	assert.Equal(t, "http://test:8080", loaded.Profiles["test"].Host)
	assert.Equal(t, "glue", loaded.Profiles["test"].DataSource)
}

func TestLoadUserConfig_NotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := LoadUserConfig()
	require.Error(t, err)
}
