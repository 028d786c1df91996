package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, BackendAuto, c.StoreBackend)
	assert.True(t, c.ProfileLookup)
	assert.NotEmpty(t, c.AppSecret, "an ephemeral secret is generated")
	assert.True(t, c.IsDevelopment())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, "framerate.yaml", `
port: "9000"
store_backend: memory
cors_allowed_origins: ["http://a.test"]
profile_timeout: 2s
app_secret: from-file
`)
	t.Setenv("PORT", "9100")
	t.Setenv("REQUIRE_PARTICIPANT_TOKEN", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://b.test, http://c.test")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", c.Port, "env wins over file")
	assert.Equal(t, BackendMemory, c.StoreBackend)
	assert.Equal(t, 2*time.Second, c.ProfileTimeout)
	assert.Equal(t, "from-file", c.AppSecret)
	assert.True(t, c.RequireParticipantToken)
	assert.Equal(t, []string{"http://b.test", "http://c.test"}, c.CORSAllowedOrigins)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "framerate.json", `{"port":"7000","env":"production"}`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", c.Port)
	assert.False(t, c.IsDevelopment())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		path string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "etcd"}, ""},
		{"postgres without url", map[string]string{"STORE_BACKEND": "postgres"}, ""},
		{"bad bool", map[string]string{"PROFILE_LOOKUP": "maybe"}, ""},
		{"missing file", nil, "/nonexistent/framerate.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.path)
			assert.Error(t, err)
		})
	}
}
