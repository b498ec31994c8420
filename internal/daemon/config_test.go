package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	t.Setenv("TEST_IRIS_KEY", "sk-secret")
	t.Setenv("TEST_IRIS_OPERATOR", "@ana:example.com")

	path := writeConfig(t, "iris.json", `{
		"data_dir": "/var/lib/iris",
		"matrix": {"password": "pw", "allowed_users": ["$TEST_IRIS_OPERATOR"]},
		"llm": {"fast": {"provider": "deepseek", "api_key": "$TEST_IRIS_KEY", "base_url": "https://api.deepseek.com"}},
		"agent": {"max_rounds": 5, "history_turns": 100},
		"reflection": {"destination": "$TEST_IRIS_UNSET"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.LLM.Fast.APIKey)
	assert.Equal(t, []string{"@ana:example.com"}, cfg.Matrix.AllowedUsers)
	assert.Equal(t, "$TEST_IRIS_UNSET", cfg.Reflection.Destination, "unset references stay literal")
	assert.Equal(t, 5, cfg.Agent.MaxRounds)
	assert.Equal(t, 30, cfg.Agent.HistoryTurns, "history turns are capped by capacity")
	assert.Equal(t, filepath.Join("/var/lib/iris", "workspace"), cfg.Tools.WorkspaceDir)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "iris.yaml", `
name: iris-dev
utc_offset: 1
reflection:
  time: "22:30"
  topics: [golang, astronomia]
tools:
  code_timeout: 45s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "iris-dev", cfg.Name)
	assert.Equal(t, "22:30", cfg.Reflection.Time)
	assert.Equal(t, []string{"golang", "astronomia"}, cfg.Reflection.Topics)
	assert.Equal(t, "45s", cfg.Tools.CodeTimeout)
	assert.Equal(t, "UTC+1", cfg.Location().String())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "iris.json", `{}`))
	require.NoError(t, err)

	assert.Equal(t, "iris", cfg.Name)
	assert.Equal(t, 8, cfg.Agent.MaxRounds)
	assert.Equal(t, 4000, cfg.Agent.MaxTokens)
	assert.Equal(t, 30, cfg.Agent.HistoryCapacity)
	assert.Equal(t, 30, cfg.Agent.HistoryTurns)
	assert.Equal(t, "23:00", cfg.Reflection.Time)
	assert.Equal(t, 7, cfg.Reflection.Keep)
	assert.Equal(t, 1, cfg.LLM.Retry.MaxAttempts)
	assert.Equal(t, DefaultSocketPath, cfg.Workspace.SocketPath)

	loc := cfg.Location()
	assert.Equal(t, "BRT", loc.String())
	_, offset := time.Date(2026, 1, 1, 12, 0, 0, 0, loc).Zone()
	assert.Equal(t, -3*3600, offset)
}

func TestLoadConfigUTC(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "iris.json", `{"utc_offset": 0}`))
	require.NoError(t, err)
	_, offset := time.Date(2026, 1, 1, 12, 0, 0, 0, cfg.Location()).Zone()
	assert.Zero(t, offset)

	cfg, err = LoadConfig(writeConfig(t, "iris.yaml", "utc_offset: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.UTCOffset)

	t.Setenv("IRIS_UTC_OFFSET", "0")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Zero(t, cfg.UTCOffset)
	assert.Equal(t, "UTC+0", cfg.Location().String())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "bad.json", `{"agent": `))
	assert.ErrorContains(t, err, "parse config")

	_, err = LoadConfig(writeConfig(t, "bad.yaml", "agent:\n  call_timeout: soon\n"))
	assert.ErrorContains(t, err, "agent.call_timeout")

	_, err = LoadConfig(writeConfig(t, "bad.json", `{"agent": {"max_rounds": -1}}`))
	assert.ErrorContains(t, err, "max_rounds")

	_, err = LoadConfig(writeConfig(t, "bad.json", `{"utc_offset": 20}`))
	assert.ErrorContains(t, err, "utc_offset")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("IRIS_DATA_DIR", "/tmp/iris-data")
	t.Setenv("DEEPSEEK_API_KEY", "sk-ds")
	t.Setenv("ALLOWED_USERS", "@a:x, @b:x,")
	t.Setenv("IRIS_REFLECTION_TIME", "21:15")
	t.Setenv("IRIS_REFLECTION_TOPICS", "ia,clima")
	t.Setenv("IRIS_LLM_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/iris-data", cfg.DataDir)
	assert.Equal(t, "sk-ds", cfg.LLM.Fast.APIKey)
	assert.Equal(t, "https://api.deepseek.com", cfg.LLM.Fast.BaseURL)
	assert.Equal(t, []string{"@a:x", "@b:x"}, cfg.Matrix.AllowedUsers)
	assert.Equal(t, "21:15", cfg.Reflection.Time)
	assert.Equal(t, []string{"ia", "clima"}, cfg.Reflection.Topics)
	assert.Equal(t, 3, cfg.LLM.Retry.MaxAttempts)
	assert.True(t, cfg.Workspace.Enabled)
	assert.Equal(t, filepath.Join("/tmp/iris-data", "images"), cfg.Tools.ImageDir)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 45*time.Second, parseDuration("45s", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("-5s", time.Minute))
}

func TestSetDataDir(t *testing.T) {
	cfg := &Config{DataDir: "data", Tools: ToolsConfig{ImageDir: "/srv/images"}}
	cfg.applyDefaults()

	cfg.SetDataDir("/var/lib/iris")
	assert.Equal(t, "/var/lib/iris", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/iris", "workspace"), cfg.Tools.WorkspaceDir)
	assert.Equal(t, "/srv/images", cfg.Tools.ImageDir, "explicit directories stay")
}
