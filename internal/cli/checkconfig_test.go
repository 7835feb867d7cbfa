package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/abhs/internal/config"
)

func executeCheckConfig(t *testing.T, opts *RootOptions) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewCheckConfigCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	return buf.String(), err
}

func TestCheckConfigDefaults(t *testing.T) {
	t.Setenv(config.EnvDeviceToken, "")
	t.Setenv(config.EnvPort, "")

	out, err := executeCheckConfig(t, &RootOptions{Format: "text"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "127.0.0.1", got["host"])
	assert.Equal(t, float64(23554), got["port"])
	assert.Equal(t, ":8080", got["listen"])
	assert.Equal(t, "30s", got["call_timeout"])
}

func TestCheckConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abhs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"device_token": "file-token", "offset": 120}`), 0644))
	t.Setenv(config.EnvPort, "9090")

	out, err := executeCheckConfig(t, &RootOptions{Format: "json", ConfigPath: path})
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "****", resp.Data["device_token"])
	assert.Equal(t, float64(120), resp.Data["offset"])
	assert.Equal(t, ":9090", resp.Data["listen"])
}

func TestCheckConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abhs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"update_interval": -1}`), 0644))

	out, err := executeCheckConfig(t, &RootOptions{Format: "json", ConfigPath: path})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, config.ErrCodeInvalid, resp.Error.Code)
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok, "details: %#v", resp.Error.Details)
	assert.Equal(t, path, details["path"])
	assert.NotEmpty(t, details["cause"])
}

func TestCheckConfigMissingFile(t *testing.T) {
	out, err := executeCheckConfig(t, &RootOptions{Format: "text", ConfigPath: "/nonexistent/abhs.json"})
	require.Error(t, err)
	assert.Contains(t, out, "Error [CONFIG_NOT_FOUND]")
}
