package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/abhs/internal/config"
	"github.com/roach88/abhs/internal/script"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"name": "a.funscript"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"name": "a.funscript"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeNoScript, "no script for a.mp4", map[string]string{"path": "a.mp4"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNoScript, resp.Error.Code)
	assert.Equal(t, "no script for a.mp4", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_Text(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Success("Script: a.funscript"))
		assert.Equal(t, "Script: a.funscript\n", buf.String())
	})

	t.Run("error", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Error(ErrCodeResolve, "catalog unreachable", "dial tcp: refused"))
		assert.Contains(t, buf.String(), "Error [E_RESOLVE]: catalog unreachable")
		assert.NotContains(t, buf.String(), "Details:")
	})

	t.Run("error verbose", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

		require.NoError(t, formatter.Error(ErrCodeResolve, "catalog unreachable", "dial tcp: refused"))
		assert.Contains(t, buf.String(), "Details: dial tcp: refused")
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Searching %s", "/scripts")

			assert.Empty(t, out.String(), "verbose output must not corrupt stdout")
			if tt.wantLog {
				assert.Contains(t, errOut.String(), "Searching /scripts")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestExitError(t *testing.T) {
	base := errors.New("address already in use")
	err := WrapExitError(ExitCommandError, "failed to listen", base)

	assert.Equal(t, "failed to listen: address already in use", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("serve: %w", err)))

	assert.Equal(t, "2 scenario(s) failed", NewExitError(ExitFailure, "2 scenario(s) failed").Error())
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestDescribeError(t *testing.T) {
	refused := errors.New("connection refused")
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
		wantDetails any
	}{
		{
			name:        "config",
			err:         &config.LoadError{Code: config.ErrCodeSyntax, Path: "abhs.json", Message: "unexpected '}'", Err: refused},
			wantCode:    config.ErrCodeSyntax,
			wantMessage: "unexpected '}'",
			wantDetails: ConfigDetails{Path: "abhs.json", Cause: "connection refused"},
		},
		{
			name:        "catalog unreachable",
			err:         fmt.Errorf("resolve: %w", &script.CatalogError{Op: "scene", URL: "http://xbvr/heresphere/1", Err: refused}),
			wantCode:    ErrCodeResolve,
			wantMessage: "resolve: catalog scene http://xbvr/heresphere/1: connection refused",
			wantDetails: CatalogDetails{Op: "scene", URL: "http://xbvr/heresphere/1", Unreachable: true},
		},
		{
			name:        "catalog status",
			err:         &script.CatalogError{Op: "script", URL: "http://xbvr/s.funscript", StatusCode: 404},
			wantCode:    ErrCodeResolve,
			wantMessage: "catalog script http://xbvr/s.funscript: status 404",
			wantDetails: CatalogDetails{Op: "script", URL: "http://xbvr/s.funscript", Status: 404},
		},
		{
			name:        "invalid script",
			err:         &script.InvalidScriptError{Location: "/s/a.funscript", Err: errors.New("funscript has no actions")},
			wantCode:    ErrCodeResolve,
			wantMessage: "invalid script /s/a.funscript: funscript has no actions",
			wantDetails: ScriptDetails{Location: "/s/a.funscript", Cause: "funscript has no actions"},
		},
		{
			name:        "unknown",
			err:         refused,
			wantCode:    ErrCodeResolve,
			wantMessage: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg, details := describeError(tt.err, ErrCodeResolve)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMessage, msg)
			assert.Equal(t, tt.wantDetails, details)
		})
	}
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := &script.CatalogError{Op: "scene", URL: "http://xbvr/heresphere/42", StatusCode: 502}
	err := formatter.Fail(ExitFailure, ErrCodeResolve, "script lookup failed", cause)

	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, cause)
	assert.JSONEq(t, `{
		"status": "error",
		"error": {
			"code": "E_RESOLVE",
			"message": "catalog scene http://xbvr/heresphere/42: status 502",
			"details": {"op": "scene", "url": "http://xbvr/heresphere/42", "status": 502, "unreachable": false}
		}
	}`, buf.String())
}
