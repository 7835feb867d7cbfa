// Package config loads the service configuration.
//
// A configuration file is CUE or plain JSON (JSON is valid CUE). It is
// unified with an embedded schema that rejects unknown keys and supplies
// defaults for missing ones, so an empty file is a complete configuration.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override file values.
const (
	EnvDeviceToken = "ABHS_DEVICE_TOKEN"
	EnvXBVRURL     = "ABHS_XBVR_URL"
	EnvPort        = "PORT"
)

// Config is the effective configuration.
type Config struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	DeviceToken      string        `json:"device_token"`
	DeviceAPI        string        `json:"device_api"`
	Offset           int64         `json:"offset"`
	UpdateInterval   float64       `json:"update_interval"`
	FunscriptPaths   []string      `json:"funscript_paths"`
	XBVRURL          string        `json:"xbvr_url"`
	CatalogNamespace string        `json:"catalog_namespace"`
	CacheDB          string        `json:"cache_db"`
	CacheTTL         time.Duration `json:"-"`
	CallTimeout      time.Duration `json:"-"`
	Listen           string        `json:"listen"`
}

// fileConfig is the decoded CUE value; durations are still strings.
type fileConfig struct {
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	DeviceToken      string   `json:"device_token"`
	DeviceAPI        string   `json:"device_api"`
	Offset           int64    `json:"offset"`
	UpdateInterval   float64  `json:"update_interval"`
	FunscriptPaths   []string `json:"funscript_paths"`
	XBVRURL          string   `json:"xbvr_url"`
	CatalogNamespace string   `json:"catalog_namespace"`
	CacheDB          string   `json:"cache_db"`
	CacheTTL         string   `json:"cache_ttl"`
	CallTimeout      string   `json:"call_timeout"`
	Listen           string   `json:"listen"`
}

// Error codes for LoadError.
const (
	ErrCodeNotFound = "CONFIG_NOT_FOUND"
	ErrCodeSyntax   = "CONFIG_SYNTAX"
	ErrCodeInvalid  = "CONFIG_INVALID"
)

// LoadError is a configuration that could not be loaded.
type LoadError struct {
	Code    string
	Path    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsInvalid reports whether err is a schema violation.
func IsInvalid(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == ErrCodeInvalid
}

// Default returns the schema defaults.
func Default() *Config {
	cfg, err := Parse(nil, "")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Path: path, Message: err.Error(), Err: err}
	}
	return Parse(data, path)
}

// Parse validates data against the schema. An empty data yields the
// defaults. filename is only used in error messages.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if len(strings.TrimSpace(string(data))) == 0 {
		data = []byte("{}")
	}
	src := ctx.CompileBytes(data, cue.Filename(filename))
	if err := src.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeSyntax, Path: filename, Message: describe(err), Err: err}
	}

	v := def.Unify(src)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: filename, Message: describe(err), Err: err}
	}

	var fc fileConfig
	if err := v.Decode(&fc); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: filename, Message: describe(err), Err: err}
	}
	return fc.resolve(filename)
}

func (fc fileConfig) resolve(filename string) (*Config, error) {
	cacheTTL, err := time.ParseDuration(fc.CacheTTL)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: filename, Message: "cache_ttl: " + err.Error(), Err: err}
	}
	callTimeout, err := time.ParseDuration(fc.CallTimeout)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: filename, Message: "call_timeout: " + err.Error(), Err: err}
	}
	if callTimeout <= 0 {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: filename, Message: "call_timeout: must be positive"}
	}

	paths := fc.FunscriptPaths
	if paths == nil {
		paths = []string{}
	}
	return &Config{
		Host:             fc.Host,
		Port:             fc.Port,
		DeviceToken:      fc.DeviceToken,
		DeviceAPI:        fc.DeviceAPI,
		Offset:           fc.Offset,
		UpdateInterval:   fc.UpdateInterval,
		FunscriptPaths:   paths,
		XBVRURL:          strings.TrimRight(fc.XBVRURL, "/"),
		CatalogNamespace: fc.CatalogNamespace,
		CacheDB:          fc.CacheDB,
		CacheTTL:         cacheTTL,
		CallTimeout:      callTimeout,
		Listen:           fc.Listen,
	}, nil
}

// ApplyEnv overrides file values with the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDeviceToken); ok && v != "" {
		c.DeviceToken = v
	}
	if v, ok := lookup(EnvXBVRURL); ok && v != "" {
		c.XBVRURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		c.Listen = ":" + v
	}
}

// MarshalJSON renders the configuration with the device token masked.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	out := struct {
		plain
		CacheTTL    string `json:"cache_ttl"`
		CallTimeout string `json:"call_timeout"`
	}{
		plain:       plain(c),
		CacheTTL:    c.CacheTTL.String(),
		CallTimeout: c.CallTimeout.String(),
	}
	if out.DeviceToken != "" {
		out.DeviceToken = "****"
	}
	return json.Marshal(out)
}

// describe flattens CUE's multi-error into one line per problem.
func describe(err error) string {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%d:%d: %s", pos.Line(), pos.Column(), msg)
		}
		lines = append(lines, msg)
	}
	if len(lines) == 0 {
		return err.Error()
	}
	return strings.Join(lines, "; ")
}
