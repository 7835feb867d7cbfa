// Package script finds the motion script that belongs to a video.
//
// Resolution looks at the last component of the video path:
//
//  1. A name with a file extension is a local video. The extension is
//     swapped for .funscript and the configured directories are searched
//     in order.
//  2. A name starting with "<digits> - " is a catalog scene. Its script URL
//     is looked up by id (through the cache) and downloaded.
//  3. Anything else has no script.
//
// A name that matches both rules tries the directories first.
//
// "Not found" is (nil, nil). Errors are reserved for lookups that could not
// be completed, so callers can log the two differently.
package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/abhs/internal/ir"
)

// Extension is the script file extension.
const Extension = ".funscript"

var (
	extPattern   = regexp.MustCompile(`\.\w{3,5}$`)
	scenePattern = regexp.MustCompile(`^(\d+) - `)
)

// InvalidScriptError is returned when a script was found but does not parse.
type InvalidScriptError struct {
	Location string
	Err      error
}

func (e *InvalidScriptError) Error() string {
	return fmt.Sprintf("invalid script %s: %v", e.Location, e.Err)
}

func (e *InvalidScriptError) Unwrap() error {
	return e.Err
}

// Cache stores catalog lookups. *store.Store implements it.
type Cache interface {
	LookupScriptURL(ctx context.Context, sceneID string, maxAge time.Duration, now time.Time) (string, bool, error)
	PutScriptURL(ctx context.Context, sceneID, url string, at time.Time) error
	Forget(ctx context.Context, sceneID string) error
}

// Resolver implements the resolution rules.
type Resolver struct {
	dirs     []string
	catalog  *Catalog
	cache    Cache
	cacheTTL time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCatalog enables catalog lookups.
func WithCatalog(c *Catalog) Option {
	return func(r *Resolver) {
		r.catalog = c
	}
}

// WithCache caches catalog lookups for ttl.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithTimeout bounds each catalog request.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithNow overrides the clock used for cache ages.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver searches dirs in order for local scripts.
func NewResolver(dirs []string, opts ...Option) *Resolver {
	r := &Resolver{
		dirs:    append([]string(nil), dirs...),
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the script for videoPath, or (nil, nil) if it has none.
func (r *Resolver) Resolve(ctx context.Context, videoPath string) (*ir.ScriptAsset, error) {
	name := baseName(videoPath)

	if extPattern.MatchString(name) {
		asset, err := r.findLocal(name)
		if err != nil || asset != nil {
			return asset, err
		}
	}

	if m := scenePattern.FindStringSubmatch(name); m != nil && r.catalog != nil {
		return r.fromCatalog(ctx, m[1])
	}

	return nil, nil
}

// ScriptName maps a video file name to its script file name.
func ScriptName(videoName string) string {
	return extPattern.ReplaceAllString(videoName, Extension)
}

func (r *Resolver) findLocal(videoName string) (*ir.ScriptAsset, error) {
	name := ScriptName(videoName)
	for _, dir := range r.dirs {
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", p, err)
		}
		if _, err := ir.ParseFunscript(data); err != nil {
			return nil, &InvalidScriptError{Location: p, Err: err}
		}
		slog.Debug("script found locally", "path", p)
		return &ir.ScriptAsset{
			Name:     name,
			Source:   ir.ScriptSourceLocal,
			Location: p,
			Data:     data,
		}, nil
	}
	return nil, nil
}

func (r *Resolver) fromCatalog(ctx context.Context, sceneID string) (*ir.ScriptAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scriptURL, cached, err := r.lookupScriptURL(ctx, sceneID)
	if err != nil || scriptURL == "" {
		return nil, err
	}

	data, err := r.catalog.Fetch(ctx, scriptURL)
	if err != nil {
		// A cached URL may have moved; look the scene up again next time.
		if cached {
			if ferr := r.cache.Forget(ctx, sceneID); ferr != nil {
				slog.Warn("catalog cache forget failed", "scene", sceneID, "error", ferr)
			}
		}
		return nil, err
	}
	if _, err := ir.ParseFunscript(data); err != nil {
		return nil, &InvalidScriptError{Location: scriptURL, Err: err}
	}

	return &ir.ScriptAsset{
		Name:     assetName(scriptURL, sceneID),
		Source:   ir.ScriptSourceCatalog,
		Location: scriptURL,
		Data:     data,
	}, nil
}

func (r *Resolver) lookupScriptURL(ctx context.Context, sceneID string) (string, bool, error) {
	if r.cache != nil {
		u, ok, err := r.cache.LookupScriptURL(ctx, sceneID, r.cacheTTL, r.now())
		if err != nil {
			slog.Warn("catalog cache lookup failed", "scene", sceneID, "error", err)
		} else if ok {
			return u, true, nil
		}
	}

	u, err := r.catalog.ScriptURL(ctx, sceneID)
	if err != nil || u == "" {
		return "", false, err
	}

	if r.cache != nil {
		if err := r.cache.PutScriptURL(ctx, sceneID, u, r.now()); err != nil {
			slog.Warn("catalog cache write failed", "scene", sceneID, "error", err)
		}
	}
	return u, false, nil
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func assetName(scriptURL, sceneID string) string {
	if u, err := url.Parse(scriptURL); err == nil {
		if name := path.Base(u.Path); name != "." && name != "/" && name != "" {
			return name
		}
	}
	return sceneID + Extension
}
