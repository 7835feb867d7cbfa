package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultNamespace is the catalog path segment scene ids live under.
const DefaultNamespace = "heresphere"

// maxScriptBytes caps downloaded script size.
const maxScriptBytes = 32 << 20

// CatalogError is a failed catalog request. StatusCode is zero when the
// service could not be reached at all.
type CatalogError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *CatalogError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog %s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("catalog %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// IsUnreachable reports whether err is a catalog request that never got a
// response (refused, reset, timed out), as opposed to a non-2xx status.
func IsUnreachable(err error) bool {
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.StatusCode == 0
	}
	return false
}

// Catalog is a client for the media library's scene API.
type Catalog struct {
	http      *http.Client
	base      *url.URL
	namespace string
}

// NewCatalog creates a client rooted at baseURL. namespace defaults to
// DefaultNamespace and httpClient to http.DefaultClient.
func NewCatalog(baseURL, namespace string, httpClient *http.Client) (*Catalog, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("catalog url %q: must be absolute", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Catalog{http: httpClient, base: base, namespace: strings.Trim(namespace, "/")}, nil
}

type sceneResponse struct {
	Scripts []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"scripts"`
}

// ScriptURL returns the absolute URL of the first script attached to scene
// id, or "" when the scene has none.
func (c *Catalog) ScriptURL(ctx context.Context, id string) (string, error) {
	u := c.base.ResolveReference(&url.URL{Path: c.namespace + "/" + url.PathEscape(id)})

	body, err := c.get(ctx, "scene", u.String())
	if err != nil {
		return "", err
	}
	defer body.Close()

	var scene sceneResponse
	if err := json.NewDecoder(body).Decode(&scene); err != nil {
		return "", &CatalogError{Op: "scene", URL: u.String(), Err: fmt.Errorf("decode: %w", err)}
	}
	if len(scene.Scripts) == 0 || scene.Scripts[0].URL == "" {
		return "", nil
	}

	ref, err := url.Parse(scene.Scripts[0].URL)
	if err != nil {
		return "", &CatalogError{Op: "scene", URL: u.String(), Err: fmt.Errorf("script url: %w", err)}
	}
	return c.base.ResolveReference(ref).String(), nil
}

// Fetch downloads the script at scriptURL.
func (c *Catalog) Fetch(ctx context.Context, scriptURL string) ([]byte, error) {
	body, err := c.get(ctx, "script", scriptURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxScriptBytes))
	if err != nil {
		return nil, &CatalogError{Op: "script", URL: scriptURL, Err: err}
	}
	return data, nil
}

func (c *Catalog) get(ctx context.Context, op, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &CatalogError{Op: op, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &CatalogError{Op: op, URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &CatalogError{Op: op, URL: target, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
