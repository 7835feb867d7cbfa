package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/roach88/abhs/internal/ir"
)

// DefaultAutoblowAPI is the latency-routing endpoint that tells a device
// token which cluster serves it.
const DefaultAutoblowAPI = "https://latency.autoblowapi.com"

// ErrDeviceOffline is returned by Init when the cloud reports the device as
// not connected.
var ErrDeviceOffline = errors.New("device is not connected to the cloud")

// AutoblowClient implements Vendor against the Autoblow cloud API.
type AutoblowClient struct {
	http   *http.Client
	apiURL string

	mu      sync.Mutex
	token   string
	baseURL string // cluster endpoint, set by Init
}

// NewAutoblowClient creates a client. apiURL defaults to DefaultAutoblowAPI
// and httpClient to http.DefaultClient. Request deadlines come from the
// context passed by Session.
func NewAutoblowClient(apiURL string, httpClient *http.Client) *AutoblowClient {
	if apiURL == "" {
		apiURL = DefaultAutoblowAPI
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AutoblowClient{
		http:   httpClient,
		apiURL: strings.TrimRight(apiURL, "/"),
	}
}

// Init resolves the cluster serving token.
func (c *AutoblowClient) Init(ctx context.Context, token string) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/autoblow/connected", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-device-token", token)

	var info Info
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	if !info.Connected || info.Cluster == "" {
		return nil, ErrDeviceOffline
	}

	base := info.Cluster
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	c.mu.Lock()
	c.token = token
	c.baseURL = strings.TrimRight(base, "/") + "/autoblow/"
	c.mu.Unlock()

	return &info, nil
}

// State fetches the device state.
func (c *AutoblowClient) State(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "state", nil, "")
	if err != nil {
		return nil, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UploadScript sends asset as a multipart funscript upload.
func (c *AutoblowClient) UploadScript(ctx context.Context, asset ir.ScriptAsset) (*Status, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	name := asset.Name
	if name == "" {
		name = "script.funscript"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(asset.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPut, "sync-script/upload-funscript", &body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Start plays the uploaded script from offsetMs.
func (c *AutoblowClient) Start(ctx context.Context, offsetMs int64) (*Status, error) {
	payload, err := json.Marshal(map[string]int64{"startTimeMs": offsetMs})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPut, "sync-script/start", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Stop halts script playback.
func (c *AutoblowClient) Stop(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "sync-script/stop", nil, "")
	if err != nil {
		return nil, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *AutoblowClient) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	c.mu.Lock()
	base, token := c.baseURL, c.token
	c.mu.Unlock()

	if base == "" {
		return nil, ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-device-token", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *AutoblowClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPStatusError{
			Method: req.Method,
			URL:    req.URL.String(),
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
