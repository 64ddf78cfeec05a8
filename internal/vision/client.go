package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"refectory/internal/engine"
)

// Client calls the camera/vision sidecar that owns frame acquisition, barcode
// decoding and face detection. The core never touches a camera or a decoder
// library; it only consumes this surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, all calls return inert mock results so
// the station can run without a sidecar attached.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Grab fetches the latest camera frame.
func (c *Client) Grab(ctx context.Context) (engine.Frame, error) {
	if c.Skip {
		return engine.Frame{Width: 640, Height: 480}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/frame", nil)
	if err != nil {
		return engine.Frame{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return engine.Frame{}, fmt.Errorf("vision service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return engine.Frame{}, fmt.Errorf("vision service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		JPEG   string `json:"jpeg"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return engine.Frame{}, fmt.Errorf("failed to decode response: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(out.JPEG)
	if err != nil {
		return engine.Frame{}, fmt.Errorf("bad frame payload: %w", err)
	}
	return engine.Frame{Data: data, Width: out.Width, Height: out.Height}, nil
}

// DecodeBadge runs barcode decoding on a frame and returns any decoded codes.
func (c *Client) DecodeBadge(ctx context.Context, f engine.Frame) ([]string, error) {
	if c.Skip {
		return nil, nil
	}
	var out struct {
		Codes []string `json:"codes"`
	}
	if err := c.post(ctx, "/decode", f, &out); err != nil {
		return nil, err
	}
	return out.Codes, nil
}

// DetectFaces runs face detection on a frame and returns bounding boxes.
func (c *Client) DetectFaces(ctx context.Context, f engine.Frame) ([]engine.Box, error) {
	if c.Skip {
		return []engine.Box{{X: f.Width/2 - 60, Y: f.Height/2 - 75, W: 120, H: 150}}, nil
	}
	var out struct {
		Faces []engine.Box `json:"faces"`
	}
	if err := c.post(ctx, "/faces", f, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

// Health checks if the vision sidecar is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vision service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("vision service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, f engine.Frame, out any) error {
	body, _ := json.Marshal(map[string]string{
		"jpeg": base64.StdEncoding.EncodeToString(f.Data),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vision service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vision service error %s: %s", resp.Status, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
