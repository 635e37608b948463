package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type statusView struct {
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	ProgressLabel string  `json:"progressLabel"`
	VideoURL      *string `json:"videoUrl"`
}

func (v statusView) terminal() bool {
	return v.Status == "completed" || v.Status == "failed"
}

type submitRequest struct {
	Manifest   json.RawMessage `json:"manifest"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	ManifestID string          `json:"manifest_id,omitempty"`
}

type submitResponse struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// apiError is a non-2xx reply from the render service.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("render service returned %d: %s", e.StatusCode, e.Message)
}

type apiClient struct {
	base   string
	tenant string
	http   *http.Client
}

func newAPIClient(base, tenant string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		tenant: tenant,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) submit(ctx context.Context, req submitRequest, idempotencyKey string) (submitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return submitResponse{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/generate-video", bytes.NewReader(body))
	if err != nil {
		return submitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	var out submitResponse
	return out, c.do(httpReq, &out)
}

func (c *apiClient) status(ctx context.Context, id string) (statusView, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status/"+url.PathEscape(id), nil)
	if err != nil {
		return statusView{}, err
	}
	var out statusView
	return out, c.do(httpReq, &out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &apiError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
