// Package gateway is the client side of the remote generation service: job
// submission, status lookups, listings and artifact URL resolution.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/genwatch/pkg/models"
)

const (
	maxPromptLength = 2000
	defaultLimit    = 20
	maxLimit        = 100
	maxErrorBody    = 64 << 10
)

// Gateway is the interface for talking to the remote generation service.
type Gateway interface {
	Submit(ctx context.Context, req models.GenerateRequest) (string, error)
	FetchStatus(ctx context.Context, jobID string) (models.StatusRecord, error)
	ListJobs(ctx context.Context, filter models.ListFilter, offset, limit int) ([]models.StatusRecord, error)
	ResolveArtifactURL(ref string) string
}

// HTTPClient implements Gateway over the service's JSON HTTP API.
type HTTPClient struct {
	baseURL      string
	artifactBase string
	client       *http.Client
}

// NewHTTPClient creates a client for the API rooted at baseURL (for example
// http://localhost:8000/api/v1). Relative artifact references resolve against
// artifactBase; when empty it is baseURL with a trailing /api/v1 removed.
func NewHTTPClient(baseURL, artifactBase string, timeout time.Duration) *HTTPClient {
	baseURL = strings.TrimRight(baseURL, "/")
	if artifactBase == "" {
		artifactBase = strings.TrimSuffix(baseURL, "/api/v1")
	}
	return &HTTPClient{
		baseURL:      baseURL,
		artifactBase: strings.TrimRight(artifactBase, "/"),
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, req models.GenerateRequest) (string, error) {
	const op = "submit"
	if err := validateRequest(req); err != nil {
		return "", &Error{Kind: KindValidation, Op: op, Detail: err.Error()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", transportErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readErrorDetail(resp)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", &Error{Kind: KindValidation, Op: op, StatusCode: resp.StatusCode, Detail: detail}
		}
		return "", transportStatus(op, resp.StatusCode, detail)
	}

	var accepted models.JobAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", transportErr(op, fmt.Errorf("decoding submit response: %w", err))
	}
	if accepted.JobID == "" {
		return "", transportErr(op, fmt.Errorf("submit response has no job_id"))
	}
	return accepted.JobID, nil
}

func (c *HTTPClient) FetchStatus(ctx context.Context, jobID string) (models.StatusRecord, error) {
	const op = "fetch status"
	if jobID == "" {
		return models.StatusRecord{}, &Error{Kind: KindNotFound, Op: op, Detail: "empty job id"}
	}

	u := fmt.Sprintf("%s/status/%s", c.baseURL, url.PathEscape(jobID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.StatusRecord{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.StatusRecord{}, transportErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.StatusRecord{}, &Error{Kind: KindNotFound, Op: op, StatusCode: resp.StatusCode, Detail: readErrorDetail(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return models.StatusRecord{}, transportStatus(op, resp.StatusCode, readErrorDetail(resp))
	}

	var rec models.StatusRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return models.StatusRecord{}, transportErr(op, fmt.Errorf("decoding status record: %w", err))
	}
	return rec, nil
}

func (c *HTTPClient) ListJobs(ctx context.Context, filter models.ListFilter, offset, limit int) ([]models.StatusRecord, error) {
	const op = "list jobs"
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		return nil, &Error{Kind: KindValidation, Op: op, Detail: fmt.Sprintf("limit cannot exceed %d", maxLimit)}
	}
	if offset < 0 {
		offset = 0
	}

	path := "/jobs"
	if filter == models.ListCompleted {
		path = "/jobs/completed"
	}
	params := url.Values{
		"skip":  {strconv.Itoa(offset)},
		"limit": {strconv.Itoa(limit)},
	}
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := readErrorDetail(resp)
		if resp.StatusCode == http.StatusBadRequest {
			return nil, &Error{Kind: KindValidation, Op: op, StatusCode: resp.StatusCode, Detail: detail}
		}
		return nil, transportStatus(op, resp.StatusCode, detail)
	}

	var records []models.StatusRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, transportErr(op, fmt.Errorf("decoding job list: %w", err))
	}
	if records == nil {
		return []models.StatusRecord{}, nil
	}
	return records, nil
}

// ResolveArtifactURL returns ref unchanged when it is already scheme-qualified,
// otherwise the URL the service serves the file from:
// <artifact base>/images/<last path segment of ref>.
func (c *HTTPClient) ResolveArtifactURL(ref string) string {
	return ResolveArtifactURL(c.artifactBase, ref)
}

// ResolveArtifactURL is the stateless form of HTTPClient.ResolveArtifactURL.
func ResolveArtifactURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && (u.Host != "" || u.Opaque != "") {
		return ref
	}
	name := ref
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimRight(base, "/") + "/images/" + url.PathEscape(name)
}

func validateRequest(req models.GenerateRequest) error {
	n := utf8.RuneCountInString(req.Prompt)
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if n > maxPromptLength {
		return fmt.Errorf("prompt must be at most %d characters, got %d", maxPromptLength, n)
	}
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// readErrorDetail extracts the message from a {detail} error envelope. The
// service answers request validation failures with a list of field errors
// under detail; those are joined into one line.
func readErrorDetail(resp *http.Response) string {
	fallback := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return fallback
	}

	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Detail) == 0 {
		return fallback
	}

	var msg string
	if err := json.Unmarshal(env.Detail, &msg); err == nil {
		if msg == "" {
			return fallback
		}
		return msg
	}

	var fields []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(env.Detail, &fields); err == nil && len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if len(f.Loc) > 0 {
				parts = append(parts, fmt.Sprintf("%v: %s", f.Loc[len(f.Loc)-1], f.Msg))
			} else {
				parts = append(parts, f.Msg)
			}
		}
		return strings.Join(parts, "; ")
	}
	return fallback
}

// Compile-time check that HTTPClient implements Gateway.
var _ Gateway = (*HTTPClient)(nil)
