package worker

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

	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// AuthHeader carries the access token on REST calls.
const AuthHeader = "X-Authorization"

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: http status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: http status %d: %s", e.Op, e.Code, e.Detail)
}

// StatusCode exposes the HTTP status for error classification.
func (e *StatusError) StatusCode() int { return e.Code }

// HTTPTaskSource talks to the server's REST task endpoints.
type HTTPTaskSource struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
}

// NewHTTPTaskSource creates a REST transport. tokens may be nil when the
// server runs without security.
func NewHTTPTaskSource(baseURL string, client *http.Client, tokens TokenProvider) *HTTPTaskSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if tokens == nil {
		tokens = noToken{}
	}
	return &HTTPTaskSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}
}

// PollBatch implements TaskSource.
func (s *HTTPTaskSource) PollBatch(ctx context.Context, req PollRequest) ([]*types.Task, error) {
	q := url.Values{}
	q.Set("workerid", req.WorkerID)
	q.Set("count", strconv.Itoa(req.Count))
	q.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
	if req.Domain != "" {
		q.Set("domain", req.Domain)
	}
	endpoint := fmt.Sprintf("%s/tasks/poll/batch/%s?%s", s.baseURL, url.PathEscape(req.TaskType), q.Encode())

	resp, err := s.do(ctx, http.MethodGet, endpoint, nil, "poll "+req.TaskType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var tasks []*types.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return tasks, nil
}

// ReportResult implements TaskSource.
func (s *HTTPTaskSource) ReportResult(ctx context.Context, result *types.TaskResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	resp, err := s.do(ctx, http.MethodPost, s.baseURL+"/tasks", body, "report "+result.TaskID)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (s *HTTPTaskSource) do(ctx context.Context, method, endpoint string, body []byte, op string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := s.tokens.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if token != "" {
		req.Header.Set(AuthHeader, token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.tokens.Flush()
	}
	return nil, &StatusError{Op: op, Code: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
}
