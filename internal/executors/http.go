package executors

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

	"github.com/noetl/noetl/internal/domain"
)

// HTTPExecutor performs one HTTP call per action. Config keys: method,
// endpoint, headers, params, payload. Credential data is applied as bearer
// token or basic auth depending on which keys it carries.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (e *HTTPExecutor) Type() string { return domain.StepTypeHTTP }

func (e *HTTPExecutor) Execute(ctx context.Context, config map[string]any, auth map[string]map[string]any, _ Reporter) (any, error) {
	endpoint, _ := config["endpoint"].(string)
	if endpoint == "" {
		endpoint, _ = config["url"].(string)
	}
	if endpoint == "" {
		return nil, Permanentf(domain.FailurePermanent, "http action missing endpoint")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	if params, ok := config["params"].(map[string]any); ok && len(params) > 0 {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, Permanent(domain.FailurePermanent, fmt.Errorf("bad endpoint: %w", err))
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	var body io.Reader
	if payload, ok := config["payload"]; ok && payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, Permanent(domain.FailurePermanent, fmt.Errorf("encode payload: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, Permanent(domain.FailurePermanent, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, auth)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	var data any
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if jErr := json.Unmarshal(raw, &data); jErr != nil {
			data = string(raw)
		}
	} else if len(raw) > 0 {
		data = string(raw)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"data":        data,
	}
	switch {
	case resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d from %s", resp.StatusCode, endpoint)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, Permanentf(domain.FailureAuthError, "http %d from %s", resp.StatusCode, endpoint)
	default:
		return nil, Permanentf(domain.FailurePermanent, "http %d from %s", resp.StatusCode, endpoint)
	}
}

func applyAuth(req *http.Request, auth map[string]map[string]any) {
	for _, data := range auth {
		if token, ok := data["token"].(string); ok && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			return
		}
		user, uOK := data["username"].(string)
		pass, pOK := data["password"].(string)
		if uOK && pOK {
			req.SetBasicAuth(user, pass)
			return
		}
	}
}
