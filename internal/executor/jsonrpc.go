package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/danmuck/relaylink/internal/link"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/rs/zerolog"
)

var ErrInvalidRequest = errors.New("executor: request is not json")

// maxResponseBytes bounds what is read back from the local endpoint.
const maxResponseBytes = 64 << 20

// JSONRPC posts each request to a local JSON-RPC over HTTP endpoint and returns
// the raw response body.
type JSONRPC struct {
	url      string
	username string
	password string
	client   *http.Client
	log      zerolog.Logger
}

func NewJSONRPC(cfg Config) (*JSONRPC, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		target = DefaultURL
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("executor: invalid jsonrpc url %q", target)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &JSONRPC{
		url:      u.String(),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
		log:      logging.Component("executor.jsonrpc"),
	}, nil
}

func (e *JSONRPC) Handle(ctx context.Context, request []byte) ([]byte, error) {
	if !json.Valid(request) {
		return nil, &link.ExecutionError{Op: "jsonrpc", Err: ErrInvalidRequest}
	}
	body, err := e.post(ctx, request)
	if err != nil {
		return nil, &link.ExecutionError{Op: "jsonrpc", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		// Notifications carry no id and get no reply.
		return nil, nil
	}
	return body, nil
}

func (e *JSONRPC) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.username != "" {
		req.SetBasicAuth(e.username, e.password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status=%d body=%q", resp.StatusCode, truncate(body, 128))
	}
	e.log.Debug().Int("request_bytes", len(payload)).Int("response_bytes", len(body)).Msg("jsonrpc call")
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
