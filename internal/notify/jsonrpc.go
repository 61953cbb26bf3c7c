package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/danmuck/relaylink/internal/link"
	"github.com/danmuck/relaylink/internal/logging"
	"github.com/rs/zerolog"
)

// JSONRPC raises GUI.ShowNotification on a local JSON-RPC endpoint. Delivery
// failures fall back to the log.
type JSONRPC struct {
	url         string
	username    string
	password    string
	displayTime int64
	client      *http.Client
	fallback    *Log
	seq         atomic.Int64
	log         zerolog.Logger
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  showNotifyArg `json:"params"`
}

type showNotifyArg struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Image       string `json:"image"`
	DisplayTime int64  `json:"displaytime"`
}

type rpcResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewJSONRPC(cfg Config) (*JSONRPC, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid jsonrpc url %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	display := cfg.DisplayTime
	if display <= 0 {
		display = DefaultDisplayTime
	}
	logger := logging.Component("notify.jsonrpc")
	return &JSONRPC{
		url:         u.String(),
		username:    cfg.Username,
		password:    cfg.Password,
		displayTime: display.Milliseconds(),
		client:      &http.Client{Timeout: timeout},
		fallback:    NewLog(logger),
		log:         logger,
	}, nil
}

func (n *JSONRPC) Show(title, message string, severity link.Severity) {
	if err := n.show(context.Background(), title, message, severity); err != nil {
		n.log.Warn().Err(err).Msg("notification delivery failed")
		n.fallback.Show(title, message, severity)
	}
}

func (n *JSONRPC) show(ctx context.Context, title, message string, severity link.Severity) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      n.seq.Add(1),
		Method:  "GUI.ShowNotification",
		Params: showNotifyArg{
			Title:       title,
			Message:     message,
			Image:       severity.String(),
			DisplayTime: n.displayTime,
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.username != "" {
		req.SetBasicAuth(n.username, n.password)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var out rpcResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if out.Error != nil {
		return fmt.Errorf("rpc error code=%d: %s", out.Error.Code, out.Error.Message)
	}
	return nil
}
