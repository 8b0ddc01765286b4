package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

const defaultClientTimeout = 60 * time.Second

// StreamItem is one element of a client-side task stream. A non-nil Err ends
// the stream.
type StreamItem struct {
	Update TaskUpdate
	Err    error
}

type ClientConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client speaks the task protocol to one agent endpoint.
type Client struct {
	url    string
	client *http.Client
	stream *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClientTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	unary := *base
	if unary.Timeout == 0 {
		unary.Timeout = cfg.Timeout
	}
	// streams can outlive any fixed request timeout; they are bounded by ctx
	streaming := *base
	streaming.Timeout = 0
	return &Client{
		url:    strings.TrimSuffix(cfg.URL, "/"),
		client: &unary,
		stream: &streaming,
	}
}

func (c *Client) URL() string { return c.url }

func (c *Client) SendTask(ctx context.Context, p TaskSendParams) (*Task, error) {
	var task Task
	if err := c.call(ctx, MethodSendTask, p, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetTask(ctx context.Context, p TaskQueryParams) (*Task, error) {
	var task Task
	if err := c.call(ctx, MethodGetTask, p, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, p TaskIDParams) (*Task, error) {
	var task Task
	if err := c.call(ctx, MethodCancelTask, p, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) SetTaskPushNotification(ctx context.Context, p TaskPushNotificationConfig) (*TaskPushNotificationConfig, error) {
	var out TaskPushNotificationConfig
	if err := c.call(ctx, MethodSetPushNotification, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTaskPushNotification(ctx context.Context, p TaskIDParams) (*TaskPushNotificationConfig, error) {
	var out TaskPushNotificationConfig
	if err := c.call(ctx, MethodGetPushNotification, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendTaskStreaming opens a tasks/sendSubscribe stream. Errors establishing the
// stream are returned directly; anything after that arrives as a StreamItem
// with Err set. The channel is closed after the final status event, after an
// error item, or when the server ends the stream.
func (c *Client) SendTaskStreaming(ctx context.Context, p TaskSendParams) (<-chan StreamItem, error) {
	resp, err := c.post(ctx, c.stream, MethodSendTaskSubscribe, p)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		defer resp.Body.Close()
		var env rpcEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("a2a: decoding %s response: %w", MethodSendTaskSubscribe, err)
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, fmt.Errorf("a2a: %s: expected event stream, got %q", MethodSendTaskSubscribe, mediaType)
	}

	out := make(chan StreamItem, defaultStreamBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		emit := func(it StreamItem) bool {
			select {
			case out <- it:
				return true
			case <-ctx.Done():
				return false
			}
		}

		r := newSSEReader(resp.Body)
		for {
			_, data, err := r.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				emit(StreamItem{Err: fmt.Errorf("a2a: reading stream: %w", err)})
				return
			}

			var env rpcEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				emit(StreamItem{Err: fmt.Errorf("a2a: decoding stream envelope: %w", err)})
				return
			}
			if env.Error != nil {
				emit(StreamItem{Err: env.Error})
				return
			}
			update, err := DecodeStreamEvent(env.Result)
			if err != nil {
				emit(StreamItem{Err: err})
				return
			}
			if !emit(StreamItem{Update: update}) {
				return
			}
			if st, ok := update.(*TaskStatusUpdateEvent); ok && st.Final {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.post(ctx, c.client, method, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("a2a: decoding %s response: %w", method, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("a2a: decoding %s result: %w", method, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, method string, params any) (*http.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("a2a: encoding %s params: %w", method, err)
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: jsonrpcVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, fmt.Errorf("a2a: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("a2a: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("a2a: %s: %w", method, err)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("a2a: %s: server returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// FetchAgentCard retrieves the card an agent publishes under baseURL.
func FetchAgentCard(ctx context.Context, hc *http.Client, baseURL string) (*AgentCard, error) {
	if hc == nil {
		hc = &http.Client{Timeout: defaultClientTimeout}
	}
	url := strings.TrimSuffix(baseURL, "/") + AgentCardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("a2a: creating card request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("a2a: fetching agent card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("a2a: fetching agent card: server returned %d", resp.StatusCode)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("a2a: decoding agent card: %w", err)
	}
	return &card, nil
}
