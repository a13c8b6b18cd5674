package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/utils/log"
)

var ErrEnclaveClosed = errors.New("enclave closed the dialog")

// wsURL turns the dialog page URL into its websocket endpoint.
func wsURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Query().Get("window") == "" {
		return "", fmt.Errorf("dialog url %q has no window id", rawURL)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/dialog/ws"
	return u.String(), nil
}

// Client is the dialog's side of the window channel.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan model.Frame
	done    chan struct{}
}

// Dial connects to the enclave, retrying with exponential backoff until ctx is done.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	endpoint, err := wsURL(rawURL)
	if err != nil {
		return nil, err
	}

	var conn *websocket.Conn
	connect := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("dialog window is gone: %w", err))
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(connect, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Debug("retrying dialog connection", zap.Duration("in", d), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		frames: make(chan model.Frame, 16),
		done:   make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

func (c *Client) listen() {
	defer close(c.done)
	for {
		var f model.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			log.Debug("dialog web socket closed", zap.Error(err))
			return
		}
		if f.Type == model.FrameClose {
			return
		}
		c.frames <- f
	}
}

func (c *Client) write(f model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *Client) next(ctx context.Context, typ string) (model.Frame, error) {
	for {
		select {
		case f := <-c.frames:
			if f.Type == typ {
				return f, nil
			}
			log.Warn("unexpected frame from enclave", zap.String("type", f.Type))
		case <-c.done:
			return model.Frame{}, ErrEnclaveClosed
		case <-ctx.Done():
			return model.Frame{}, ctx.Err()
		}
	}
}

// Hello signals readiness and returns the dialog request.
func (c *Client) Hello(ctx context.Context) (model.DialogRequest, error) {
	var req model.DialogRequest
	if err := c.write(model.Frame{Type: model.FrameReady}); err != nil {
		return req, err
	}

	f, err := c.next(ctx, model.FrameMessage)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return req, fmt.Errorf("malformed dialog request: %w", err)
	}
	return req, nil
}

func (c *Client) post(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(model.Frame{Type: model.FramePort, Body: body})
}

func (c *Client) Resolve(result any) error {
	return c.post(map[string]any{"result": result})
}

func (c *Client) Reject(message string) error {
	return c.post(map[string]any{"error": message})
}

// Store hands payload to the parent through the enclave and waits until it is done.
func (c *Client) Store(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.Resolve(model.StoreEvent{
		Type:    model.StoreEventType,
		Status:  model.StoreStatusPending,
		Payload: raw,
	}); err != nil {
		return err
	}

	f, err := c.next(ctx, model.FramePort)
	if err != nil {
		return err
	}
	var ev model.StoreEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil || ev.Status != model.StoreStatusDone {
		return fmt.Errorf("unexpected store answer: %s", f.Body)
	}
	return nil
}

// Done is closed once the enclave closes the window.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// PressAffordance clicks an enclave button on the human's behalf.
func PressAffordance(ctx context.Context, baseURL, name string) error {
	u, err := url.JoinPath(baseURL, "affordance", name)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("press %s: %s: %s", name, resp.Status, body)
	}
	return nil
}
