// Package dialogtest provides in-memory popups, openers and parents for tests.
package dialogtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"key_enclave/internal/model"
	"key_enclave/internal/service/dialog"
	"key_enclave/internal/service/port"
)

// Window is a popup driven by the test. The test plays the human on the popup side.
type Window struct {
	URL      string
	Features string

	ready      chan struct{}
	readyOnce  sync.Once
	closed     chan struct{}
	closedOnce sync.Once
	closeCalls atomic.Int32

	requests chan model.DialogRequest
	mu       sync.Mutex
	popup    *port.Port
}

func NewWindow(url, features string) *Window {
	return &Window{
		URL:      url,
		Features: features,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		requests: make(chan model.DialogRequest, 1),
	}
}

// Load marks the popup document as loaded.
func (w *Window) Load() {
	w.readyOnce.Do(func() { close(w.ready) })
}

func (w *Window) Ready() <-chan struct{} {
	return w.ready
}

func (w *Window) Closed() <-chan struct{} {
	return w.closed
}

func (w *Window) Connect(req model.DialogRequest) (*port.Port, error) {
	select {
	case <-w.closed:
		return nil, dialog.ErrWindowClosed
	default:
	}

	enclave, popup := port.NewChannel()
	w.mu.Lock()
	w.popup = popup
	w.mu.Unlock()
	w.requests <- req
	return enclave, nil
}

// Close is called by the enclave.
func (w *Window) Close() error {
	w.closeCalls.Add(1)
	w.shut()
	return nil
}

// Dismiss is the human closing the popup.
func (w *Window) Dismiss() {
	w.shut()
}

func (w *Window) shut() {
	w.closedOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		if w.popup != nil {
			_ = w.popup.Close()
		}
		w.mu.Unlock()
	})
}

// CloseCalls reports how many times the enclave closed the window.
func (w *Window) CloseCalls() int {
	return int(w.closeCalls.Load())
}

// Request returns the dialog request the enclave sent.
func (w *Window) Request(ctx context.Context) (model.DialogRequest, error) {
	select {
	case req := <-w.requests:
		return req, nil
	case <-ctx.Done():
		return model.DialogRequest{}, ctx.Err()
	}
}

func (w *Window) port() (*port.Port, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.popup == nil {
		return nil, errors.New("window not connected")
	}
	return w.popup, nil
}

// Reply posts a message from the popup to the enclave.
func (w *Window) Reply(v any) error {
	p, err := w.port()
	if err != nil {
		return err
	}
	return p.Post(v)
}

// Resolve posts a terminal {result}.
func (w *Window) Resolve(result any) error {
	return w.Reply(map[string]any{"result": result})
}

// Reject posts a terminal {error}.
func (w *Window) Reject(message string) error {
	return w.Reply(map[string]any{"error": message})
}

// Receive reads what the enclave posted to the popup after the initial request.
func (w *Window) Receive(ctx context.Context) (json.RawMessage, error) {
	p, err := w.port()
	if err != nil {
		return nil, err
	}
	return p.Receive(ctx)
}

// Opener hands out Windows and records them.
type Opener struct {
	Err      error
	AutoLoad bool

	mu      sync.Mutex
	windows []*Window
	next    chan *Window
}

func NewOpener() *Opener {
	return &Opener{AutoLoad: true, next: make(chan *Window, 32)}
}

func (o *Opener) Open(_ context.Context, url, features string) (dialog.Window, error) {
	if o.Err != nil {
		return nil, o.Err
	}

	w := NewWindow(url, features)
	if o.AutoLoad {
		w.Load()
	}

	o.mu.Lock()
	o.windows = append(o.windows, w)
	o.mu.Unlock()

	o.next <- w
	return w, nil
}

func (o *Opener) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.windows)
}

func (o *Opener) Windows() []*Window {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Window(nil), o.windows...)
}

// Next waits for the next opened window.
func (o *Opener) Next(ctx context.Context) (*Window, error) {
	select {
	case w := <-o.next:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve answers every window opened until ctx ends with the value returned by fn.
// A non-nil error from fn is sent as a terminal {error}.
func (o *Opener) Serve(ctx context.Context, fn func(req model.DialogRequest) (any, error)) {
	go func() {
		for {
			w, err := o.Next(ctx)
			if err != nil {
				return
			}
			req, err := w.Request(ctx)
			if err != nil {
				return
			}
			res, err := fn(req)
			if err != nil {
				_ = w.Reject(err.Error())
				continue
			}
			_ = w.Resolve(res)
		}
	}()
}

// Parent records forwarded store events.
type Parent struct {
	Err error

	mu     sync.Mutex
	events []model.StoreEvent
}

func (p *Parent) Forward(_ context.Context, ev model.StoreEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.Err
}

func (p *Parent) Events() []model.StoreEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.StoreEvent(nil), p.events...)
}
