package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/service/port"
	"key_enclave/internal/utils/log"
)

var (
	ErrWindowClosed   = errors.New("dialog closed without replying")
	ErrNoParent       = errors.New("no parent frame to forward the store request to")
	ErrMalformedReply = errors.New("malformed dialog reply")
	ErrRejected       = errors.New("dialog rejected")
)

// RejectedError is a terminal {error} reply from the dialog.
type RejectedError struct {
	Intent  model.Intent
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s dialog: %s", e.Intent, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

type State int

const (
	StateOpened State = iota
	StateAwaitingReply
	StateForwardingToParent
	StateAwaitingParentAck
	StateResolved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateAwaitingReply:
		return "awaiting-reply"
	case StateForwardingToParent:
		return "forwarding-to-parent"
	case StateAwaitingParentAck:
		return "awaiting-parent-ack"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Exchange tracks one open popup and its reply channel until a terminal reply.
type Exchange struct {
	Request model.DialogRequest

	window Window
	parent Parent
	port   *port.Port

	mu      sync.Mutex
	state   State
	history []State

	closeOnce sync.Once
}

func newExchange(w Window, parent Parent, req model.DialogRequest) *Exchange {
	return &Exchange{
		Request: req,
		window:  w,
		parent:  parent,
		state:   StateOpened,
		history: []State{StateOpened},
	}
}

func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History lists every state the exchange went through, in order.
func (e *Exchange) History() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.history...)
}

func (e *Exchange) transition(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	e.history = append(e.history, s)
}

// Run drives the exchange to Resolved or Rejected. The port and the window are closed exactly
// once, after the terminal message.
func (e *Exchange) Run(ctx context.Context) (json.RawMessage, error) {
	defer e.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.window.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()

	select {
	case <-e.window.Ready():
	case <-ctx.Done():
		return nil, e.reject(e.cause(ctx))
	}

	p, err := e.window.Connect(e.Request)
	if err != nil {
		return nil, e.reject(err)
	}
	e.port = p
	e.transition(StateAwaitingReply)

	for {
		raw, err := p.Receive(ctx)
		if err != nil {
			if errors.Is(err, port.ErrClosed) {
				err = ErrWindowClosed
			}
			if ctx.Err() != nil {
				err = e.cause(ctx)
			}
			return nil, e.reject(err)
		}

		var reply model.DialogReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, e.reject(fmt.Errorf("%w: %v", ErrMalformedReply, err))
		}

		if ev, ok := pendingStoreEvent(reply); ok {
			if err := e.forward(ctx, p, ev); err != nil {
				return nil, e.reject(err)
			}
			continue
		}

		if isSet(reply.Error) {
			return nil, e.reject(&RejectedError{Intent: e.Request.Intent, Message: errorMessage(reply.Error)})
		}

		e.transition(StateResolved)
		return reply.Result, nil
	}
}

func (e *Exchange) forward(ctx context.Context, p *port.Port, ev model.StoreEvent) error {
	e.transition(StateForwardingToParent)
	if e.parent == nil {
		return ErrNoParent
	}

	e.transition(StateAwaitingParentAck)
	if err := e.parent.Forward(ctx, ev); err != nil {
		return fmt.Errorf("forward store request to parent: %w", err)
	}

	if err := p.Post(model.StoreEvent{Type: model.StoreEventType, Status: model.StoreStatusDone}); err != nil {
		return err
	}
	e.transition(StateAwaitingReply)
	return nil
}

func (e *Exchange) cause(ctx context.Context) error {
	select {
	case <-e.window.Closed():
		return ErrWindowClosed
	default:
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Exchange) reject(err error) error {
	e.transition(StateRejected)
	log.Debug("dialog rejected", zap.String("intent", string(e.Request.Intent)), zap.Error(err))
	return err
}

func (e *Exchange) close() {
	e.closeOnce.Do(func() {
		if e.port != nil {
			_ = e.port.Close()
		}
		if err := e.window.Close(); err != nil {
			log.Debug("close dialog window", zap.Error(err))
		}
	})
}

func pendingStoreEvent(reply model.DialogReply) (model.StoreEvent, bool) {
	var ev model.StoreEvent
	if !isSet(reply.Result) || isSet(reply.Error) {
		return ev, false
	}
	if err := json.Unmarshal(reply.Result, &ev); err != nil {
		return ev, false
	}
	return ev, ev.Type == model.StoreEventType && ev.Status == model.StoreStatusPending
}

func isSet(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
