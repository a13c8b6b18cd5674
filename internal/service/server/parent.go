package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/service/dialog"
	"key_enclave/internal/service/gateway"
	"key_enclave/internal/service/port"
	"key_enclave/internal/utils/log"
)

var ErrParentGone = errors.New("parent connection closed")

// parentConn multiplexes reply ports and store ports over the parent's websocket.
type parentConn struct {
	conn    *websocket.Conn
	origin  string
	gateway *gateway.Gateway

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

func newParentConn(conn *websocket.Conn, origin string, gw *gateway.Gateway) *parentConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &parentConn{
		conn:    conn,
		origin:  origin,
		gateway: gw,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan json.RawMessage),
	}
}

func (p *parentConn) serve() {
	defer func() {
		p.cancel()
		_ = p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug("parent web socket closed", zap.Error(err))
			return
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("unmarshal parent frame failed", zap.Error(err))
			continue
		}

		switch f.Type {
		case model.FrameRequest:
			go p.handleRequest(f)
		case model.FramePort:
			p.resolve(f.ID, f.Body)
		default:
			log.Warn("unexpected parent frame", zap.String("type", f.Type))
		}
	}
}

func (p *parentConn) handleRequest(f model.Frame) {
	enclave, parent := port.NewChannel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.pump(f.ID, parent)
	}()

	ctx := dialog.WithParent(p.ctx, p)
	if err := p.gateway.Handle(ctx, gateway.Message{
		Origin: p.origin,
		Data:   f.Body,
		Ports:  []*port.Port{enclave},
	}); err != nil {
		log.Debug("request not answered", zap.String("id", f.ID), zap.Error(err))
		_ = enclave.Close()
	}
	<-done
}

// pump relays what the enclave posts on a reply port, then a close frame once the port closes.
func (p *parentConn) pump(id string, parent *port.Port) {
	replied := false
	for {
		msg, err := parent.Receive(p.ctx)
		if err != nil {
			if replied && errors.Is(err, port.ErrClosed) {
				p.write(model.Frame{Type: model.FrameClose, ID: id})
			}
			return
		}
		replied = true
		p.write(model.Frame{Type: model.FrameReply, ID: id, Body: msg})
	}
}

// Forward posts a store event to the parent on a fresh port and waits for its answer.
func (p *parentConn) Forward(ctx context.Context, ev model.StoreEvent) error {
	id := fmt.Sprintf("store-%d", p.nextID.Add(1))
	ch := make(chan json.RawMessage, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.write(model.Frame{Type: model.FrameMessage, ID: id, Body: body}); err != nil {
		return err
	}

	select {
	case answer := <-ch:
		var res model.DialogReply
		if err := json.Unmarshal(answer, &res); err == nil && len(res.Error) > 0 && string(res.Error) != "null" {
			return fmt.Errorf("parent store failed: %s", res.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrParentGone
	}
}

func (p *parentConn) resolve(id string, body json.RawMessage) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		log.Warn("answer for unknown parent port", zap.String("id", id))
		return
	}

	select {
	case ch <- body:
	default:
	}
}

func (p *parentConn) write(f model.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.WriteJSON(f); err != nil {
		log.Debug("write parent frame failed", zap.String("type", f.Type), zap.Error(err))
		return err
	}
	return nil
}
