package port

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrClosed = errors.New("port closed")

const queueSize = 16

type pair struct {
	closed chan struct{}
	once   sync.Once
}

func (p *pair) close() {
	p.once.Do(func() { close(p.closed) })
}

// Port is one end of an entangled pair. Messages posted on one end are received on the other.
// Closing either end closes both.
type Port struct {
	pair *pair
	in   chan json.RawMessage
	out  chan json.RawMessage
}

// NewChannel returns two entangled ports.
func NewChannel() (*Port, *Port) {
	p := &pair{closed: make(chan struct{})}
	a := make(chan json.RawMessage, queueSize)
	b := make(chan json.RawMessage, queueSize)
	return &Port{pair: p, in: a, out: b}, &Port{pair: p, in: b, out: a}
}

// Post marshals v and delivers it to the other end.
func (p *Port) Post(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.PostRaw(msg)
}

func (p *Port) PostRaw(msg json.RawMessage) error {
	select {
	case <-p.pair.closed:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.pair.closed:
		return ErrClosed
	}
}

// Receive blocks until a message arrives, the pair is closed or ctx is done.
// Messages queued before Close are still delivered.
func (p *Port) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.pair.closed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Port) Close() error {
	p.pair.close()
	return nil
}

func (p *Port) Done() <-chan struct{} {
	return p.pair.closed
}
