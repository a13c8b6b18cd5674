package dialog

import (
	"context"

	"key_enclave/internal/model"
	"key_enclave/internal/service/port"
)

// Window is an open dialog popup.
type Window interface {
	// Ready is closed once the popup has loaded and can take messages.
	Ready() <-chan struct{}
	// Closed is closed when the popup goes away for any reason.
	Closed() <-chan struct{}
	// Connect posts the dialog request together with a fresh channel and returns the
	// enclave's end of it.
	Connect(req model.DialogRequest) (*port.Port, error)
	Close() error
}

type Opener interface {
	Open(ctx context.Context, url, features string) (Window, error)
}

// Parent is the frame embedding the enclave. Forward posts a store event on a new port and
// returns once the parent has answered.
type Parent interface {
	Forward(ctx context.Context, event model.StoreEvent) error
}

type parentKey struct{}

func WithParent(ctx context.Context, p Parent) context.Context {
	return context.WithValue(ctx, parentKey{}, p)
}

func ParentFrom(ctx context.Context) (Parent, bool) {
	p, ok := ctx.Value(parentKey{}).(Parent)
	return p, ok && p != nil
}
