package affordance

import (
	"context"
	"errors"
	"sync"
)

const (
	Unlock  = "unlock"
	Confirm = "confirm"
	Backup  = "backup"
)

var (
	ErrNotActive     = errors.New("button is not shown or is disabled")
	ErrUnknownButton = errors.New("unknown button")
)

type State struct {
	Visible bool `json:"visible"`
	Enabled bool `json:"enabled"`
}

// Button is a human-facing control inside the enclave. Await shows it and blocks until a
// human activates it; activation disables it until Enable or the next Await.
type Button struct {
	name string
	auto bool

	mu      sync.Mutex
	state   State
	waiters []chan struct{}
}

// NewButton returns a button. With auto set, Await returns as soon as the button is shown.
func NewButton(name string, auto bool) *Button {
	return &Button{name: name, auto: auto}
}

func (b *Button) Name() string {
	return b.name
}

func (b *Button) Await(ctx context.Context) error {
	b.mu.Lock()
	b.state = State{Visible: true, Enabled: true}
	if b.auto {
		b.state.Enabled = false
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		for i, w := range b.waiters {
			if w == ch {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Activate is the click. It releases every pending Await.
func (b *Button) Activate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.Visible || !b.state.Enabled {
		return ErrNotActive
	}
	b.state.Enabled = false
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
	return nil
}

// Enable lets a shown button be activated again, e.g. after a rejected dialog.
func (b *Button) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Visible {
		b.state.Enabled = true
	}
}

// Reset hides the button unless another caller is still waiting on it.
func (b *Button) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.waiters) > 0 {
		return
	}
	b.state = State{}
}

func (b *Button) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set is the enclave's complete set of buttons.
type Set struct {
	Unlock  *Button
	Confirm *Button
	Backup  *Button
}

func NewSet(auto bool) *Set {
	return &Set{
		Unlock:  NewButton(Unlock, auto),
		Confirm: NewButton(Confirm, auto),
		Backup:  NewButton(Backup, auto),
	}
}

func (s *Set) Get(name string) (*Button, error) {
	switch name {
	case Unlock:
		return s.Unlock, nil
	case Confirm:
		return s.Confirm, nil
	case Backup:
		return s.Backup, nil
	}
	return nil, ErrUnknownButton
}

func (s *Set) Reset() {
	s.Unlock.Reset()
	s.Confirm.Reset()
	s.Backup.Reset()
}
