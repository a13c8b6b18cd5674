package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/service/dialog"
	"key_enclave/internal/service/port"
	"key_enclave/internal/utils/log"
)

var ErrAlreadyAttached = errors.New("dialog window already attached")

// Launcher shows the human a dialog window at url.
type Launcher func(ctx context.Context, url string) error

// CommandLauncher runs argv with the dialog URL appended. An empty argv only logs the URL.
func CommandLauncher(argv []string) Launcher {
	return func(_ context.Context, u string) error {
		if len(argv) == 0 {
			log.Info("open dialog window", zap.String("url", u))
			return nil
		}

		cmd := exec.Command(argv[0], append(argv[1:], u)...)
		if err := cmd.Start(); err != nil {
			return err
		}
		go func() {
			if err := cmd.Wait(); err != nil {
				log.Debug("dialog launcher exited", zap.Error(err))
			}
		}()
		return nil
	}
}

// WindowManager opens dialog windows backed by websocket connections from the dialog program.
type WindowManager struct {
	launch Launcher

	mu      sync.Mutex
	windows map[string]*Window
}

func NewWindowManager(launch Launcher) *WindowManager {
	return &WindowManager{
		launch:  launch,
		windows: make(map[string]*Window),
	}
}

func (m *WindowManager) Open(ctx context.Context, rawURL, features string) (dialog.Window, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	q := u.Query()
	q.Set("window", id)
	u.RawQuery = q.Encode()

	w := newWindow(id, u, features, m.remove)
	m.mu.Lock()
	m.windows[id] = w
	m.mu.Unlock()

	if err := m.launch(ctx, u.String()); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (m *WindowManager) Get(id string) (*Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	return w, ok
}

func (m *WindowManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, id)
}

type WindowInfo struct {
	ID       string `json:"id"`
	HumanID  string `json:"humanId"`
	URL      string `json:"url"`
	Features string `json:"features"`
}

// Window is one dialog. The dialog program attaches over a websocket and signals readiness with
// a ready frame.
type Window struct {
	info    WindowInfo
	onClose func(id string)

	ctx    context.Context
	cancel context.CancelFunc

	ready      chan struct{}
	readyOnce  sync.Once
	closed     chan struct{}
	closedOnce sync.Once

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	popup   *port.Port
}

func newWindow(id string, u *url.URL, features string, onClose func(string)) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	return &Window{
		info: WindowInfo{
			ID:       id,
			HumanID:  u.Query().Get("humanId"),
			URL:      u.String(),
			Features: features,
		},
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (w *Window) Info() WindowInfo {
	return w.info
}

func (w *Window) Ready() <-chan struct{} {
	return w.ready
}

func (w *Window) Closed() <-chan struct{} {
	return w.closed
}

func (w *Window) attach(conn *websocket.Conn) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyAttached
	}
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop(conn)
	return nil
}

func (w *Window) readLoop(conn *websocket.Conn) {
	defer w.shut()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("dialog web socket closed", zap.String("window", w.info.ID), zap.Error(err))
			return
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("unmarshal dialog frame failed", zap.Error(err))
			continue
		}

		switch f.Type {
		case model.FrameReady:
			w.readyOnce.Do(func() { close(w.ready) })
		case model.FramePort:
			w.mu.Lock()
			p := w.popup
			w.mu.Unlock()
			if p == nil {
				log.Warn("dialog posted before it was connected", zap.String("window", w.info.ID))
				continue
			}
			if err := p.PostRaw(f.Body); err != nil {
				return
			}
		case model.FrameClose:
			return
		default:
			log.Warn("unexpected dialog frame", zap.String("type", f.Type))
		}
	}
}

func (w *Window) Connect(req model.DialogRequest) (*port.Port, error) {
	select {
	case <-w.closed:
		return nil, dialog.ErrWindowClosed
	default:
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	enclave, popup := port.NewChannel()
	w.mu.Lock()
	w.popup = popup
	w.mu.Unlock()

	if err := w.write(model.Frame{Type: model.FrameMessage, Body: body}); err != nil {
		_ = popup.Close()
		return nil, err
	}
	go w.pump(popup)
	return enclave, nil
}

// pump relays enclave posts after the initial request to the dialog.
func (w *Window) pump(popup *port.Port) {
	for {
		msg, err := popup.Receive(w.ctx)
		if err != nil {
			return
		}
		if err := w.write(model.Frame{Type: model.FramePort, Body: msg}); err != nil {
			return
		}
	}
}

func (w *Window) write(f model.Frame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return dialog.ErrWindowClosed
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (w *Window) Close() error {
	_ = w.write(model.Frame{Type: model.FrameClose})
	w.shut()
	return nil
}

func (w *Window) shut() {
	w.closedOnce.Do(func() {
		close(w.closed)
		w.cancel()

		w.mu.Lock()
		if w.popup != nil {
			_ = w.popup.Close()
		}
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.mu.Unlock()

		if w.onClose != nil {
			w.onClose(w.info.ID)
		}
	})
}
