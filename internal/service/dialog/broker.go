package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/utils/log"
)

const (
	dialogPath    = "/dialog.html"
	dialogWidth   = 600
	heightDefault = 400
	heightBackup  = 520
	heightNewMode = 600
)

var (
	dialogsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enclave_dialogs_opened_total",
		Help: "Dialog windows opened, by intent.",
	}, []string{"intent"})

	dialogResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enclave_dialogs_result_total",
		Help: "Dialog exchanges finished, by intent and outcome.",
	}, []string{"intent", "outcome"})
)

type Config struct {
	BaseURL      string `yaml:"baseURL"`
	ScreenWidth  int    `yaml:"screenWidth"`
	ScreenHeight int    `yaml:"screenHeight"`
}

type Geometry struct {
	Top    int
	Left   int
	Width  int
	Height int
}

// Features renders the window features string handed to the opener.
func (g Geometry) Features() string {
	return strings.Join([]string{
		"popup=1",
		fmt.Sprintf("top=%d", g.Top),
		fmt.Sprintf("left=%d", g.Left),
		fmt.Sprintf("width=%d", g.Width),
		fmt.Sprintf("height=%d", g.Height),
	}, ",")
}

type Broker struct {
	opener Opener
	cfg    Config

	mu            sync.RWMutex
	configuration model.Configuration
	onReject      func(intent model.Intent)
	lastExchange  *Exchange
}

type BrokerOption func(*Broker)

// WithRejectHook runs fn whenever an exchange ends rejected.
func WithRejectHook(fn func(intent model.Intent)) BrokerOption {
	return func(b *Broker) {
		b.onReject = fn
	}
}

func NewBroker(opener Opener, cfg Config, opts ...BrokerOption) *Broker {
	if cfg.ScreenWidth <= 0 {
		cfg.ScreenWidth = 1920
	}
	if cfg.ScreenHeight <= 0 {
		cfg.ScreenHeight = 1080
	}
	b := &Broker{
		opener:        opener,
		cfg:           cfg,
		configuration: model.Configuration{Mode: model.ModeExisting},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) SetRejectHook(fn func(intent model.Intent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReject = fn
}

func (b *Broker) Configure(c model.Configuration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configuration = c
}

func (b *Broker) Configuration() model.Configuration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.configuration
}

// Geometry places the popup at the top-right corner of the screen.
func (b *Broker) Geometry(intent model.Intent) Geometry {
	height := heightDefault
	switch {
	case b.Configuration().Mode == model.ModeNew:
		height = heightNewMode
	case intent == model.IntentBackup:
		height = heightBackup
	}

	left := b.cfg.ScreenWidth - dialogWidth
	if left < 0 {
		left = 0
	}
	return Geometry{Top: 0, Left: left, Width: dialogWidth, Height: height}
}

func (b *Broker) URL(humanID string) string {
	q := url.Values{}
	q.Set("humanId", humanID)
	return strings.TrimSuffix(b.cfg.BaseURL, "/") + dialogPath + "?" + q.Encode()
}

// Open shows a dialog for intent and waits for its terminal reply. There is no built-in
// timeout: the caller's ctx bounds the wait.
func (b *Broker) Open(ctx context.Context, humanID string, intent model.Intent, message any) (json.RawMessage, error) {
	g := b.Geometry(intent)
	w, err := b.opener.Open(ctx, b.URL(humanID), g.Features())
	if err != nil {
		b.rejected(intent)
		return nil, fmt.Errorf("open %s dialog: %w", intent, err)
	}
	dialogsOpened.WithLabelValues(string(intent)).Inc()
	log.Debug("dialog opened", zap.String("intent", string(intent)), zap.String("features", g.Features()))

	parent, _ := ParentFrom(ctx)
	ex := newExchange(w, parent, model.DialogRequest{
		Intent:        intent,
		Message:       message,
		Configuration: b.Configuration(),
	})

	b.mu.Lock()
	b.lastExchange = ex
	b.mu.Unlock()

	result, err := ex.Run(ctx)
	if err != nil {
		dialogResults.WithLabelValues(string(intent), "rejected").Inc()
		b.rejected(intent)
		return nil, err
	}
	dialogResults.WithLabelValues(string(intent), "resolved").Inc()
	return result, nil
}

func (b *Broker) rejected(intent model.Intent) {
	b.mu.RLock()
	fn := b.onReject
	b.mu.RUnlock()
	if fn != nil {
		fn(intent)
	}
}

// LastExchange returns the most recently started exchange.
func (b *Broker) LastExchange() *Exchange {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExchange
}

// PasskeyPrompt runs platform passkey assertions through a dialog window.
type PasskeyPrompt struct {
	broker *Broker
}

func NewPasskeyPrompt(b *Broker) *PasskeyPrompt {
	return &PasskeyPrompt{broker: b}
}

func (p *PasskeyPrompt) GetAssertion(ctx context.Context, humanID string, challenge, credentialID []byte) (*model.PasskeyAssertionResult, error) {
	raw, err := p.broker.Open(ctx, humanID, model.IntentPasskeyAssertion, model.PasskeyAssertionMessage{
		Challenge:    challenge,
		CredentialID: credentialID,
	})
	if err != nil {
		return nil, err
	}

	var res model.PasskeyAssertionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return &res, nil
}
