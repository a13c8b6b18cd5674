package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"key_enclave/internal/cryptographic/box"
	"key_enclave/internal/cryptographic/kdf"
	"key_enclave/internal/model"
	"key_enclave/internal/service/affordance"
	"key_enclave/internal/service/filter"
	"key_enclave/internal/service/port"
	"key_enclave/internal/service/session"
	"key_enclave/internal/utils/log"
)

var (
	ErrOriginRejected = errors.New("origin rejected")
	ErrNoReplyPort    = errors.New("message carries no reply port")
	ErrRateLimited    = errors.New("rate limited")
	ErrPanic          = errors.New("handler panicked")
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enclave_rpc_requests_total",
		Help: "RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	rejectedOrigins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enclave_rpc_rejected_origin_total",
		Help: "Messages dropped because of their origin.",
	})
)

// Enclave is what the gateway exposes to the parent.
type Enclave interface {
	Reset(ctx context.Context) error
	Storage(ctx context.Context, origin string, p session.StorageParams) (model.StorageRecord, error)
	Keys(ctx context.Context, origin string) ([]byte, error)
	Encrypt(ctx context.Context, origin string, message, receiverPublicKey []byte) (*model.EncryptedMessage, error)
	Decrypt(ctx context.Context, origin string, content, senderPublicKey []byte) ([]byte, error)
	Confirm(ctx context.Context, origin, message string) (bool, error)
	Configure(c model.Configuration) error
	BackupPasswordOrSecret(ctx context.Context, origin string) (json.RawMessage, error)
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Message is one inbound cross-origin message. Ports[0] is the reply port.
type Message struct {
	Origin string
	Data   json.RawMessage
	Ports  []*port.Port
}

type Gateway struct {
	parentOrigin string
	enclave      Enclave
	buttons      *affordance.Set
	limiter      *rate.Limiter
}

func New(parentOrigin string, enclave Enclave, buttons *affordance.Set, rl RateLimit) *Gateway {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}
	return &Gateway{
		parentOrigin: parentOrigin,
		enclave:      enclave,
		buttons:      buttons,
		limiter:      limiter,
	}
}

func (g *Gateway) ParentOrigin() string {
	return g.parentOrigin
}

// Handle answers msg exactly once on its reply port, then resets the buttons and closes the
// port. Messages from any origin but the parent's get no reply at all.
func (g *Gateway) Handle(ctx context.Context, msg Message) error {
	if msg.Origin != g.parentOrigin {
		rejectedOrigins.Inc()
		log.Warn("message from unexpected origin dropped", zap.String("origin", msg.Origin))
		return ErrOriginRejected
	}
	if len(msg.Ports) == 0 || msg.Ports[0] == nil {
		log.Warn("message without reply port dropped", zap.String("origin", msg.Origin))
		return ErrNoReplyPort
	}

	reply := msg.Ports[0]
	defer func() {
		g.buttons.Reset()
		_ = reply.Close()
	}()

	method := Method("unknown")
	result, err := func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("rpc handler panicked", zap.String("method", string(method)), zap.Any("panic", r))
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()

		if !g.limiter.Allow() {
			return nil, ErrRateLimited
		}
		req, err := ParseRequest(msg.Data)
		if err != nil {
			return nil, err
		}
		method = req.Method()
		return g.dispatch(ctx, msg.Origin, req)
	}()

	out := model.Reply{Result: result}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		out = model.Reply{Error: replyError(err)}
		log.Info("rpc request failed", zap.String("method", string(method)), zap.Error(err))
	} else {
		log.Debug("rpc request handled", zap.String("method", string(method)))
	}
	requestsTotal.WithLabelValues(string(method), outcome).Inc()

	if perr := reply.Post(out); perr != nil {
		log.Warn("post rpc reply", zap.String("method", string(method)), zap.Error(perr))
		return perr
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, origin string, req Request) (any, error) {
	switch r := req.(type) {
	case *ResetRequest:
		return nil, g.enclave.Reset(ctx)
	case *StorageRequest:
		return g.enclave.Storage(ctx, origin, r.StorageParams)
	case *KeysRequest:
		return g.enclave.Keys(ctx, origin)
	case *EncryptRequest:
		return g.enclave.Encrypt(ctx, origin, r.Message, r.ReceiverPublicKey)
	case *DecryptRequest:
		return g.enclave.Decrypt(ctx, origin, r.FullMessage, r.SenderPublicKey)
	case *ConfirmRequest:
		return g.enclave.Confirm(ctx, origin, r.Message)
	case *ConfigureRequest:
		return nil, g.enclave.Configure(r.Configuration)
	case *FilterByCountriesRequest:
		if _, err := g.enclave.Keys(ctx, origin); err != nil {
			return nil, err
		}
		return filter.ByCountries(g.decrypter(ctx, origin), r.Credentials, r.Countries)
	case *FilterCredentialsRequest:
		if _, err := g.enclave.Keys(ctx, origin); err != nil {
			return nil, err
		}
		return filter.ByCriteria(g.decrypter(ctx, origin), r.Credentials, r.PrivateFieldFilters)
	case *BackupRequest:
		return g.enclave.BackupPasswordOrSecret(ctx, origin)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
}

func (g *Gateway) decrypter(ctx context.Context, origin string) filter.Decrypter {
	return filter.DecrypterFunc(func(content, senderPublicKey []byte) ([]byte, error) {
		return g.enclave.Decrypt(ctx, origin, content, senderPublicKey)
	})
}

// replyError maps err to its wire name. Decryption failures never carry diagnostics.
func replyError(err error) *model.ReplyError {
	switch {
	case errors.Is(err, ErrUnknownRequest):
		return &model.ReplyError{Name: "UnknownRequestError", Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return &model.ReplyError{Name: "RateLimitedError", Message: err.Error()}
	case errors.Is(err, kdf.ErrInvalidSalt):
		return &model.ReplyError{Name: "InvalidSaltError", Message: kdf.ErrInvalidSalt.Error()}
	case errors.Is(err, box.ErrDecryptionFailed):
		msg := box.ErrDecryptionFailed.Error()
		if ids := filter.FailedIDs(err); len(ids) > 0 {
			msg = fmt.Sprintf("%s for credentials: %s", msg, strings.Join(ids, ", "))
		}
		return &model.ReplyError{Name: "DecryptionFailedError", Message: msg}
	case errors.Is(err, session.ErrIncompleteSession):
		return &model.ReplyError{Name: "UnexpectedIncompleteSessionError", Message: session.ErrIncompleteSession.Error()}
	case errors.Is(err, session.ErrAuthFailed):
		return &model.ReplyError{Name: "AuthFailedError", Message: err.Error()}
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, session.ErrInvalidPublicKey),
		errors.Is(err, session.ErrInvalidMode),
		errors.Is(err, filter.ErrNotJSON):
		return &model.ReplyError{Name: "InvalidParamsError", Message: err.Error()}
	}
	return &model.ReplyError{Name: "Error", Message: err.Error()}
}
