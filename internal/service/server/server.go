package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"key_enclave/internal/service/affordance"
	"key_enclave/internal/service/gateway"
	"key_enclave/internal/utils/log"
)

type Config struct {
	Listen        string
	EnclaveOrigin string
	ParentOrigin  string
}

type HttpServer struct {
	cfg     Config
	gateway *gateway.Gateway
	buttons *affordance.Set
	windows *WindowManager
}

func NewHttpServer(cfg Config, gw *gateway.Gateway, buttons *affordance.Set, windows *WindowManager) *HttpServer {
	return &HttpServer{
		cfg:     cfg,
		gateway: gw,
		buttons: buttons,
		windows: windows,
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/rpc", s.HandleParentWS()).Methods(http.MethodGet)
	r.HandleFunc("/dialog/ws", s.HandleDialogWS()).Methods(http.MethodGet)
	r.HandleFunc("/dialog.html", s.GetDialogWindow()).Methods(http.MethodGet)
	r.HandleFunc("/affordance", s.GetAffordances()).Methods(http.MethodGet)
	r.HandleFunc("/affordance/{name}", s.ActivateAffordance()).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.EnclaveOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Origin", "Accept", "Content-Type"},
	}).Handler(r)
}

// Run serves until ctx is done.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("enclave listening", zap.String("addr", s.cfg.Listen), zap.String("parentOrigin", s.cfg.ParentOrigin))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleParentWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == s.cfg.ParentOrigin
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("parent upgrade failed", zap.String("origin", r.Header.Get("Origin")), zap.Error(err))
			return
		}

		p := newParentConn(conn, r.Header.Get("Origin"), s.gateway)
		go p.serve()
	}
}

func (s *HttpServer) HandleDialogWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.cfg.EnclaveOrigin
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("window")
		win, ok := s.windows.Get(id)
		if !ok {
			http.Error(w, "unknown window", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("dialog upgrade failed", zap.String("window", id), zap.Error(err))
			return
		}

		if err := win.attach(conn); err != nil {
			log.Warn("dialog attach failed", zap.String("window", id), zap.Error(err))
			_ = conn.Close()
		}
	}
}

func (s *HttpServer) GetDialogWindow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		win, ok := s.windows.Get(r.URL.Query().Get("window"))
		if !ok {
			http.Error(w, "unknown window", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, win.Info())
	}
}

func (s *HttpServer) GetAffordances() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]affordance.State{
			affordance.Unlock:  s.buttons.Unlock.State(),
			affordance.Confirm: s.buttons.Confirm.State(),
			affordance.Backup:  s.buttons.Backup.State(),
		})
	}
}

// ActivateAffordance is the human clicking a button. The parent may never click for the human.
func (s *HttpServer) ActivateAffordance() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin != s.cfg.EnclaveOrigin {
			log.Warn("affordance activation refused", zap.String("origin", origin))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		name := mux.Vars(r)["name"]
		b, err := s.buttons.Get(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err := b.Activate(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		log.Info("affordance activated", zap.String("name", name))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
