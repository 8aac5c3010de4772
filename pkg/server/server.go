package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chat-relay/pkg/generation"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// Server owns the HTTP surface of the relay: turn initiation and the
// resumable SSE stream attachment endpoint.
type Server struct {
	baseCtx  context.Context
	settings Settings

	logStore relay.Log
	broker   relay.Broker
	producer *relay.Producer
	source   generation.Source

	mux    *http.ServeMux
	server *http.Server
}

// NewServer wires the relay backends selected by the settings to the HTTP
// handlers. The generation source is an external collaborator; pass whatever
// provider the deployment uses.
func NewServer(ctx context.Context, settings Settings, source generation.Source) (*Server, error) {
	if source == nil {
		return nil, errors.New("server: generation source is nil")
	}
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logStore, broker, err := BuildRelay(settings)
	if err != nil {
		return nil, errors.Wrap(err, "build relay backends")
	}
	producer, err := relay.NewProducer(relay.ProducerConfig{
		Log:       logStore,
		Broker:    broker,
		StreamTTL: settings.StreamTTL,
		Retries:   settings.AppendRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build producer")
	}

	s := &Server{
		baseCtx:  ctx,
		settings: settings,
		logStore: logStore,
		broker:   broker,
		producer: producer,
		source:   source,
		mux:      http.NewServeMux(),
	}
	s.registerHTTPHandlers()
	s.server = &http.Server{
		Addr:              settings.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: SSE connections stay open for the whole turn.
	}
	return s, nil
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if err := s.broker.Close(); err != nil {
			log.Error().Err(err).Msg("broker close error")
		}
		if err := s.logStore.Close(); err != nil {
			log.Error().Err(err).Msg("log close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.settings.Addr).Msg("starting chat-relay server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		srvCancel()
		return nil
	})

	return eg.Wait()
}

type chatRequest struct {
	generation.Request
	StreamID string `json:"streamId,omitempty"`
}

func (s *Server) registerHTTPHandlers() {
	s.mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/chat/stream", s.handleStream)
}

// handleChat accepts a turn and returns immediately with the assigned stream
// id. The producer runs decoupled on the server's base context: readers come
// and go, the turn always runs to completion.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	streamID := body.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	log.Info().Str("stream_id", streamID).Str("model", body.Model).
		Bool("thinking", body.Thinking).Msg("starting turn")

	go s.producer.Start(s.baseCtx, streamID, s.source, body.Request)

	writeJSON(w, http.StatusOK, map[string]string{"streamId": streamID, "status": "started"})
}

// handleStream attaches a long-lived SSE connection to a turn. History is
// replayed from the log, then live records follow until the terminal record
// closes the stream; reconnecting with the same stream id resumes from the
// beginning.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("streamId")
	if streamID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing streamId"})
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	reader, err := relay.NewReader(s.logStore, s.broker)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "relay unavailable"})
		return
	}
	if err := reader.Stream(r.Context(), streamID, sse.Send); err != nil {
		// Downstream write failures just mean the client went away.
		log.Debug().Err(err).Str("stream_id", streamID).Msg("stream delivery ended")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
