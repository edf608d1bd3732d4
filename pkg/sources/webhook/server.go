// Package webhook exposes an HTTP ingest for trigger events. The surrounding
// application (or a third party like a form builder or cart platform) POSTs
// events here; valid payloads fan out to the engine's trigger evaluation.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dripmail/dripmail/pkg/engine"
	"github.com/dripmail/dripmail/pkg/models"
)

const (
	readTimeout        = 30 * time.Second
	writeTimeout       = 30 * time.Second
	idleTimeout        = 60 * time.Second
	shutdownTimeout    = 5 * time.Second
	maxRequestBodySize = 1024 * 1024
)

// Triggerer receives validated trigger events. The engine implements it.
type Triggerer interface {
	Trigger(ctx context.Context, event models.TriggerEvent) (*engine.TriggerResult, error)
}

// payloadSchema is the closed shape every ingested event must match. The
// context bag is string-to-string; per-trigger key policy is enforced later
// at enroll time.
const payloadSchema = `{
	"type": "object",
	"properties": {
		"contact_id": {"type": "string", "minLength": 1},
		"context": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"occurred_at": {"type": "string", "format": "date-time"}
	},
	"required": ["contact_id"],
	"additionalProperties": false
}`

type payload struct {
	ContactID  string                   `json:"contact_id"`
	Context    models.EnrollmentContext `json:"context,omitempty"`
	OccurredAt string                   `json:"occurred_at,omitempty"`
}

// Server is the webhook ingest HTTP server.
type Server struct {
	server    *http.Server
	port      int
	triggerer Triggerer
	logger    *slog.Logger
	schema    *gojsonschema.Schema
	mu        sync.Mutex
	started   bool
}

// NewServer creates a webhook ingest server on the given port.
func NewServer(port int, triggerer Triggerer, logger *slog.Logger) (*Server, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile webhook payload schema: %w", err)
	}

	return &Server{
		port:      port,
		triggerer: triggerer,
		schema:    schema,
		logger:    logger.With("module", "webhook_source", "port", port),
	}, nil
}

// Start begins serving. It returns immediately; the server shuts down when
// the context is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events/", s.handleEvent)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.started = true
	s.logger.InfoContext(ctx, "Starting webhook source", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook source server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error("Error during webhook source shutdown", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.InfoContext(ctx, "Stopping webhook source")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.started = false

	return nil
}

// handleEvent accepts POST /events/{trigger_type} with a JSON payload
// matching payloadSchema.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	triggerType := models.TriggerType(strings.TrimPrefix(r.URL.Path, "/events/"))
	if triggerType == "" {
		s.writeError(w, http.StatusBadRequest, "missing trigger type in path")

		return
	}

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "only POST method allowed")

		return
	}

	if !triggerType.IsValid() || triggerType == models.TriggerManual {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown trigger type %q", triggerType))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "error reading request body")

		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON in request body")

		return
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		s.writeError(w, http.StatusBadRequest,
			"payload validation failed: "+strings.Join(descriptions, "; "))

		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON in request body")

		return
	}

	occurredAt := time.Now().UTC()

	if p.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, p.OccurredAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "occurred_at must be RFC 3339")

			return
		}

		occurredAt = parsed
	}

	event := models.TriggerEvent{
		Type:       triggerType,
		ContactID:  p.ContactID,
		Context:    p.Context,
		OccurredAt: occurredAt,
	}

	outcome, triggerErr := s.triggerer.Trigger(r.Context(), event)
	if triggerErr != nil {
		s.logger.Error("Failed to process trigger event",
			"trigger_type", triggerType, "contact_id", p.ContactID, "error", triggerErr)
		s.writeError(w, http.StatusInternalServerError, "error processing event")

		return
	}

	s.logger.Info("Trigger event accepted",
		"trigger_type", triggerType,
		"contact_id", p.ContactID,
		"enrolled", len(outcome.Enrolled),
		"duplicates", outcome.Duplicates,
		"remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     "accepted",
		"enrolled":   len(outcome.Enrolled),
		"duplicates": outcome.Duplicates,
	}); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Error("Error encoding health response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":  "error",
		"message": message,
		"code":    statusCode,
	}); err != nil {
		s.logger.Error("Error encoding error response", "error", err)
	}
}
