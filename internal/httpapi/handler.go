package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

// OperationService is the part of domain.OperationService the API needs.
type OperationService interface {
	CreateOperation(ctx context.Context, in domain.CreateOperationInput) (*domain.Operation, error)
	GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error)
	GetOperationByExternalID(ctx context.Context, externalID string) (*domain.Operation, error)
	ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.OperationEvent, error)
}

// Handler serves the operations HTTP API.
type Handler struct {
	service OperationService
	log     logrus.FieldLogger
}

// NewHandler creates a new Handler backed by the given service
func NewHandler(service OperationService, log logrus.FieldLogger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

// Router returns the chi router with all routes and middleware mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/operations", func(r chi.Router) {
		r.Post("/", h.CreateOperation)
		r.Get("/external/{externalId}", h.GetOperationByExternalID)
		r.Get("/{id}", h.GetOperation)
		r.Get("/{id}/events", h.ListEvents)
	})

	return r
}

// CreateOperation handles POST /operations.
// The operation is accepted in CREATED; processing happens asynchronously.
func (h *Handler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req CreateOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to parse request body: "+err.Error())
		return
	}
	if !req.Amount.Valid {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "amount is required")
		return
	}

	op, err := h.service.CreateOperation(r.Context(), domain.CreateOperationInput{
		ExternalID: strings.TrimSpace(req.ExternalID),
		AccountID:  req.AccountID,
		Kind:       domain.OperationKind(strings.ToUpper(req.Kind)),
		Amount:     req.Amount.Decimal,
		Currency:   req.Currency,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	sendJSON(w, http.StatusAccepted, toOperation(op))
}

// GetOperation handles GET /operations/{id}.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	op, err := h.service.GetOperation(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, toOperation(op))
}

// GetOperationByExternalID handles GET /operations/external/{externalId}.
func (h *Handler) GetOperationByExternalID(w http.ResponseWriter, r *http.Request) {
	op, err := h.service.GetOperationByExternalID(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, toOperation(op))
}

// ListEvents handles GET /operations/{id}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListEvents(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := GetEventsResponse{Content: make([]Event, 0, len(events))}
	for _, e := range events {
		ev, err := toEvent(e)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		resp.Content = append(resp.Content, ev)
	}

	sendJSON(w, http.StatusOK, resp)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Operation id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// handleServiceError converts domain errors to HTTP responses
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		sendErrorResponse(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrOperationNotFound):
		sendErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrDuplicateExternalID):
		sendErrorResponse(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		sendErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// sendErrorResponse sends an error response in the expected format
func sendErrorResponse(w http.ResponseWriter, statusCode int, code, description string) {
	sendJSON(w, statusCode, BaseError{
		Code:        code,
		Description: &description,
		ID:          uuid.New(),
	})
}
