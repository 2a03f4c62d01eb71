package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"smartq/token-service/internal/analytics"
	"smartq/token-service/internal/checkin"
	"smartq/token-service/internal/dispatch"
	"smartq/token-service/internal/metrics"
	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
)

// Dispatcher is the engine surface the HTTP layer drives.
type Dispatcher interface {
	Book(ctx context.Context, input dispatch.BookInput) (models.Token, error)
	CallNext(ctx context.Context, officeID string) (models.Token, error)
	Complete(ctx context.Context, tokenID string) (models.Token, error)
	Cancel(ctx context.Context, tokenID string) (models.Token, error)
	CheckIn(ctx context.Context, tokenID, scannedOfficeID string) (checkin.Result, error)
	QueueSnapshot(ctx context.Context, officeID string) (dispatch.Snapshot, error)
	Position(ctx context.Context, tokenID string) (int, error)
	PeekNext(ctx context.Context, officeID string) (models.Token, bool, error)
	Get(ctx context.Context, tokenID string) (models.Token, error)
	ListByOffice(ctx context.Context, officeID, day string) ([]models.Token, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Token, error)
	TokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error)
	Audit(ctx context.Context, tokenID string) (dispatch.Audit, error)
	Notifications(ctx context.Context, recipientID string) ([]models.Notification, error)
	Acknowledge(ctx context.Context, notificationID string) error
	OfficeSummary(ctx context.Context, officeID, day string) (analytics.Summary, error)
}

type Options struct {
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	RateLimit          RateLimitConfig
	CORSAllowedOrigins []string
	// Realtime is mounted under /realtime when set.
	Realtime http.Handler
}

type Handler struct {
	engine   Dispatcher
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *RateLimiter
	origins  []string
	realtime http.Handler
}

type bookRequest struct {
	StudentID string `json:"student_id" validate:"required,max=128"`
	OfficeID  string `json:"office_id" validate:"required,max=128"`
	Purpose   string `json:"purpose" validate:"max=500"`
	Priority  string `json:"priority"`
}

type checkInRequest struct {
	OfficeID  string `json:"office_id" validate:"required_without=QRPayload,max=128"`
	QRPayload string `json:"qr_payload" validate:"required_without=OfficeID"`
}

type checkInResponse struct {
	Token   models.Token `json:"token"`
	Changed bool         `json:"changed"`
}

type positionResponse struct {
	TokenID  string `json:"token_id"`
	Position int    `json:"position"`
}

type resultResponse struct {
	Result string `json:"result"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Dispatcher, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:   engine,
		validate: newValidator(),
		logger:   logger.With("component", "http"),
		metrics:  options.Metrics,
		limiter:  NewRateLimiter(options.RateLimit),
		origins:  options.CORSAllowedOrigins,
		realtime: options.Realtime,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(h.logger, h.metrics))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.metrics.Handler())
	if h.realtime != nil {
		r.Handle("/realtime/*", h.realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.limiter.Middleware)

		r.Post("/tokens", h.handleBook)
		r.Get("/tokens", h.handleListByStudent)
		r.Get("/tokens/{tokenID}", h.handleGetToken)
		r.Get("/tokens/{tokenID}/position", h.handlePosition)
		r.Get("/tokens/{tokenID}/events", h.handleTokenEvents)
		r.Get("/tokens/{tokenID}/audit", h.handleAudit)
		r.Post("/tokens/{tokenID}/actions/complete", h.handleComplete)
		r.Post("/tokens/{tokenID}/actions/cancel", h.handleCancel)
		r.Post("/tokens/{tokenID}/actions/check-in", h.handleCheckIn)

		r.Post("/offices/{officeID}/call-next", h.handleCallNext)
		r.Get("/offices/{officeID}/queue", h.handleQueue)
		r.Get("/offices/{officeID}/next", h.handlePeekNext)
		r.Get("/offices/{officeID}/tokens", h.handleOfficeTokens)
		r.Get("/offices/{officeID}/checkin-code", h.handleCheckInCode)

		r.Get("/notifications", h.handleNotifications)
		r.Post("/notifications/{notificationID}/ack", h.handleAcknowledge)

		r.Get("/analytics/offices/{officeID}", h.handleOfficeSummary)
	})

	allowed := h.origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Student-ID"},
	}).Handler(r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !h.decode(w, r, &req) {
		return
	}
	priority, ok := models.ParsePriority(strings.TrimSpace(req.Priority))
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "priority must be normal, urgent or medical")
		return
	}

	token, err := h.engine.Book(r.Context(), dispatch.BookInput{
		StudentID: req.StudentID,
		OfficeID:  req.OfficeID,
		Purpose:   req.Purpose,
		Priority:  priority,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleListByStudent(w http.ResponseWriter, r *http.Request) {
	studentID := strings.TrimSpace(r.URL.Query().Get("student_id"))
	if studentID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "student_id is required")
		return
	}
	tokens, err := h.engine.ListByStudent(r.Context(), studentID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.engine.Get(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	position, err := h.engine.Position(r.Context(), tokenID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{TokenID: tokenID, Position: position})
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.TokenEvents(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.engine.Audit(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	token, err := h.engine.Complete(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	token, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !h.decode(w, r, &req) {
		return
	}
	officeID := req.OfficeID
	if officeID == "" {
		parsed, err := checkin.ParsePayload(req.QRPayload)
		if err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_payload", "check-in code not recognized, scan again")
			return
		}
		officeID = parsed
	}

	result, err := h.engine.CheckIn(r.Context(), chi.URLParam(r, "tokenID"), officeID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkInResponse{Token: result.Token, Changed: result.Changed})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	token, err := h.engine.CallNext(r.Context(), chi.URLParam(r, "officeID"))
	if errors.Is(err, store.ErrQueueEmpty) {
		writeJSON(w, http.StatusOK, resultResponse{Result: "queue_empty"})
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.engine.QueueSnapshot(r.Context(), chi.URLParam(r, "officeID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handlePeekNext(w http.ResponseWriter, r *http.Request) {
	token, ok, err := h.engine.PeekNext(r.Context(), chi.URLParam(r, "officeID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, resultResponse{Result: "queue_empty"})
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleOfficeTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.engine.ListByOffice(r.Context(), chi.URLParam(r, "officeID"), r.URL.Query().Get("day"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleCheckInCode(w http.ResponseWriter, r *http.Request) {
	officeID := chi.URLParam(r, "officeID")
	writeJSON(w, http.StatusOK, map[string]string{"office_id": officeID, "payload": checkin.Payload(officeID)})
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID := strings.TrimSpace(r.URL.Query().Get("recipient_id"))
	if recipientID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "recipient_id is required")
		return
	}
	notifications, err := h.engine.Notifications(r.Context(), recipientID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Acknowledge(r.Context(), chi.URLParam(r, "notificationID")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOfficeSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.OfficeSummary(r.Context(), chi.URLParam(r, "officeID"), r.URL.Query().Get("day"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// decode reads a JSON body into dst and validates it, writing the error
// response itself when it returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return "invalid or missing fields: " + strings.Join(fields, ", ")
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r), "error", err)
	}
	writeError(w, requestID(r), status, code, message)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrOfficeNotFound):
		return http.StatusNotFound, "office_not_found", "office not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrNotificationNotFound):
		return http.StatusNotFound, "notification_not_found", "notification not found"
	case errors.Is(err, store.ErrOfficeInactive):
		return http.StatusConflict, "office_inactive", "office is not accepting bookings"
	case errors.Is(err, store.ErrOfficeFull):
		return http.StatusConflict, "office_full", "office has reached its token limit for today"
	case errors.Is(err, store.ErrOfficeBusy):
		return http.StatusConflict, "office_busy", "finish the current token first"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token state does not allow this action"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "token is already closed"
	case errors.Is(err, store.ErrOfficeMismatch):
		return http.StatusUnprocessableEntity, "office_mismatch", "wrong office code, scan again"
	case errors.Is(err, dispatch.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, dispatch.ErrBusy):
		return http.StatusServiceUnavailable, "busy", "office is busy, try again"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
