// Package dispatch is the token engine: booking, calling the next token,
// check-in, completion and cancellation, each serialized per office.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"smartq/token-service/internal/analytics"
	"smartq/token-service/internal/checkin"
	"smartq/token-service/internal/directory"
	"smartq/token-service/internal/events"
	"smartq/token-service/internal/metrics"
	"smartq/token-service/internal/models"
	"smartq/token-service/internal/notify"
	"smartq/token-service/internal/scheduler"
	"smartq/token-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultLockTimeout = 2 * time.Second

var (
	// ErrBusy means the office lock could not be taken in time. Nothing was
	// changed and the call may be retried.
	ErrBusy            = errors.New("office busy, try again")
	ErrInvalidArgument = errors.New("invalid argument")
)

type Options struct {
	// Location decides the calendar day token numbers reset on.
	Location          *time.Location
	LockTimeout       time.Duration
	EnforceTokenLimit bool
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Publisher         events.Publisher
}

type BookInput struct {
	StudentID string
	OfficeID  string
	Purpose   string
	Priority  models.Priority
}

type Snapshot struct {
	OfficeID   string         `json:"office_id"`
	Waiting    []models.Token `json:"waiting"`
	InProgress *models.Token  `json:"in_progress"`
}

// Audit is the replayed event trail of one token.
type Audit struct {
	TokenID    string             `json:"token_id"`
	Events     []store.TokenEvent `json:"events"`
	ChainValid bool               `json:"chain_valid"`
	Consistent bool               `json:"consistent"`
	Problem    string             `json:"problem,omitempty"`
}

type Engine struct {
	ledger    store.TokenStore
	offices   directory.Directory
	scheduler *scheduler.Scheduler
	gate      *checkin.Gate
	notifier  notify.Queue
	publisher events.Publisher
	locks     *officeLocks

	seqMu     sync.Mutex
	sequences map[string]uint64

	location     *time.Location
	lockTimeout  time.Duration
	enforceLimit bool
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
}

func New(ledger store.TokenStore, offices directory.Directory, notifier notify.Queue, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	sched := scheduler.New(ledger)
	return &Engine{
		ledger:       ledger,
		offices:      offices,
		scheduler:    sched,
		gate:         checkin.NewGate(ledger, sched, offices),
		notifier:     notifier,
		publisher:    opts.Publisher,
		locks:        newOfficeLocks(),
		sequences:    make(map[string]uint64),
		location:     opts.Location,
		lockTimeout:  opts.LockTimeout,
		enforceLimit: opts.EnforceTokenLimit,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "dispatch"),
		metrics:      opts.Metrics,
		tracer:       otel.Tracer("smartq/token-service/dispatch"),
	}
}

func (e *Engine) Book(ctx context.Context, input BookInput) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.Book", trace.WithAttributes(attribute.String("office.id", input.OfficeID)))
	defer func() { e.finish(span, "book", err) }()

	input.StudentID = strings.TrimSpace(input.StudentID)
	if input.StudentID == "" || input.OfficeID == "" {
		return models.Token{}, ErrInvalidArgument
	}
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	if !input.Priority.Valid() {
		return models.Token{}, ErrInvalidArgument
	}

	office, err := e.offices.Office(ctx, input.OfficeID)
	if err != nil {
		return models.Token{}, err
	}
	if !office.IsActive {
		return models.Token{}, store.ErrOfficeInactive
	}

	unlock, err := e.lock(ctx, office.OfficeID)
	if err != nil {
		return models.Token{}, err
	}
	now := e.now()
	token, err = e.ledger.CreateToken(ctx, store.CreateTokenInput{
		StudentID:    input.StudentID,
		OfficeID:     office.OfficeID,
		Purpose:      input.Purpose,
		Priority:     input.Priority,
		CreatedAt:    now,
		Day:          store.DayOf(now, e.location),
		EnforceLimit: e.enforceLimit,
	})
	var seq uint64
	if err == nil {
		seq = e.nextEventSeq(office.OfficeID)
	}
	unlock()
	if err != nil {
		return models.Token{}, err
	}

	span.SetAttributes(attribute.String("token.id", token.TokenID), attribute.String("token.number", token.TokenNumber))
	e.logger.Info("token booked", "office_id", token.OfficeID, "token_id", token.TokenID, "token_number", token.TokenNumber, "priority", token.Priority)
	e.publishToken(ctx, seq, events.TypeTokenCreated, token)
	return token, nil
}

// CallNext starts serving the highest ranked waiting token. It fails with
// store.ErrOfficeBusy while another token is in progress and with
// store.ErrQueueEmpty when nobody is waiting; neither changes any token.
func (e *Engine) CallNext(ctx context.Context, officeID string) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.CallNext", trace.WithAttributes(attribute.String("office.id", officeID)))
	defer func() { e.finish(span, "call_next", err) }()

	if _, err = e.offices.Office(ctx, officeID); err != nil {
		return models.Token{}, err
	}

	unlock, err := e.lock(ctx, officeID)
	if err != nil {
		return models.Token{}, err
	}
	next, err := e.scheduler.SelectForDispatch(ctx, officeID)
	if err == nil {
		token, err = e.ledger.TransitionToken(ctx, store.TransitionInput{
			TokenID:    next.TokenID,
			Action:     store.ActionCallNext,
			OccurredAt: e.now(),
		})
	}
	var seq uint64
	if err == nil {
		seq = e.nextEventSeq(officeID)
	}
	unlock()
	if err != nil {
		return models.Token{}, err
	}

	span.SetAttributes(attribute.String("token.id", token.TokenID))
	e.logger.Info("token called", "office_id", officeID, "token_id", token.TokenID, "token_number", token.TokenNumber)
	e.publishToken(ctx, seq, store.EventType(store.ActionCallNext), token)
	return token, nil
}

func (e *Engine) Complete(ctx context.Context, tokenID string) (models.Token, error) {
	return e.transition(ctx, tokenID, store.ActionComplete)
}

func (e *Engine) Cancel(ctx context.Context, tokenID string) (models.Token, error) {
	return e.transition(ctx, tokenID, store.ActionCancel)
}

func (e *Engine) transition(ctx context.Context, tokenID, action string) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch."+action, trace.WithAttributes(attribute.String("token.id", tokenID)))
	defer func() { e.finish(span, action, err) }()

	current, err := e.ledger.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	span.SetAttributes(attribute.String("office.id", current.OfficeID))

	unlock, err := e.lock(ctx, current.OfficeID)
	if err != nil {
		return models.Token{}, err
	}
	token, err = e.ledger.TransitionToken(ctx, store.TransitionInput{
		TokenID:    tokenID,
		Action:     action,
		OccurredAt: e.now(),
	})
	var seq uint64
	if err == nil {
		seq = e.nextEventSeq(current.OfficeID)
	}
	unlock()
	if err != nil {
		return models.Token{}, err
	}

	e.logger.Info("token "+string(token.Status), "office_id", token.OfficeID, "token_id", token.TokenID, "token_number", token.TokenNumber)
	e.publishToken(ctx, seq, store.EventType(action), token)
	return token, nil
}

// CheckIn records arrival at scannedOfficeID. The "you are next" notification
// is worked out under the office lock and delivered after it is released.
func (e *Engine) CheckIn(ctx context.Context, tokenID, scannedOfficeID string) (result checkin.Result, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.CheckIn", trace.WithAttributes(
		attribute.String("token.id", tokenID),
		attribute.String("office.scanned", scannedOfficeID),
	))
	defer func() { e.finish(span, "check_in", err) }()

	current, err := e.ledger.GetToken(ctx, tokenID)
	if err != nil {
		return checkin.Result{}, err
	}

	unlock, err := e.lock(ctx, current.OfficeID)
	if err != nil {
		return checkin.Result{}, err
	}
	result, err = e.gate.CheckIn(ctx, tokenID, scannedOfficeID, e.now())
	var seq, notifySeq uint64
	if err == nil && result.Changed {
		seq = e.nextEventSeq(current.OfficeID)
		if result.Notification != nil {
			notifySeq = e.nextEventSeq(current.OfficeID)
		}
	}
	unlock()
	if err != nil {
		return checkin.Result{}, err
	}
	if !result.Changed {
		return result, nil
	}

	e.logger.Info("token checked in", "office_id", result.Token.OfficeID, "token_id", tokenID)
	e.publishToken(ctx, seq, store.EventType(store.ActionCheckIn), result.Token)

	if result.Notification != nil {
		sent, err := e.notifier.Enqueue(ctx, *result.Notification)
		if err != nil {
			// The check-in is already committed.
			e.logger.Error("enqueue notification", "recipient_id", result.Notification.RecipientID, "error", err)
			e.metrics.EngineError("notify", "enqueue_failed")
			return result, nil
		}
		result.Notification = &sent
		e.publish(ctx, notifySeq, events.TypeNotificationCreated, sent.OfficeID, sent.RecipientID, sent)
	}
	return result, nil
}

// QueueSnapshot reads committed state without taking the office lock.
func (e *Engine) QueueSnapshot(ctx context.Context, officeID string) (Snapshot, error) {
	if _, err := e.offices.Office(ctx, officeID); err != nil {
		return Snapshot{}, err
	}
	open, err := e.ledger.ListOpen(ctx, officeID)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{OfficeID: officeID, Waiting: scheduler.Order(open)}
	if current, ok := scheduler.InProgress(open); ok {
		snapshot.InProgress = &current
	}
	return snapshot, nil
}

func (e *Engine) Position(ctx context.Context, tokenID string) (int, error) {
	return e.scheduler.Position(ctx, tokenID)
}

func (e *Engine) PeekNext(ctx context.Context, officeID string) (models.Token, bool, error) {
	if _, err := e.offices.Office(ctx, officeID); err != nil {
		return models.Token{}, false, err
	}
	return e.scheduler.PeekNext(ctx, officeID)
}

func (e *Engine) Get(ctx context.Context, tokenID string) (models.Token, error) {
	return e.ledger.GetToken(ctx, tokenID)
}

func (e *Engine) ListByOffice(ctx context.Context, officeID, day string) ([]models.Token, error) {
	if day != "" {
		if _, err := store.ParseDay(day); err != nil {
			return nil, ErrInvalidArgument
		}
	}
	return e.ledger.ListByOffice(ctx, officeID, day)
}

func (e *Engine) ListByStudent(ctx context.Context, studentID string) ([]models.Token, error) {
	return e.ledger.ListByStudent(ctx, studentID)
}

func (e *Engine) TokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	return e.ledger.ListTokenEvents(ctx, tokenID)
}

// Audit verifies the token's hash chain and checks that replaying it yields
// the stored state. A broken trail is reported in the result, not as an error.
func (e *Engine) Audit(ctx context.Context, tokenID string) (Audit, error) {
	current, err := e.ledger.GetToken(ctx, tokenID)
	if err != nil {
		return Audit{}, err
	}
	trail, err := e.ledger.ListTokenEvents(ctx, tokenID)
	if err != nil {
		return Audit{}, err
	}

	audit := Audit{TokenID: tokenID, Events: trail}
	if err := store.VerifyTokenEvents(trail); err != nil {
		audit.Problem = err.Error()
		return audit, nil
	}
	audit.ChainValid = true

	replayed, err := store.RehydrateToken(trail)
	if err != nil {
		audit.Problem = err.Error()
		return audit, nil
	}
	audit.Consistent = replayed.OfficeID == current.OfficeID &&
		replayed.Status == current.Status &&
		replayed.IsCheckedIn == current.IsCheckedIn
	if !audit.Consistent {
		audit.Problem = fmt.Sprintf("replayed %s (checked in %t), stored %s (checked in %t)",
			replayed.Status, replayed.IsCheckedIn, current.Status, current.IsCheckedIn)
		e.logger.Warn("token audit mismatch", "token_id", tokenID, "problem", audit.Problem)
	}
	return audit, nil
}

func (e *Engine) Notifications(ctx context.Context, recipientID string) ([]models.Notification, error) {
	return e.notifier.List(ctx, recipientID)
}

func (e *Engine) Acknowledge(ctx context.Context, notificationID string) error {
	return e.notifier.Acknowledge(ctx, notificationID)
}

// OfficeSummary aggregates one office's tokens for a day, or for all days
// when day is empty.
func (e *Engine) OfficeSummary(ctx context.Context, officeID, day string) (analytics.Summary, error) {
	if _, err := e.offices.Office(ctx, officeID); err != nil {
		return analytics.Summary{}, err
	}
	tokens, err := e.ListByOffice(ctx, officeID, day)
	if err != nil {
		return analytics.Summary{}, err
	}
	return analytics.Summarize(tokens, e.location), nil
}

// Today is the calendar day new bookings are numbered under.
func (e *Engine) Today() string {
	return store.DayOf(e.now(), e.location)
}

func (e *Engine) lock(ctx context.Context, officeID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	started := time.Now()
	unlock, err := e.locks.acquire(waitCtx, officeID)
	e.metrics.LockWait(time.Since(started))
	if err != nil {
		e.logger.Warn("office lock timeout", "office_id", officeID, "timeout", e.lockTimeout)
		return nil, err
	}
	return unlock, nil
}

// nextEventSeq must be called with the office lock held so sequence order
// matches commit order.
func (e *Engine) nextEventSeq(officeID string) uint64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.sequences[officeID]++
	return e.sequences[officeID]
}

func (e *Engine) publishToken(ctx context.Context, seq uint64, eventType string, token models.Token) {
	e.metrics.TokenEvent(token.OfficeID, eventType)
	e.publish(ctx, seq, eventType, token.OfficeID, token.StudentID, token)
}

// publish runs after commit and outside the office lock. Failures are logged
// only.
func (e *Engine) publish(ctx context.Context, seq uint64, eventType, officeID, recipientID string, payload any) {
	event, err := events.New(eventType, officeID, recipientID, payload, e.now())
	if err == nil {
		event.Sequence = seq
		err = e.publisher.Publish(ctx, event)
	}
	if err != nil {
		e.logger.Warn("publish event", "type", eventType, "office_id", officeID, "error", err)
	}
}

func (e *Engine) finish(span trace.Span, operation string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	kind := Kind(err)
	e.metrics.EngineError(operation, kind)
	if errors.Is(err, store.ErrQueueEmpty) {
		span.SetAttributes(attribute.Bool("queue.empty", true))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
}

// Kind names an engine error for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrOfficeNotFound):
		return "office_not_found"
	case errors.Is(err, store.ErrOfficeInactive):
		return "office_inactive"
	case errors.Is(err, store.ErrOfficeFull):
		return "office_full"
	case errors.Is(err, store.ErrOfficeBusy):
		return "office_busy"
	case errors.Is(err, store.ErrOfficeMismatch):
		return "office_mismatch"
	case errors.Is(err, store.ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, store.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, store.ErrNotificationNotFound):
		return "notification_not_found"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}
