// Package wizard owns the wizard state machine: step navigation, the
// verification gate and the at-most-once submission lifecycle. Sessions are
// persisted through a Store with optimistic locking, which is what makes a
// second concurrent submit a no-op across goroutines and replicas.
package wizard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/internal/submission"
	"github.com/pitabwire/droponboard/internal/validation"
	"github.com/pitabwire/droponboard/model"
)

const defaultMaxRetries = 3

// errAttemptSuperseded marks an outcome that arrived after its attempt lost
// the InFlight slot (stale takeover). The outcome is dropped.
var errAttemptSuperseded = errors.New("submission attempt superseded")

// Gateway dispatches the final submission. Implementations issue exactly one
// outbound request per call and classify the outcome as a receipt or an
// *model.ErrorEnvelope (rejected, unreachable or malformed).
type Gateway interface {
	Submit(ctx context.Context, def model.WizardDefinition, fields map[string]model.FieldValue) (model.SubmissionReceipt, error)
}

// IdentityVerifier runs the OTP step actions against the identity endpoint.
type IdentityVerifier interface {
	RequestOTP(ctx context.Context, identifier string) error
	VerifyOTP(ctx context.Context, identifier, otp string) (map[string]any, error)
}

// IdempotencyStore caches accepted submission receipts by client key.
type IdempotencyStore interface {
	Check(ctx context.Context, key, inputHash string) (*model.SubmissionReceipt, bool, error)
	Store(ctx context.Context, key, inputHash string, receipt model.SubmissionReceipt, ttl time.Duration) error
}

// SubmitResult is the outcome of Controller.Submit. Dispatched is false when
// the call did not reach the gateway: another attempt was in flight, or the
// receipt was replayed from the idempotency cache.
type SubmitResult struct {
	Dispatched bool
	State      model.WizardState
}

// Controller implements the wizard operations on top of a Store.
type Controller struct {
	registry    *definition.Registry
	validators  *validation.Set
	store       Store
	gateway     Gateway
	identity    IdentityVerifier
	idempotency IdempotencyStore
	idemTTL     time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
	ttl         time.Duration
	staleAfter  time.Duration
	maxRetries  int
}

// Option configures optional dependencies.
type Option func(*Controller)

// WithIdentityVerifier sets the client used by send_otp and verify_otp steps.
func WithIdentityVerifier(v IdentityVerifier) Option {
	return func(c *Controller) { c.identity = v }
}

// WithIdempotencyStore enables replay of accepted submissions by
// X-Idempotency-Key.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) Option {
	return func(c *Controller) {
		c.idempotency = store
		c.idemTTL = ttl
	}
}

// WithMetrics records wizard metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSessionTTL sets how long an untouched session lives. Zero disables
// expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Controller) { c.ttl = ttl }
}

// WithStaleSubmitAfter sets the age after which an InFlight attempt whose
// outcome was never recorded may be taken over by a new submit.
func WithStaleSubmitAfter(d time.Duration) Option {
	return func(c *Controller) { c.staleAfter = d }
}

// NewController creates a Controller with its required dependencies.
func NewController(
	registry *definition.Registry,
	validators *validation.Set,
	store Store,
	gateway Gateway,
	opts ...Option,
) *Controller {
	c := &Controller{
		registry:   registry,
		validators: validators,
		store:      store,
		gateway:    gateway,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Definition returns the wizard definition for wizardID.
func (c *Controller) Definition(wizardID string) (model.WizardDefinition, bool) {
	return c.registry.GetWizard(wizardID)
}

// Start creates a new session in CollectingStep(1).
func (c *Controller) Start(ctx context.Context, wizardID string) (model.WizardState, error) {
	def, ok := c.registry.GetWizard(wizardID)
	if !ok {
		return model.WizardState{}, model.NewNotFoundError(
			fmt.Sprintf("wizard %q not found", wizardID),
		)
	}

	now := c.now()
	state := model.NewWizardState(uuid.New().String(), wizardID)
	state.Version = 1
	state.CreatedAt = now
	state.UpdatedAt = now
	if c.ttl > 0 {
		exp := now.Add(c.ttl)
		state.ExpiresAt = &exp
	}

	if err := c.store.Create(ctx, state); err != nil {
		return model.WizardState{}, err
	}

	first, _ := def.Step(1)
	c.appendEvent(ctx, state, first.ID, model.EventStepEntered, nil)
	if c.metrics != nil {
		c.metrics.RecordSessionStart(wizardID)
	}
	observability.RequestLogger(ctx, c.logger).Info("wizard session started",
		zap.String("wizard_id", wizardID),
		zap.String("session_id", state.SessionID),
	)
	return state, nil
}

// Get returns the current state of a session.
func (c *Controller) Get(ctx context.Context, sessionID string) (model.WizardState, error) {
	return c.store.Get(ctx, sessionID)
}

// Events returns the audit trail of a session.
func (c *Controller) Events(ctx context.Context, sessionID string) ([]model.WizardEvent, error) {
	return c.store.Events(ctx, sessionID)
}

// DecodeFields decodes raw JSON values using the kinds declared by the
// wizard. Unknown names and undecodable values are configuration errors.
func (c *Controller) DecodeFields(wizardID string, raw map[string]json.RawMessage) (map[string]model.FieldValue, error) {
	def, ok := c.registry.GetWizard(wizardID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("wizard %q not found", wizardID))
	}

	values := make(map[string]model.FieldValue, len(raw))
	for name, payload := range raw {
		fd, ok := def.Field(name)
		if !ok {
			return nil, model.NewConfigurationError(
				fmt.Sprintf("wizard %q has no field %q", wizardID, name),
			)
		}
		v, err := model.DecodeFieldValue(fd.Type, payload)
		if err != nil {
			return nil, model.NewConfigurationError(
				fmt.Sprintf("field %q: %v", name, err),
			)
		}
		values[name] = v
	}
	return values, nil
}

// SetField merges one value into the session. No validation runs.
func (c *Controller) SetField(ctx context.Context, sessionID, name string, value model.FieldValue) (model.WizardState, error) {
	return c.SetFields(ctx, sessionID, map[string]model.FieldValue{name: value})
}

// SetFields merges values into the session. Every name must be declared by
// the wizard and every value must have the declared kind. File fields are
// only set through AttachFile.
func (c *Controller) SetFields(ctx context.Context, sessionID string, values map[string]model.FieldValue) (model.WizardState, error) {
	for name, v := range values {
		if v.Kind == model.KindFile {
			return model.WizardState{}, model.NewConfigurationError(
				fmt.Sprintf("field %q takes an upload, not a value", name),
			)
		}
	}
	return c.merge(ctx, sessionID, values)
}

// AttachFile stores an uploaded document reference under a file field. The
// reference must come from the upload store for this same session.
func (c *Controller) AttachFile(ctx context.Context, sessionID, name string, ref model.FileRef) (model.WizardState, error) {
	if !strings.HasPrefix(ref.Handle, sessionID+"/") {
		return model.WizardState{}, model.NewForbiddenError(
			fmt.Sprintf("upload %q does not belong to this session", ref.Handle),
		)
	}
	return c.merge(ctx, sessionID, map[string]model.FieldValue{name: model.File(ref)})
}

func (c *Controller) merge(ctx context.Context, sessionID string, values map[string]model.FieldValue) (model.WizardState, error) {
	var wasVerified bool
	next, err := c.mutate(ctx, sessionID, func(s *model.WizardState, def model.WizardDefinition) error {
		for name, v := range values {
			fd, ok := def.Field(name)
			if !ok {
				return model.NewConfigurationError(
					fmt.Sprintf("wizard %q has no field %q", def.ID, name),
				)
			}
			if v.Kind != fd.Type {
				return model.NewConfigurationError(
					fmt.Sprintf("field %q expects %s, got %s", name, fd.Type, v.Kind),
				)
			}
		}
		wasVerified = s.Verified
		return applyFields(s, def, values)
	})
	if err != nil {
		return next, err
	}

	if wasVerified && !next.Verified {
		step := ""
		if def, ok := c.registry.GetWizard(next.WizardID); ok {
			entered, _ := def.Step(next.CurrentStep)
			step = entered.ID
		}
		c.appendEvent(ctx, next, step, model.EventVerificationCleared, nil)
		c.recordTransition(next.WizardID, step, model.EventVerificationCleared)
		observability.RequestLogger(ctx, c.logger).Info("verified field changed, verification cleared",
			zap.String("session_id", sessionID),
			zap.Int("current_step", next.CurrentStep),
		)
	}
	return next, nil
}

// GoNext validates the current step and, when valid, runs the step action
// and advances. On failure the state is unchanged and only the first
// validation error is returned.
func (c *Controller) GoNext(ctx context.Context, sessionID string) (model.WizardState, error) {
	ctx, span := observability.StartWizardSpan(ctx, "next", sessionID)
	var spanErr error
	defer func() { observability.Finish(span, spanErr) }()

	state, err := c.store.Get(ctx, sessionID)
	if err != nil {
		spanErr = err
		return model.WizardState{}, err
	}
	def, validator, err := c.resolve(state.WizardID)
	if err != nil {
		spanErr = err
		return state, err
	}
	span.SetAttributes(observability.AttrWizardID.String(def.ID))
	if err := navigable(&state); err != nil {
		spanErr = err
		return state, err
	}

	step, _ := def.Step(state.CurrentStep)
	observability.TagStep(span, state.CurrentStep, step.ID)

	if err := c.checkStep(ctx, state, step, validator); err != nil {
		spanErr = err
		return state, err
	}

	var identity map[string]any
	if step.Action != nil {
		identity, err = c.runAction(ctx, state, *step.Action)
		if err != nil {
			spanErr = err
			return state, err
		}
	}

	from := state.CurrentStep
	next, err := c.mutate(ctx, sessionID, func(s *model.WizardState, def model.WizardDefinition) error {
		if s.CurrentStep != from {
			return model.NewConflictError("the wizard moved to another step; reload and try again")
		}
		res, err := validator.Validate(step.ID, s.Fields)
		if err != nil {
			return err
		}
		if first, failed := res.First(); failed {
			return model.NewValidationError(first)
		}
		if step.Action != nil && step.Action.Type == model.ActionVerifyOTP {
			applyVerified(s, identity)
		}
		return applyNext(s, def)
	})
	if err != nil {
		spanErr = err
		return next, err
	}

	c.appendEvent(ctx, next, step.ID, model.EventStepCompleted, nil)
	c.recordTransition(def.ID, step.ID, model.EventStepCompleted)
	if step.Action != nil && step.Action.Type == model.ActionVerifyOTP {
		c.appendEvent(ctx, next, step.ID, model.EventVerified, nil)
		c.recordTransition(def.ID, step.ID, model.EventVerified)
	}
	if next.CurrentStep != from {
		entered, _ := def.Step(next.CurrentStep)
		c.appendEvent(ctx, next, entered.ID, model.EventStepEntered, nil)
		c.recordTransition(def.ID, entered.ID, model.EventStepEntered)
	}

	observability.RequestLogger(ctx, c.logger).Info("wizard step completed",
		zap.String("step_id", step.ID),
		zap.Int("current_step", next.CurrentStep),
	)
	return next, nil
}

// checkStep validates the current step and records a validation_failed
// event when it does not pass.
func (c *Controller) checkStep(ctx context.Context, state model.WizardState, step model.StepDefinition, validator *validation.StepValidator) error {
	res, err := validator.Validate(step.ID, state.Fields)
	if err != nil {
		return err
	}
	first, failed := res.First()
	if !failed {
		return nil
	}

	c.appendEvent(ctx, state, step.ID, model.EventValidationFailed, map[string]any{
		"field": first.Field,
		"code":  first.Code,
	})
	if c.metrics != nil {
		c.metrics.RecordValidationFailure(state.WizardID, step.ID, first.Field)
	}
	return model.NewValidationError(first)
}

// runAction performs the identity call bound to a step. It runs outside the
// store update so a slow backend never holds a version.
func (c *Controller) runAction(ctx context.Context, state model.WizardState, action model.StepAction) (map[string]any, error) {
	if c.identity == nil {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("step action %q needs an identity verifier", action.Type),
		)
	}

	identifier := textField(state, action.IdentifierField)
	switch action.Type {
	case model.ActionSendOTP:
		if err := c.identity.RequestOTP(ctx, identifier); err != nil {
			return nil, err
		}
		c.appendEvent(ctx, state, "", model.EventOTPRequested, nil)
		return nil, nil
	case model.ActionVerifyOTP:
		identity, err := c.identity.VerifyOTP(ctx, identifier, textField(state, action.OTPField))
		if err != nil {
			return nil, err
		}
		if identity == nil {
			identity = map[string]any{}
		}
		return identity, nil
	default:
		return nil, model.NewConfigurationError(fmt.Sprintf("unknown step action %q", action.Type))
	}
}

// GoBack moves to the previous step. It never validates and keeps every
// field value.
func (c *Controller) GoBack(ctx context.Context, sessionID string) (model.WizardState, error) {
	var from int
	next, err := c.mutate(ctx, sessionID, func(s *model.WizardState, _ model.WizardDefinition) error {
		from = s.CurrentStep
		return applyBack(s)
	})
	if err != nil {
		return next, err
	}

	if next.CurrentStep != from {
		if def, ok := c.registry.GetWizard(next.WizardID); ok {
			entered, _ := def.Step(next.CurrentStep)
			c.appendEvent(ctx, next, entered.ID, model.EventStepEntered, nil)
			c.recordTransition(def.ID, entered.ID, model.EventStepEntered)
		}
	}
	return next, nil
}

// MarkVerified sets the verified flag. Calling it again is harmless.
func (c *Controller) MarkVerified(ctx context.Context, sessionID string, identity map[string]any) (model.WizardState, error) {
	var already bool
	next, err := c.mutate(ctx, sessionID, func(s *model.WizardState, _ model.WizardDefinition) error {
		already = s.Verified
		applyVerified(s, identity)
		return nil
	})
	if err != nil {
		return next, err
	}
	if !already {
		c.appendEvent(ctx, next, "", model.EventVerified, nil)
		c.recordTransition(next.WizardID, "", model.EventVerified)
	}
	return next, nil
}

// Submit dispatches the collected fields exactly once. A call made while
// another attempt is in flight returns Dispatched=false without touching the
// gateway. The request is built from a snapshot taken when the InFlight slot
// is claimed, so later edits only affect the next attempt.
func (c *Controller) Submit(ctx context.Context, sessionID, idempotencyKey string) (SubmitResult, error) {
	ctx, span := observability.StartWizardSpan(ctx, "submit", sessionID)
	var spanErr error
	defer func() { observability.Finish(span, spanErr) }()

	log := observability.RequestLogger(ctx, c.logger)

	state, err := c.store.Get(ctx, sessionID)
	if err != nil {
		spanErr = err
		return SubmitResult{}, err
	}
	def, validator, err := c.resolve(state.WizardID)
	if err != nil {
		spanErr = err
		return SubmitResult{State: state}, err
	}
	span.SetAttributes(observability.AttrWizardID.String(def.ID))

	idemKey := ""
	if c.idempotency != nil && idempotencyKey != "" {
		idemKey = submission.FormatIdempotencyKey(sessionID, idempotencyKey)
		cached, found, err := c.idempotency.Check(ctx, idemKey, hashFields(state.Fields))
		if err != nil {
			spanErr = err
			return SubmitResult{State: state}, err
		}
		if found && cached != nil {
			if c.metrics != nil {
				c.metrics.RecordIdempotencyHit()
			}
			span.SetAttributes(observability.AttrReplayed.Bool(true))
			if state.Receipt == nil {
				state.Receipt = cached
			}
			return SubmitResult{Dispatched: false, State: state}, nil
		}
		if c.metrics != nil {
			c.metrics.RecordIdempotencyMiss()
		}
	}

	attemptID := uuid.New().String()
	var snapshot map[string]model.FieldValue
	var failedStep string
	var failedField model.FieldError
	var superseded string
	claimed, err := c.mutate(ctx, sessionID, func(s *model.WizardState, def model.WizardDefinition) error {
		superseded = ""
		if s.Submission.Phase == model.PhaseInFlight {
			superseded = s.Submission.AttemptID
		}
		if err := beginSubmission(s, def, attemptID, c.now(), c.staleAfter); err != nil {
			return err
		}
		stepID, res := validator.ValidateAll(s.Fields)
		if first, failed := res.First(); failed {
			failedStep, failedField = stepID, first
			return model.NewValidationError(first)
		}
		snapshot = model.CloneFields(s.Fields)
		return nil
	})
	if errors.Is(err, errAlreadyInFlight) {
		if c.metrics != nil {
			c.metrics.RecordSubmissionSuppressed(def.ID, "in_flight")
		}
		log.Info("submit ignored, attempt already in flight",
			zap.String("attempt_id", claimed.Submission.AttemptID),
		)
		return SubmitResult{Dispatched: false, State: claimed}, nil
	}
	if err != nil {
		if failedStep != "" {
			c.appendEvent(ctx, claimed, failedStep, model.EventValidationFailed, map[string]any{
				"field": failedField.Field,
				"code":  failedField.Code,
			})
			if c.metrics != nil {
				c.metrics.RecordValidationFailure(def.ID, failedStep, failedField.Field)
			}
		}
		spanErr = err
		return SubmitResult{State: claimed}, err
	}

	observability.TagAttempt(span, attemptID, claimed.Submission.Attempts, superseded)
	last, _ := def.Step(def.StepCount())
	started := map[string]any{
		"attempt_id": attemptID,
		"attempt":    claimed.Submission.Attempts,
	}
	if superseded != "" {
		started["superseded_attempt_id"] = superseded
		log.Warn("stale submission taken over, backend may receive a duplicate",
			zap.String("attempt_id", attemptID),
			zap.String("superseded_attempt_id", superseded),
		)
	}
	c.appendEvent(ctx, claimed, last.ID, model.EventSubmissionStarted, started)
	if c.metrics != nil {
		c.metrics.RecordSubmissionStart(def.ID)
	}
	log.Info("submission dispatched",
		zap.String("attempt_id", attemptID),
		zap.Int("attempt", claimed.Submission.Attempts),
	)

	// In-flight submissions are not cancellable: a client that goes away
	// mid-request must not turn an accepted record into a failed attempt.
	recordCtx := context.WithoutCancel(ctx)

	start := time.Now()
	receipt, subErr := c.gateway.Submit(recordCtx, def, snapshot)
	if subErr == nil && receipt.SubmittedAt.IsZero() {
		receipt.SubmittedAt = c.now()
	}

	final, recErr := c.mutate(recordCtx, sessionID, func(s *model.WizardState, _ model.WizardDefinition) error {
		if !finishSubmission(s, attemptID, receipt, subErr, c.now()) {
			return errAttemptSuperseded
		}
		return nil
	})

	outcome := "succeeded"
	if subErr != nil {
		outcome = "failed"
	}
	if c.metrics != nil {
		c.metrics.RecordSubmissionEnd(def.ID, outcome, time.Since(start))
	}

	switch {
	case errors.Is(recErr, errAttemptSuperseded):
		log.Warn("submission outcome dropped, attempt superseded",
			zap.String("attempt_id", attemptID),
			zap.String("outcome", outcome),
		)
	case recErr != nil:
		log.Error("failed to record submission outcome",
			zap.String("attempt_id", attemptID),
			zap.String("outcome", outcome),
			zap.Error(recErr),
		)
		spanErr = recErr
		return SubmitResult{Dispatched: true, State: claimed}, recErr
	}

	if subErr != nil {
		env, _ := model.AsEnvelope(subErr)
		data := map[string]any{"attempt_id": attemptID}
		if env != nil {
			data["code"] = env.Code
			data["reason"] = env.Message
		}
		c.appendEvent(recordCtx, final, last.ID, model.EventSubmissionFailed, data)
		log.Warn("submission failed",
			zap.String("attempt_id", attemptID),
			zap.Error(subErr),
		)
		spanErr = subErr
		return SubmitResult{Dispatched: true, State: final}, subErr
	}

	c.appendEvent(recordCtx, final, last.ID, model.EventSubmissionSucceeded, map[string]any{
		"attempt_id": attemptID,
		"receipt_id": receipt.ID,
	})
	if idemKey != "" {
		if err := c.idempotency.Store(recordCtx, idemKey, hashFields(snapshot), receipt, c.idemTTL); err != nil {
			log.Warn("failed to cache submission receipt", zap.Error(err))
		}
	}
	log.Info("submission accepted",
		zap.String("attempt_id", attemptID),
		zap.String("receipt_id", receipt.ID),
	)
	return SubmitResult{Dispatched: true, State: final}, nil
}

// Reset returns the session to its initial state. It is refused while a
// submission is in flight.
func (c *Controller) Reset(ctx context.Context, sessionID string) (model.WizardState, error) {
	next, err := c.mutate(ctx, sessionID, func(s *model.WizardState, _ model.WizardDefinition) error {
		return applyReset(s)
	})
	if err != nil {
		return next, err
	}

	c.appendEvent(ctx, next, "", model.EventReset, nil)
	if c.metrics != nil {
		c.metrics.RecordReset(next.WizardID)
	}
	return next, nil
}

// ExpireSessions deletes sessions past their expiry, skipping any with a
// submission still in flight, and returns the IDs it deleted.
func (c *Controller) ExpireSessions(ctx context.Context) ([]string, error) {
	now := c.now()
	expired, err := c.store.FindExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}

	var deleted []string
	for _, s := range expired {
		if s.Submission.Phase == model.PhaseInFlight && !stale(&s, now, c.staleAfter) {
			continue
		}
		if err := c.store.Delete(ctx, s.SessionID); err != nil {
			if model.HasCode(err, model.ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete session %q: %w", s.SessionID, err)
		}
		deleted = append(deleted, s.SessionID)
	}
	return deleted, nil
}

// mutate loads a session, applies fn to a copy and writes it back with
// optimistic locking, retrying on CONFLICT. If fn fails, the loaded state is
// returned with fn's error and nothing is written.
func (c *Controller) mutate(
	ctx context.Context,
	sessionID string,
	fn func(s *model.WizardState, def model.WizardDefinition) error,
) (model.WizardState, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.store.Get(ctx, sessionID)
		if err != nil {
			return model.WizardState{}, err
		}
		def, ok := c.registry.GetWizard(state.WizardID)
		if !ok {
			return state, model.NewConfigurationError(
				fmt.Sprintf("wizard %q is no longer loaded", state.WizardID),
			)
		}

		next := state.Clone()
		if err := fn(&next, def); err != nil {
			return state, err
		}
		if c.ttl > 0 {
			exp := c.now().Add(c.ttl)
			next.ExpiresAt = &exp
		}

		err = c.store.Update(ctx, next)
		if err == nil {
			next.Version++
			next.UpdatedAt = c.now()
			return next, nil
		}
		if !model.HasCode(err, model.ErrConflict) || attempt >= c.maxRetries {
			return state, err
		}
	}
}

func (c *Controller) resolve(wizardID string) (model.WizardDefinition, *validation.StepValidator, error) {
	def, ok := c.registry.GetWizard(wizardID)
	if !ok {
		return model.WizardDefinition{}, nil, model.NewConfigurationError(
			fmt.Sprintf("wizard %q is no longer loaded", wizardID),
		)
	}
	v, ok := c.validators.For(wizardID)
	if !ok {
		return model.WizardDefinition{}, nil, model.NewConfigurationError(
			fmt.Sprintf("wizard %q has no compiled validator", wizardID),
		)
	}
	return def, v, nil
}

// appendEvent records an audit event. Failures are logged, not returned:
// the audit trail never blocks a transition.
func (c *Controller) appendEvent(ctx context.Context, state model.WizardState, stepID, event string, data map[string]any) {
	err := c.store.AppendEvent(ctx, model.WizardEvent{
		ID:        uuid.New().String(),
		SessionID: state.SessionID,
		StepID:    stepID,
		Event:     event,
		Data:      data,
		Timestamp: c.now(),
	})
	if err != nil {
		observability.RequestLogger(ctx, c.logger).Warn("failed to append wizard event",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (c *Controller) recordTransition(wizardID, stepID, event string) {
	if c.metrics != nil {
		c.metrics.RecordTransition(wizardID, stepID, event)
	}
}

func textField(state model.WizardState, name string) string {
	v, ok := state.Fields[name]
	if !ok {
		return ""
	}
	return v.String()
}

// hashFields returns a stable digest of a field map. encoding/json sorts map
// keys, so equal maps hash equally.
func hashFields(fields map[string]model.FieldValue) string {
	data, _ := json.Marshal(fields)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
