package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convobot/internal/domain"
	"convobot/internal/events"
	"convobot/internal/metrics"
	"convobot/internal/models"

	"github.com/rs/zerolog"
)

// NotFoundPolicy decides what happens to a conversation whose stored state is
// no longer registered.
type NotFoundPolicy string

const (
	NotFoundFallback NotFoundPolicy = "fallback"
	NotFoundDrop     NotFoundPolicy = "drop"
)

type Options struct {
	InitialState models.StateID
	// MaxCommitRetries is how many times an update is re-dispatched after a
	// version conflict before it is dropped. Negative values mean zero.
	MaxCommitRetries int
	OnStateNotFound  NotFoundPolicy
	// DeliveryTimeout bounds ReplySink.Send; zero means no extra bound.
	DeliveryTimeout time.Duration
}

// Result describes what one update did to its conversation.
type Result struct {
	Key        models.ConversationKey
	From       models.StateID
	To         models.StateID
	Transition models.Transition
	// Version is the committed version, or the unchanged one when nothing was committed.
	Version  int64
	Finished bool
	// FellBack is set when the stored state was unknown and the initial state handled the update.
	FellBack bool
	// Form is the conversation form after the transition; for a finished
	// conversation it is the final form that was discarded.
	Form *models.StatesForm
	// Rejection holds the error of a state that refused the input.
	Rejection   error
	Reply       *models.OutboundMessage
	DeliveryErr error
}

// Machine dispatches updates to the state their conversation is on and
// persists the resulting transition.
type Machine struct {
	registry *Registry
	storage  domain.Storage
	sink     domain.ReplySink
	opts     Options
	initial  State
	logger   *zerolog.Logger
	events   domain.EventPublisher
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(
	registry *Registry,
	storage domain.Storage,
	sink domain.ReplySink,
	opts Options,
	logger *zerolog.Logger,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
) (*Machine, error) {
	if registry == nil || storage == nil {
		return nil, errors.New("fsm: registry and storage are required")
	}
	if opts.InitialState == "" {
		opts.InitialState = models.DefaultInitialState
	}
	initial, ok := registry.Lookup(opts.InitialState)
	if !ok {
		return nil, fmt.Errorf("%w: initial state %q is not registered", ErrUnknownState, opts.InitialState)
	}
	if opts.MaxCommitRetries < 0 {
		opts.MaxCommitRetries = 0
	}
	switch opts.OnStateNotFound {
	case "":
		opts.OnStateNotFound = NotFoundFallback
	case NotFoundFallback, NotFoundDrop:
	default:
		return nil, fmt.Errorf("fsm: unknown state-not-found policy %q", opts.OnStateNotFound)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "fsm").Logger()

	return &Machine{
		registry: registry,
		storage:  storage,
		sink:     sink,
		opts:     opts,
		initial:  initial,
		logger:   &l,
		events:   publisher,
		metrics:  m,
		now:      time.Now,
	}, nil
}

func (m *Machine) InitialState() models.StateID {
	return m.opts.InitialState
}

func (m *Machine) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return m.logger
}

func (m *Machine) publish(ctx context.Context, eventType string, payload events.ConversationEventPayload) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.log(ctx).Error().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

func payloadFor(key models.ConversationKey, updateID int64) events.ConversationEventPayload {
	return events.ConversationEventPayload{ChatID: key.ChatID, UserID: key.UserID, UpdateID: updateID}
}

// Handle runs one update through the state the conversation is on, commits the
// transition and delivers the reply. Version conflicts re-run the whole
// dispatch up to MaxCommitRetries times.
func (m *Machine) Handle(ctx context.Context, upd models.Update) (*Result, error) {
	start := m.now()
	key := upd.Key()
	logger := m.log(ctx)

	attempts := m.opts.MaxCommitRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := m.dispatch(ctx, upd, key)
		if errors.Is(err, domain.ErrConflict) {
			m.metrics.IncConflict()
			logger.Debug().
				Str("conversation", key.String()).
				Int("attempt", attempt).
				Msg("Commit conflict, re-dispatching update")
			continue
		}
		if err != nil {
			m.metrics.ObserveUpdate(outcomeOf(err), m.now().Sub(start))
			return res, err
		}

		m.deliver(ctx, upd, res)
		m.metrics.ObserveUpdate(outcomeOfResult(res), m.now().Sub(start))
		return res, nil
	}

	p := payloadFor(key, upd.ID)
	p.Reason = "commit conflict"
	m.publish(ctx, events.EventUpdateDropped, p)
	m.metrics.ObserveUpdate(metrics.OutcomeDropped, m.now().Sub(start))
	logger.Warn().
		Str("conversation", key.String()).
		Int64("update_id", upd.ID).
		Int("attempts", attempts).
		Msg("Update dropped after repeated commit conflicts")
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDropped, key, attempts, domain.ErrConflict)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownState):
		return metrics.OutcomeUnknownState
	default:
		return metrics.OutcomeError
	}
}

func outcomeOfResult(res *Result) string {
	switch {
	case res.Rejection != nil && !res.Finished:
		return metrics.OutcomeRejected
	case res.Finished:
		return metrics.OutcomeFinished
	default:
		return metrics.OutcomeCommitted
	}
}

func (m *Machine) load(ctx context.Context, key models.ConversationKey, updateID int64) (*models.StateContext, error) {
	sc, err := m.storage.GetOrCreate(ctx, key)
	if err != nil {
		return nil, m.storageErr(ctx, "load conversation", key, updateID, err)
	}
	return sc, nil
}

// storageErr wraps a storage failure; an unavailable store is also reported
// on the event bus.
func (m *Machine) storageErr(ctx context.Context, op string, key models.ConversationKey, updateID int64, err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		p := payloadFor(key, updateID)
		p.Reason = op
		p.Error = err.Error()
		m.publish(ctx, events.EventStorageUnavailable, p)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func (m *Machine) dispatch(ctx context.Context, upd models.Update, key models.ConversationKey) (*Result, error) {
	logger := m.log(ctx)

	sc, err := m.load(ctx, key, upd.ID)
	if err != nil {
		return nil, err
	}
	expected := sc.Version
	res := &Result{Key: key, From: sc.State, To: sc.State, Version: expected}

	state, ok := m.registry.Lookup(sc.State)
	if !ok {
		p := payloadFor(key, upd.ID)
		p.From = string(sc.State)
		p.Reason = string(m.opts.OnStateNotFound)
		m.publish(ctx, events.EventUnknownState, p)

		if m.opts.OnStateNotFound == NotFoundDrop {
			logger.Warn().Str("conversation", key.String()).Str("state", string(sc.State)).Msg("Unknown state, dropping update")
			return nil, fmt.Errorf("%w: %q", ErrUnknownState, sc.State)
		}
		logger.Warn().
			Str("conversation", key.String()).
			Str("state", string(sc.State)).
			Str("initial", string(m.opts.InitialState)).
			Msg("Unknown state, falling back to initial state")
		state = m.initial
		sc.State = m.opts.InitialState
		sc.Form = models.NewStatesForm()
		res.FellBack = true
	}

	form := sc.Form.Clone()
	tr, reply, err := state.Handle(ctx, upd, form)
	if err != nil {
		return m.reject(ctx, upd, sc, expected, state, res, reply, err)
	}

	next, err := tr.Apply(form)
	if err != nil {
		return nil, fmt.Errorf("state %q: apply %s: %w", state.ID(), tr, err)
	}
	res.Transition = tr
	res.Reply = reply

	switch tr.Kind {
	case models.TransitionStay:
		sc.Form = next

	case models.TransitionGoto:
		target, ok := m.registry.Lookup(tr.Target)
		if !ok {
			p := payloadFor(key, upd.ID)
			p.From = string(sc.State)
			p.To = string(tr.Target)
			p.Reason = "goto"
			m.publish(ctx, events.EventUnknownState, p)
			return nil, fmt.Errorf("%w: %q -> %q", ErrUnknownState, sc.State, tr.Target)
		}
		sc.State = tr.Target
		sc.Form = next
		if res.Reply == nil {
			res.Reply = enterPrompt(ctx, target, key, next)
		}

	case models.TransitionFinish:
		res.Form = next
		if err := m.finish(ctx, key, expected, upd.ID, res); err != nil {
			return nil, err
		}
		m.metrics.IncTransition(tr.Kind.String())
		return res, nil

	default:
		return nil, fmt.Errorf("state %q returned %s", state.ID(), tr)
	}

	if err := m.storage.Commit(ctx, sc, expected); err != nil {
		return nil, m.storageErr(ctx, "commit", key, upd.ID, err)
	}
	res.To = sc.State
	res.Version = sc.Version
	res.Form = sc.Form
	m.metrics.IncTransition(tr.Kind.String())

	logger.Debug().
		Str("conversation", key.String()).
		Str("from", string(res.From)).
		Str("to", string(res.To)).
		Int64("version", res.Version).
		Msg("Transition committed")
	return res, nil
}

func (m *Machine) finish(ctx context.Context, key models.ConversationKey, expected, updateID int64, res *Result) error {
	if err := m.storage.Discard(ctx, key, expected); err != nil {
		return m.storageErr(ctx, "finish", key, updateID, err)
	}
	res.Finished = true
	res.To = ""

	p := payloadFor(key, updateID)
	p.From = string(res.From)
	p.Version = expected
	m.publish(ctx, events.EventConversationFinished, p)
	return nil
}

// reject applies the state's reject policy. Rejections are a normal outcome:
// the error is reported in Result.Rejection, not returned.
func (m *Machine) reject(
	ctx context.Context,
	upd models.Update,
	sc *models.StateContext,
	expected int64,
	state State,
	res *Result,
	reply *models.OutboundMessage,
	cause error,
) (*Result, error) {
	logger := m.log(ctx)
	key := sc.Key

	var rej *RejectError
	if errors.As(cause, &rej) {
		if reply == nil && rej.Reply != "" {
			reply = models.NewReply(key.ChatID, rej.Reply)
		}
		logger.Debug().Str("conversation", key.String()).Str("state", string(state.ID())).Msg("Input rejected")
	} else {
		logger.Error().Err(cause).Str("conversation", key.String()).Str("state", string(state.ID())).Msg("State handler failed")
		cause = fmt.Errorf("%w: %w", ErrValidation, cause)
	}
	res.Rejection = cause
	res.Reply = reply
	res.Transition = models.Stay()
	res.Form = sc.Form

	if rejectPolicyOf(state) == RejectFinish {
		res.Transition = models.Finish()
		if err := m.finish(ctx, key, expected, upd.ID, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	// nothing changed unless the unknown stored state was replaced
	if res.FellBack {
		if err := m.storage.Commit(ctx, sc, expected); err != nil {
			return nil, m.storageErr(ctx, "commit", key, upd.ID, err)
		}
		res.Version = sc.Version
	}
	res.To = sc.State
	return res, nil
}

func (m *Machine) deliver(ctx context.Context, upd models.Update, res *Result) {
	reply := res.Reply
	if reply == nil && upd.Kind == models.UpdateCallback {
		// callback queries are always acknowledged
		reply = &models.OutboundMessage{ChatID: upd.ChatID}
	}
	if reply == nil || m.sink == nil {
		return
	}
	if reply.ChatID == 0 {
		reply.ChatID = upd.ChatID
	}
	if upd.Kind == models.UpdateCallback && reply.CallbackID == "" {
		reply.CallbackID = upd.CallbackID
	}
	res.Reply = reply

	if err := m.send(ctx, reply); err != nil {
		res.DeliveryErr = err
		m.metrics.IncDeliveryFailure()
		p := payloadFor(res.Key, upd.ID)
		p.To = string(res.To)
		p.Version = res.Version
		p.Error = err.Error()
		m.publish(ctx, events.EventDeliveryFailed, p)
		m.log(ctx).Error().Err(err).Str("conversation", res.Key.String()).Msg("Failed to deliver reply")
	}
}

func (m *Machine) send(ctx context.Context, msg *models.OutboundMessage) error {
	if m.opts.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.DeliveryTimeout)
		defer cancel()
	}
	if err := m.sink.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

// Jump forces the conversation onto target, replacing its form when form is
// non-nil, and sends the target's enter prompt.
func (m *Machine) Jump(ctx context.Context, key models.ConversationKey, target models.StateID, form *models.StatesForm) (*Result, error) {
	state, ok := m.registry.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: jump to %q", ErrUnknownState, target)
	}

	attempts := m.opts.MaxCommitRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		sc, err := m.load(ctx, key, 0)
		if err != nil {
			return nil, err
		}
		expected := sc.Version
		res := &Result{Key: key, From: sc.State, Transition: models.Goto(target)}

		sc.State = target
		if form != nil {
			sc.Form = form.Clone()
		}
		err = m.storage.Commit(ctx, sc, expected)
		if errors.Is(err, domain.ErrConflict) {
			m.metrics.IncConflict()
			continue
		}
		if err != nil {
			return nil, m.storageErr(ctx, "jump", key, 0, err)
		}
		res.To = target
		res.Version = sc.Version
		res.Form = sc.Form
		m.metrics.IncTransition(models.TransitionGoto.String())

		if reply := enterPrompt(ctx, state, key, sc.Form); reply != nil {
			res.Reply = reply
			if reply.ChatID == 0 {
				reply.ChatID = key.ChatID
			}
			if err := m.send(ctx, reply); err != nil {
				res.DeliveryErr = err
				m.metrics.IncDeliveryFailure()
			}
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: jump %s after %d attempts: %w", ErrDropped, key, attempts, domain.ErrConflict)
}

// Reset removes the conversation; its next update starts at the initial state.
func (m *Machine) Reset(ctx context.Context, key models.ConversationKey) error {
	if err := m.storage.Remove(ctx, key); err != nil {
		return m.storageErr(ctx, "reset", key, 0, err)
	}
	m.log(ctx).Debug().Str("conversation", key.String()).Msg("Conversation reset")
	return nil
}

// Snapshot returns the stored context or nil when the conversation does not exist.
func (m *Machine) Snapshot(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	sc, err := m.storage.Get(ctx, key)
	if err != nil {
		return nil, m.storageErr(ctx, "snapshot", key, 0, err)
	}
	return sc, nil
}

// CurrentState is the state the next update for key would be handled by.
func (m *Machine) CurrentState(ctx context.Context, key models.ConversationKey) (models.StateID, error) {
	sc, err := m.Snapshot(ctx, key)
	if err != nil {
		return "", err
	}
	if sc == nil {
		return m.opts.InitialState, nil
	}
	return sc.State, nil
}
