package fsm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"convobot/internal/domain"
	"convobot/internal/events"
	"convobot/internal/metrics"
	"convobot/internal/models"
	"convobot/internal/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*models.OutboundMessage
	err  error
}

func (s *recordingSink) Send(_ context.Context, msg *models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Text)
	}
	return out
}

type eventRecorder struct {
	mu    sync.Mutex
	types []string
	bus   *events.EventBus
}

func newEventRecorder() *eventRecorder {
	r := &eventRecorder{bus: events.NewEventBus()}
	for _, t := range []string{
		events.EventUpdateDropped,
		events.EventUnknownState,
		events.EventDeliveryFailed,
		events.EventStorageUnavailable,
		events.EventConversationFinished,
	} {
		r.bus.Subscribe(t, func(e *events.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.types = append(r.types, e.Type)
			return nil
		})
	}
	return r
}

func (r *eventRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

// conflictingStorage fails the first n commits with ErrConflict.
type conflictingStorage struct {
	*repository.MemoryStorage
	remaining atomic.Int32
	commits   atomic.Int32
}

func (s *conflictingStorage) Commit(ctx context.Context, sc *models.StateContext, expected int64) error {
	s.commits.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return domain.ErrConflict
	}
	return s.MemoryStorage.Commit(ctx, sc, expected)
}

type downStorage struct {
	*repository.MemoryStorage
}

func (s *downStorage) GetOrCreate(context.Context, models.ConversationKey) (*models.StateContext, error) {
	return nil, fmt.Errorf("get: %w: %w", domain.ErrStorageUnavailable, errors.New("connection refused"))
}

// readOnlyStorage serves reads but fails every write as unavailable.
type readOnlyStorage struct {
	*repository.MemoryStorage
}

func (s *readOnlyStorage) Commit(context.Context, *models.StateContext, int64) error {
	return fmt.Errorf("commit: %w", domain.ErrStorageUnavailable)
}

func (s *readOnlyStorage) Discard(context.Context, models.ConversationKey, int64) error {
	return fmt.Errorf("discard: %w", domain.ErrStorageUnavailable)
}

func (s *readOnlyStorage) Remove(context.Context, models.ConversationKey) error {
	return fmt.Errorf("remove: %w", domain.ErrStorageUnavailable)
}

func registrationStates() []State {
	start := NewState("start", func(_ context.Context, upd models.Update, _ *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		if upd.Command() == "/begin" {
			return models.Goto("ask_name"), nil, nil
		}
		return models.Stay(), models.NewReply(0, "Send /begin"), nil
	})

	askName := NewState("ask_name", func(_ context.Context, upd models.Update, _ *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		name := strings.TrimSpace(upd.Text)
		if name == "" {
			return models.Stay(), nil, Reject("Name cannot be empty")
		}
		return models.Goto("ask_age").With("name", name), nil, nil
	}, WithPrompt("What is your name?"))

	askAge := NewState("ask_age", func(_ context.Context, upd models.Update, _ *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		if _, err := strconv.Atoi(upd.Text); err != nil {
			return models.Stay(), nil, Rejectf("%q is not a number", upd.Text)
		}
		return models.Finish().With("age", upd.Text), models.NewReply(0, "Thanks"), nil
	}, WithPrompt("How old are you?"))

	return []State{start, askName, askAge}
}

type fixture struct {
	machine *Machine
	storage domain.Storage
	sink    *recordingSink
	events  *eventRecorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, storage domain.Storage, opts Options, states ...State) *fixture {
	t.Helper()
	if len(states) == 0 {
		states = registrationStates()
	}
	reg, err := NewRegistry(states...)
	require.NoError(t, err)
	if storage == nil {
		storage = repository.NewMemoryStorage(opts.InitialState)
	}

	f := &fixture{
		storage: storage,
		sink:    &recordingSink{},
		events:  newEventRecorder(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	logger := zerolog.Nop()
	f.machine, err = New(reg, storage, f.sink, opts, &logger, f.events.bus, f.metrics)
	require.NoError(t, err)
	return f
}

func text(id int64, s string) models.Update {
	return models.NewTextUpdate(id, 100, 7, s)
}

func TestMachine_RegistrationScenario(t *testing.T) {
	f := newFixture(t, nil, Options{InitialState: "start", MaxCommitRetries: 1})
	ctx := context.Background()
	key := models.NewConversationKey(100, 7)

	res, err := f.machine.Handle(ctx, text(1, "/begin"))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("start"), res.From)
	assert.Equal(t, models.StateID("ask_name"), res.To)
	assert.Equal(t, int64(1), res.Version)
	require.NotNil(t, res.Reply)
	assert.Equal(t, int64(100), res.Reply.ChatID)

	res, err = f.machine.Handle(ctx, text(2, "Alice"))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_age"), res.To)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, map[string]any{"name": "Alice"}, res.Form.Map())

	res, err = f.machine.Handle(ctx, text(3, "30"))
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Equal(t, models.TransitionFinish, res.Transition.Kind)
	assert.Equal(t, map[string]any{"name": "Alice", "age": "30"}, res.Form.Map())
	assert.Equal(t, []string{"name", "age"}, res.Form.Fields())

	snap, err := f.machine.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, snap, "finished conversation must be removed")

	res, err = f.machine.Handle(ctx, text(4, "hello again"))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("start"), res.From)
	assert.Equal(t, models.StateID("start"), res.To)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, 0, res.Form.Len())

	assert.Equal(t, []string{"What is your name?", "How old are you?", "Thanks", "Send /begin"}, f.sink.texts())
	assert.Equal(t, []string{events.EventConversationFinished}, f.events.seen())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdatesHandled.WithLabelValues(metrics.OutcomeFinished)))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.UpdatesHandled.WithLabelValues(metrics.OutcomeCommitted)))
}

func TestMachine_RejectStay(t *testing.T) {
	f := newFixture(t, nil, Options{InitialState: "start"})
	ctx := context.Background()

	_, err := f.machine.Handle(ctx, text(1, "/begin"))
	require.NoError(t, err)

	res, err := f.machine.Handle(ctx, text(2, "   "))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Rejection, ErrValidation)
	assert.Equal(t, models.StateID("ask_name"), res.To)
	assert.Equal(t, int64(1), res.Version, "rejected input must not commit")
	require.NotNil(t, res.Reply)
	assert.Equal(t, "Name cannot be empty", res.Reply.Text)

	snap, err := f.machine.Snapshot(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_name"), snap.State)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdatesHandled.WithLabelValues(metrics.OutcomeRejected)))
}

func TestMachine_RejectFinish(t *testing.T) {
	strict := NewState("start", func(context.Context, models.Update, *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		return models.Stay(), nil, Reject("Bye")
	}, WithRejectPolicy(RejectFinish))
	f := newFixture(t, nil, Options{InitialState: "start"}, strict)
	ctx := context.Background()

	res, err := f.machine.Handle(ctx, text(1, "anything"))
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.ErrorIs(t, res.Rejection, ErrValidation)
	assert.Equal(t, "Bye", res.Reply.Text)

	snap, err := f.machine.Snapshot(ctx, res.Key)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestMachine_HandlerErrorIsRejection(t *testing.T) {
	broken := NewState("start", func(context.Context, models.Update, *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		return models.Stay(), nil, errors.New("lookup failed")
	})
	f := newFixture(t, nil, Options{InitialState: "start"}, broken)

	res, err := f.machine.Handle(context.Background(), text(1, "x"))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Rejection, ErrValidation)
	assert.Contains(t, res.Rejection.Error(), "lookup failed")
	assert.Nil(t, res.Reply)
	assert.Empty(t, f.sink.texts())
}

func TestMachine_UnknownStateFallback(t *testing.T) {
	storage := repository.NewMemoryStorage("start")
	f := newFixture(t, storage, Options{InitialState: "start", OnStateNotFound: NotFoundFallback})
	ctx := context.Background()
	key := models.NewConversationKey(100, 7)

	legacy := models.NewStateContext(key, "removed_state", f.machine.now())
	require.NoError(t, legacy.Form.Set("stale", true))
	require.NoError(t, storage.Commit(ctx, legacy, 0))

	res, err := f.machine.Handle(ctx, text(1, "/begin"))
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, models.StateID("removed_state"), res.From)
	assert.Equal(t, models.StateID("ask_name"), res.To)
	assert.False(t, res.Form.Has("stale"))
	assert.Equal(t, []string{events.EventUnknownState}, f.events.seen())
}

func TestMachine_UnknownStateFallbackCommitsOnReject(t *testing.T) {
	storage := repository.NewMemoryStorage("start")
	picky := NewState("start", func(context.Context, models.Update, *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		return models.Stay(), nil, Reject("again")
	})
	f := newFixture(t, storage, Options{InitialState: "start"}, picky)
	ctx := context.Background()
	key := models.NewConversationKey(100, 7)

	require.NoError(t, storage.Commit(ctx, models.NewStateContext(key, "gone", f.machine.now()), 0))

	res, err := f.machine.Handle(ctx, text(1, "x"))
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, int64(2), res.Version)

	snap, err := f.machine.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("start"), snap.State)
}

func TestMachine_UnknownStateDrop(t *testing.T) {
	storage := repository.NewMemoryStorage("start")
	f := newFixture(t, storage, Options{InitialState: "start", OnStateNotFound: NotFoundDrop})
	ctx := context.Background()
	key := models.NewConversationKey(100, 7)
	require.NoError(t, storage.Commit(ctx, models.NewStateContext(key, "removed_state", f.machine.now()), 0))

	res, err := f.machine.Handle(ctx, text(1, "hi"))
	assert.ErrorIs(t, err, ErrUnknownState)
	assert.Nil(t, res)
	assert.Empty(t, f.sink.texts())

	snap, err := f.machine.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("removed_state"), snap.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdatesHandled.WithLabelValues(metrics.OutcomeUnknownState)))
}

func TestMachine_GotoUnknownTarget(t *testing.T) {
	lost := NewState("start", func(context.Context, models.Update, *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		return models.Goto("nowhere").With("x", 1), models.NewReply(0, "moving"), nil
	})
	f := newFixture(t, nil, Options{InitialState: "start"}, lost)
	ctx := context.Background()

	_, err := f.machine.Handle(ctx, text(1, "go"))
	assert.ErrorIs(t, err, ErrUnknownState)
	assert.Empty(t, f.sink.texts())

	snap, err := f.machine.Snapshot(ctx, models.NewConversationKey(100, 7))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, models.StateID("start"), snap.State)
	assert.Equal(t, int64(0), snap.Version, "nothing may be committed")
	assert.False(t, snap.Form.Has("x"))
}

func TestMachine_BadFormValue(t *testing.T) {
	bad := NewState("start", func(context.Context, models.Update, *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		return models.Stay().With("when", []string{"x"}), nil, nil
	})
	f := newFixture(t, nil, Options{InitialState: "start"}, bad)

	_, err := f.machine.Handle(context.Background(), text(1, "x"))
	assert.ErrorIs(t, err, models.ErrFieldType)
}

func TestMachine_ConflictRetryThenDrop(t *testing.T) {
	storage := &conflictingStorage{MemoryStorage: repository.NewMemoryStorage("start")}
	storage.remaining.Store(1000)
	f := newFixture(t, storage, Options{InitialState: "start", MaxCommitRetries: 2})

	res, err := f.machine.Handle(context.Background(), text(1, "/begin"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDropped)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int32(3), storage.commits.Load())
	assert.Empty(t, f.sink.texts(), "dropped update must not reply")
	assert.Equal(t, []string{events.EventUpdateDropped}, f.events.seen())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.CommitConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdatesHandled.WithLabelValues(metrics.OutcomeDropped)))
}

func TestMachine_ConflictRetrySucceeds(t *testing.T) {
	storage := &conflictingStorage{MemoryStorage: repository.NewMemoryStorage("start")}
	storage.remaining.Store(1)
	f := newFixture(t, storage, Options{InitialState: "start", MaxCommitRetries: 1})

	res, err := f.machine.Handle(context.Background(), text(1, "/begin"))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_name"), res.To)
	assert.Equal(t, int32(2), storage.commits.Load())
	assert.Equal(t, []string{"What is your name?"}, f.sink.texts())
}

func TestMachine_StorageUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("Load", func(t *testing.T) {
		storage := &downStorage{MemoryStorage: repository.NewMemoryStorage("start")}
		f := newFixture(t, storage, Options{InitialState: "start"})

		_, err := f.machine.Handle(ctx, text(1, "/begin"))
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
		assert.Equal(t, []string{events.EventStorageUnavailable}, f.events.seen())
	})

	t.Run("Commit", func(t *testing.T) {
		storage := &readOnlyStorage{MemoryStorage: repository.NewMemoryStorage("start")}
		f := newFixture(t, storage, Options{InitialState: "start"})

		_, err := f.machine.Handle(ctx, text(1, "/begin"))
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
		assert.Equal(t, []string{events.EventStorageUnavailable}, f.events.seen())
		assert.Empty(t, f.sink.texts())
	})

	t.Run("Finish", func(t *testing.T) {
		mem := repository.NewMemoryStorage("start")
		upd := text(1, "30")
		sc, err := mem.GetOrCreate(ctx, upd.Key())
		require.NoError(t, err)
		sc.State = "ask_age"
		require.NoError(t, mem.Commit(ctx, sc, 0))

		f := newFixture(t, &readOnlyStorage{MemoryStorage: mem}, Options{InitialState: "start"})
		_, err = f.machine.Handle(ctx, upd)
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
		assert.Equal(t, []string{events.EventStorageUnavailable}, f.events.seen())

		kept, err := mem.Get(ctx, upd.Key())
		require.NoError(t, err)
		assert.Equal(t, models.StateID("ask_age"), kept.State)
	})

	t.Run("JumpAndReset", func(t *testing.T) {
		storage := &readOnlyStorage{MemoryStorage: repository.NewMemoryStorage("start")}
		f := newFixture(t, storage, Options{InitialState: "start"})
		key := models.NewConversationKey(1, 1)

		_, err := f.machine.Jump(ctx, key, "ask_name", nil)
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
		err = f.machine.Reset(ctx, key)
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
		assert.Equal(t, []string{events.EventStorageUnavailable, events.EventStorageUnavailable}, f.events.seen())
	})
}

func TestMachine_DeliveryFailureKeepsTransition(t *testing.T) {
	f := newFixture(t, nil, Options{InitialState: "start"})
	f.sink.err = errors.New("telegram is down")
	ctx := context.Background()

	res, err := f.machine.Handle(ctx, text(1, "/begin"))
	require.NoError(t, err)
	assert.ErrorIs(t, res.DeliveryErr, ErrDelivery)
	assert.Equal(t, models.StateID("ask_name"), res.To)

	snap, err := f.machine.Snapshot(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_name"), snap.State)
	assert.Equal(t, []string{events.EventDeliveryFailed}, f.events.seen())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryFailures))
}

func TestMachine_CallbackIsAcknowledged(t *testing.T) {
	silent := NewState("start", func(context.Context, models.Update, *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		return models.Stay(), nil, nil
	})
	f := newFixture(t, nil, Options{InitialState: "start"}, silent)

	res, err := f.machine.Handle(context.Background(), models.NewCallbackUpdate(1, 100, 7, "cb-1", "pick:1"))
	require.NoError(t, err)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "cb-1", res.Reply.CallbackID)
	assert.False(t, res.Reply.HasText())
	assert.Len(t, f.sink.msgs, 1)
}

func TestMachine_JumpResetSnapshot(t *testing.T) {
	f := newFixture(t, nil, Options{InitialState: "start"})
	ctx := context.Background()
	key := models.NewConversationKey(100, 7)

	state, err := f.machine.CurrentState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("start"), state)

	form := models.NewStatesForm()
	require.NoError(t, form.Set("name", "Bob"))
	res, err := f.machine.Jump(ctx, key, "ask_age", form)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_age"), res.To)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, []string{"How old are you?"}, f.sink.texts())

	snap, err := f.machine.Snapshot(ctx, key)
	require.NoError(t, err)
	name, err := snap.Form.String("name")
	require.NoError(t, err)
	assert.Equal(t, "Bob", name)

	_, err = f.machine.Jump(ctx, key, "nowhere", nil)
	assert.ErrorIs(t, err, ErrUnknownState)

	require.NoError(t, f.machine.Reset(ctx, key))
	snap, err = f.machine.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestMachine_ConcurrentSameKey(t *testing.T) {
	counter := NewState("start", func(_ context.Context, _ models.Update, form *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
		n, err := form.Int64("n")
		if err != nil && !errors.Is(err, models.ErrFieldMissing) {
			return models.Stay(), nil, err
		}
		return models.Stay().With("n", n+1), nil, nil
	})
	const workers = 8
	f := newFixture(t, nil, Options{InitialState: "start", MaxCommitRetries: workers - 1}, counter)
	ctx := context.Background()

	var wg sync.WaitGroup
	var failed atomic.Int32
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int64) {
			defer wg.Done()
			if _, err := f.machine.Handle(ctx, text(id, "tick")); err != nil {
				failed.Add(1)
			}
		}(int64(i))
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	snap, err := f.machine.Snapshot(ctx, models.NewConversationKey(100, 7))
	require.NoError(t, err)
	n, err := snap.Form.Int64("n")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), n, "no update may be lost")
	assert.Equal(t, int64(workers), snap.Version)
}

func TestMachine_IndependentKeys(t *testing.T) {
	f := newFixture(t, nil, Options{InitialState: "start"})
	ctx := context.Background()

	_, err := f.machine.Handle(ctx, models.NewTextUpdate(1, 1, 2, "/begin"))
	require.NoError(t, err)

	res, err := f.machine.Handle(ctx, models.NewTextUpdate(2, 2, 1, "Alice"))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("start"), res.From)

	state, err := f.machine.CurrentState(ctx, models.NewConversationKey(1, 2))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_name"), state)
}

func TestNew_Validation(t *testing.T) {
	reg, err := NewRegistry(registrationStates()...)
	require.NoError(t, err)
	storage := repository.NewMemoryStorage("start")

	_, err = New(reg, storage, nil, Options{InitialState: "missing"}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownState)

	_, err = New(reg, storage, nil, Options{InitialState: "start", OnStateNotFound: "ignore"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(nil, storage, nil, Options{}, nil, nil, nil)
	assert.Error(t, err)

	m, err := New(reg, storage, nil, Options{MaxCommitRetries: -3}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultInitialState, m.InitialState())
	assert.Equal(t, 0, m.opts.MaxCommitRetries)
	assert.Equal(t, NotFoundFallback, m.opts.OnStateNotFound)

	// no sink, no publisher, no metrics
	res, err := m.Handle(context.Background(), text(1, "/begin"))
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_name"), res.To)
}
