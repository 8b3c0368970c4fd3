package dispatch

import (
	"context"
	"fmt"

	"convobot/internal/domain"
	"convobot/internal/fsm"
	"convobot/internal/models"

	"github.com/rs/zerolog"
)

// Machine is the part of fsm.Machine the router delegates to.
type Machine interface {
	Handle(ctx context.Context, upd models.Update) (*fsm.Result, error)
	Jump(ctx context.Context, key models.ConversationKey, target models.StateID, form *models.StatesForm) (*fsm.Result, error)
	Reset(ctx context.Context, key models.ConversationKey) error
	CurrentState(ctx context.Context, key models.ConversationKey) (models.StateID, error)
}

// Outcome reports how an update was routed.
type Outcome struct {
	// Matched is set when a table handler ran.
	Matched bool
	Action  Action
	// Result is the state machine result, nil when the machine was not involved.
	Result *fsm.Result
}

// Router runs the dispatch table first and the state machine second.
type Router struct {
	table   *Table
	machine Machine
	sink    domain.ReplySink
	logger  *zerolog.Logger
}

func NewRouter(table *Table, machine Machine, sink domain.ReplySink, logger *zerolog.Logger) *Router {
	if table == nil {
		table = NewTable()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "router").Logger()
	return &Router{table: table, machine: machine, sink: sink, logger: &l}
}

func (r *Router) Table() *Table {
	return r.table
}

func (r *Router) Route(ctx context.Context, upd models.Update) (*Outcome, error) {
	key := upd.Key()

	var state models.StateID
	if r.table.HasStateRoutes() {
		var err error
		if state, err = r.machine.CurrentState(ctx, key); err != nil {
			return nil, fmt.Errorf("route %s: %w", key, err)
		}
	}

	fn, ok := r.table.Match(upd, state)
	if !ok {
		res, err := r.machine.Handle(ctx, upd)
		return &Outcome{Action: Continue, Result: res}, err
	}

	hr, err := fn(ctx, upd)
	if err != nil {
		return nil, fmt.Errorf("handler for %s: %w", key, err)
	}
	out := &Outcome{Matched: true, Action: hr.Action}

	r.logger.Debug().
		Str("conversation", key.String()).
		Str("kind", upd.Kind.String()).
		Str("action", hr.Action.String()).
		Msg("Update matched dispatch table")

	switch hr.Action {
	case Consume:
		r.reply(ctx, upd, hr.Reply, true)

	case Continue:
		r.reply(ctx, upd, hr.Reply, false)
		out.Result, err = r.machine.Handle(ctx, upd)

	case Jump:
		r.reply(ctx, upd, hr.Reply, true)
		out.Result, err = r.machine.Jump(ctx, key, hr.Target, hr.Form)

	case Reset:
		if err = r.machine.Reset(ctx, key); err == nil {
			r.reply(ctx, upd, hr.Reply, true)
		}

	default:
		err = fmt.Errorf("handler for %s returned unknown action %d", key, hr.Action)
	}
	return out, err
}

// reply sends a handler reply. ack also answers a callback query when the
// handler returned nothing.
func (r *Router) reply(ctx context.Context, upd models.Update, msg *models.OutboundMessage, ack bool) {
	if r.sink == nil {
		return
	}
	if msg == nil {
		if !ack || upd.Kind != models.UpdateCallback {
			return
		}
		msg = &models.OutboundMessage{}
	}
	if msg.ChatID == 0 {
		msg.ChatID = upd.ChatID
	}
	if ack && upd.Kind == models.UpdateCallback && msg.CallbackID == "" {
		msg.CallbackID = upd.CallbackID
	}
	if err := r.sink.Send(ctx, msg); err != nil {
		r.logger.Error().Err(err).Str("conversation", upd.Key().String()).Msg("Failed to deliver handler reply")
	}
}
