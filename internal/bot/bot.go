package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convobot/internal/config"
	"convobot/internal/dispatch"
	"convobot/internal/domain"
	"convobot/internal/logging"
	"convobot/internal/metrics"
	"convobot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Router routes one update through the dispatch table and the state machine.
type Router interface {
	Route(ctx context.Context, upd models.Update) (*dispatch.Outcome, error)
}

// Submitter runs jobs serialized per conversation.
type Submitter interface {
	Submit(key models.ConversationKey, job func()) error
}

type Bot struct {
	tg            domain.TelegramSender
	router        Router
	pool          Submitter
	sink          domain.ReplySink
	limiter       *userLimiter
	updateTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *zerolog.Logger
}

func NewBot(
	tg domain.TelegramSender,
	router Router,
	pool Submitter,
	sink domain.ReplySink,
	cfg config.BotConfig,
	m *metrics.Metrics,
	logger *zerolog.Logger,
) (*Bot, error) {
	if router == nil {
		return nil, errors.New("bot: router is required")
	}
	if pool == nil {
		return nil, errors.New("bot: worker pool is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Bot{
		tg:            tg,
		router:        router,
		pool:          pool,
		sink:          sink,
		limiter:       newUserLimiter(cfg.RateLimitMessages, time.Duration(cfg.RateLimitWindow)*time.Second),
		updateTimeout: models.UpdateTimeout,
		metrics:       m,
		logger:        logger,
	}, nil
}

func (b *Bot) Start(ctx context.Context) {
	if b.tg == nil {
		b.logger.Error().Msg("Telegram client is not configured")
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.tg.GetUpdatesChan(u)

	b.logger.Info().Str("username", b.tg.GetSelf().UserName).Msg("Authorized on account")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Bot stopping...")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	upd, ok := ToUpdate(update)
	if !ok {
		b.logger.Debug().Int("update_id", update.UpdateID).Msg("Skipping unsupported update")
		return
	}
	if err := b.Dispatch(ctx, upd); err != nil && !errors.Is(err, errRateLimited) {
		b.logger.Warn().Err(err).Int64("user_id", upd.UserID).Msg("Update not scheduled")
	}
}

var errRateLimited = errors.New("bot: rate limit exceeded")

// Dispatch schedules upd on its conversation's worker. Updates of one
// conversation are handled strictly in the order Dispatch is called.
func (b *Bot) Dispatch(ctx context.Context, upd models.Update) error {
	if !b.limiter.Allow(upd.UserID) {
		b.metrics.IncRateLimited()
		b.logger.Warn().Int64("user_id", upd.UserID).Msg("Rate limit exceeded")
		b.notify(ctx, upd, msgRateLimited)
		return errRateLimited
	}

	err := b.pool.Submit(upd.Key(), func() { b.handle(ctx, upd) })
	if err != nil {
		b.notify(ctx, upd, userMessage(err))
		return fmt.Errorf("schedule update %d: %w", upd.ID, err)
	}
	return nil
}

func (b *Bot) handle(ctx context.Context, upd models.Update) {
	// Создаем контекст для обработки каждого обновления
	updateCtx, cancel := context.WithTimeout(ctx, b.updateTimeout)
	defer cancel()

	updateCtx, l := logging.ForUpdate(updateCtx, b.logger, upd)
	start := time.Now()

	b.withRecovery(func() {
		outcome, err := b.router.Route(updateCtx, upd)
		if err != nil {
			l.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Update failed")
			b.notify(ctx, upd, userMessage(err))
			return
		}

		ev := l.Debug().Bool("matched", outcome.Matched).Str("action", outcome.Action.String())
		if res := outcome.Result; res != nil {
			ev = ev.Str("from", string(res.From)).Str("to", string(res.To)).Int64("version", res.Version)
		}
		ev.Dur("elapsed", time.Since(start)).Msg("Update handled")
	})
}

// notify tells the user why an update was not processed. Callback queries are
// acknowledged with the text instead of a chat message.
func (b *Bot) notify(ctx context.Context, upd models.Update, text string) {
	if b.sink == nil || text == "" {
		return
	}

	msg := &models.OutboundMessage{ChatID: upd.ChatID}
	if upd.Kind == models.UpdateCallback {
		msg.CallbackID = upd.CallbackID
		msg.CallbackAnswer = text
	} else {
		msg.Text = text
	}

	if err := b.sink.Send(context.WithoutCancel(ctx), msg); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", upd.ChatID).Msg("Failed to notify user")
	}
}
