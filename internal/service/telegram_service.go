package service

import (
	"context"
	"errors"
	"fmt"

	"convobot/internal/domain"
	"convobot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramService turns outbound messages into Bot API calls. It is the
// domain.ReplySink behind the async delivery worker.
type TelegramService struct {
	bot domain.TelegramSender
}

func NewTelegramService(bot domain.TelegramSender) *TelegramService {
	return &TelegramService{
		bot: bot,
	}
}

// Send acknowledges the originating callback query, if any, and then sends
// the text of msg.
func (s *TelegramService) Send(ctx context.Context, msg *models.OutboundMessage) error {
	if msg == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	if msg.CallbackID != "" {
		if err := s.AnswerCallback(msg.CallbackID, msg.CallbackAnswer); err != nil {
			errs = append(errs, fmt.Errorf("answer callback: %w", err))
		}
	}

	if msg.HasText() {
		if _, err := s.bot.Send(MessageConfig(msg)); err != nil {
			errs = append(errs, fmt.Errorf("send message to chat %d: %w", msg.ChatID, err))
		}
	}

	return errors.Join(errs...)
}

// MessageConfig builds the sendMessage request for msg.
func MessageConfig(msg *models.OutboundMessage) tgbotapi.MessageConfig {
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ParseMode = msg.ParseMode
	cfg.ReplyToMessageID = msg.ReplyToMessageID
	if kb, ok := InlineKeyboard(msg.Buttons); ok {
		cfg.ReplyMarkup = kb
	}
	return cfg
}

// InlineKeyboard converts button rows, skipping empty rows.
func InlineKeyboard(rows [][]models.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	var out [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			data := b.Data
			if data == "" {
				data = b.Text
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, data))
		}
		if len(buttons) > 0 {
			out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
	}
	if len(out) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...), true
}

func (s *TelegramService) SendMessage(chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	return s.bot.Send(msg)
}

func (s *TelegramService) AnswerCallback(callbackID, text string) error {
	callback := tgbotapi.NewCallback(callbackID, text)
	_, err := s.bot.Request(callback)
	return err
}

func (s *TelegramService) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return s.bot.GetUpdatesChan(config)
}

func (s *TelegramService) GetSelf() tgbotapi.User {
	return s.bot.GetSelf()
}

func (s *TelegramService) StopReceivingUpdates() {
	s.bot.StopReceivingUpdates()
}
