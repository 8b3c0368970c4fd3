package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotWrapper adapts *tgbotapi.BotAPI to domain.TelegramSender.
type BotWrapper struct {
	*tgbotapi.BotAPI
}

func (w *BotWrapper) GetSelf() tgbotapi.User {
	return w.Self
}

func (w *BotWrapper) StopReceivingUpdates() {
	w.BotAPI.StopReceivingUpdates()
}

func NewBotWrapper(bot *tgbotapi.BotAPI) *BotWrapper {
	return &BotWrapper{BotAPI: bot}
}

// Connect authorizes against the Bot API with token.
func Connect(token string, debug bool) (*BotWrapper, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorization: %w", err)
	}
	api.Debug = debug
	return NewBotWrapper(api), nil
}
