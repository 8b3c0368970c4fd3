package bot

import (
	"time"

	"convobot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ToUpdate maps a Bot API update onto the transport-neutral model. Only text
// messages and callback queries with a sender are supported.
func ToUpdate(u tgbotapi.Update) (models.Update, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.From == nil {
			return models.Update{}, false
		}
		upd := models.NewCallbackUpdate(int64(u.UpdateID), cq.From.ID, cq.From.ID, cq.ID, cq.Data)
		if cq.Message != nil && cq.Message.Chat != nil {
			upd.ChatID = cq.Message.Chat.ID
			upd.MessageID = cq.Message.MessageID
		}
		upd.Username = cq.From.UserName
		return upd, true

	case u.Message != nil:
		msg := u.Message
		if msg.From == nil || msg.Chat == nil {
			return models.Update{}, false
		}
		text := msg.Text
		if text == "" && msg.Contact != nil {
			text = msg.Contact.PhoneNumber
		}
		if text == "" {
			return models.Update{}, false
		}
		upd := models.NewTextUpdate(int64(u.UpdateID), msg.Chat.ID, msg.From.ID, text)
		upd.MessageID = msg.MessageID
		upd.Username = msg.From.UserName
		if msg.Date > 0 {
			upd.Received = time.Unix(int64(msg.Date), 0)
		}
		return upd, true
	}
	return models.Update{}, false
}
