package dispatch

import (
	"fmt"

	"convobot/internal/models"
)

// Key identifies an exact route: a command or text for messages, the button
// data for callbacks.
type Key struct {
	Kind  models.UpdateKind
	Value string
}

func (k Key) Hash() uint64 {
	return models.CombineString(models.Combine(models.HashSeed, uint64(k.Kind)), k.Value)
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Value)
}

// stateHash mixes the conversation state into a key hash for state-bound routes.
func stateHash(k Key, state models.StateID) uint64 {
	return models.CombineString(k.Hash(), string(state))
}

// lookupValues returns the exact-match candidates of an update in priority order.
func lookupValues(upd models.Update) []string {
	switch upd.Kind {
	case models.UpdateText:
		cmd := upd.Command()
		if cmd == "" || cmd == upd.Text {
			return []string{upd.Text}
		}
		return []string{cmd, upd.Text}
	case models.UpdateCallback:
		return []string{upd.CallbackData}
	default:
		return nil
	}
}
