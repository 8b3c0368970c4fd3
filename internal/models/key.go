package models

import "strconv"

// FNV-1a 64-bit parameters used by Combine.
const (
	HashSeed    uint64 = 14695981039346656037
	hashPrime64 uint64 = 1099511628211
)

// Combine folds v into h byte by byte (little-endian) using FNV-1a:
// for each byte b, h = (h XOR b) * 1099511628211.
// The fold is order-sensitive: Combine(Combine(s, a), b) differs from
// Combine(Combine(s, b), a) whenever a != b, barring a genuine 64-bit collision.
func Combine(h, v uint64) uint64 {
	for i := 0; i < 8; i++ {
		h ^= v & 0xff
		h *= hashPrime64
		v >>= 8
	}
	return h
}

// CombineString folds the bytes of s and then its length into h, so
// ("ab","c") and ("a","bc") produce different results.
func CombineString(h uint64, s string) uint64 {
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= hashPrime64
	}
	return Combine(h, uint64(len(s)))
}

// ConversationKey identifies a conversation: one user inside one chat.
type ConversationKey struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

func NewConversationKey(chatID, userID int64) ConversationKey {
	return ConversationKey{ChatID: chatID, UserID: userID}
}

// Hash returns the order-sensitive hash of (ChatID, UserID).
func (k ConversationKey) Hash() uint64 {
	return Combine(Combine(HashSeed, uint64(k.ChatID)), uint64(k.UserID))
}

// String renders the key as "<chat>:<user>", the form used by persistent backends.
func (k ConversationKey) String() string {
	buf := make([]byte, 0, 40)
	buf = strconv.AppendInt(buf, k.ChatID, 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, k.UserID, 10)
	return string(buf)
}

func (k ConversationKey) IsZero() bool {
	return k.ChatID == 0 && k.UserID == 0
}
