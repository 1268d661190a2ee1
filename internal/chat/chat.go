// Package chat holds the vocabulary shared by every layer of the realtime
// session coordinator: channel keys, message text rules and the error
// taxonomy surfaced to clients.
package chat

// Channel key prefixes. A channel key names both a Subscription Directory
// set and a relay channel.
const (
	ConversationPrefix = "conversation:"
	UserPrefix         = "user:"

	// PresenceChannel carries online/offline transitions to every process.
	PresenceChannel = "presence"
)

// ConversationChannel returns the channel key for a conversation.
func ConversationChannel(conversationID string) string {
	return ConversationPrefix + conversationID
}

// UserChannel returns the channel key for a user's personal channel.
func UserChannel(userID string) string {
	return UserPrefix + userID
}
