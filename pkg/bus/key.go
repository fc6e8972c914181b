package bus

import (
	"strings"

	"github.com/google/uuid"
)

const anonymousKeyPrefix = "anon:"

// ConversationKey derives the key that shards session storage and serializes
// processing: sender id, then recipient id, then the raw payload sender id.
// Events with none of these get a unique placeholder so they never share a
// lock with anything else.
func ConversationKey(event InboundEvent) string {
	for _, candidate := range []string{event.SenderID, event.RecipientID, event.RawSenderID} {
		if value := strings.TrimSpace(candidate); value != "" {
			return value
		}
	}

	return anonymousKeyPrefix + uuid.NewString()
}

// IsAnonymousKey reports whether key was synthesized by ConversationKey.
func IsAnonymousKey(key string) bool {
	return strings.HasPrefix(key, anonymousKeyPrefix)
}

// Group is the ordered run of events that share one conversation key.
type Group struct {
	Key    string
	Events []InboundEvent
}

// GroupByConversation partitions events by conversation key. Groups appear in
// order of first arrival and events keep their arrival order within a group.
func GroupByConversation(events []InboundEvent) []Group {
	index := make(map[string]int)
	groups := make([]Group, 0, len(events))

	for _, event := range events {
		key := ConversationKey(event)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Events = append(groups[i].Events, event)
	}

	return groups
}
