package store

import (
	"sort"

	"github.com/studyloop/studyloop-chat/types"
)

// MergeMessages combines an existing ordered message list with a batch of
// incoming messages. Entries are keyed by identity; an incoming duplicate is
// shallow-merged onto the existing entry (new fields win, fields absent on
// the incoming record are preserved). The result is sorted ascending by
// timestamp. Both live traffic and history pages pass through here, which is
// what makes out-of-order arrival safe: the function is side-effect-free and
// idempotent.
func MergeMessages(current, incoming []types.Message) []types.Message {
	out := make([]types.Message, len(current))
	copy(out, current)
	index := make(map[string]int, len(out))
	for i := range out {
		index[out[i].IdentityKey()] = i
	}
	for _, in := range incoming {
		key := in.IdentityKey()
		if i, ok := index[key]; ok {
			out[i] = overlayMessage(out[i], in)
		} else {
			index[key] = len(out)
			out = append(out, in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdentityKey() < out[j].IdentityKey()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// overlayMessage shallow-merges in onto old: non-zero incoming fields
// override, everything else is kept from the older copy.
func overlayMessage(old, in types.Message) types.Message {
	out := old
	if in.Id != "" {
		out.Id = in.Id
	}
	if in.Username != "" {
		out.Username = in.Username
	}
	if in.Content != "" {
		out.Content = in.Content
	}
	if in.Domain != "" {
		out.Domain = in.Domain
	}
	if in.Area != "" {
		out.Area = in.Area
	}
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if in.System {
		out.System = true
	}
	if in.Role != "" {
		out.Role = in.Role
	}
	if in.UserId != "" {
		out.UserId = in.UserId
	}
	if in.ConversationId != "" {
		out.ConversationId = in.ConversationId
	}
	return out
}
