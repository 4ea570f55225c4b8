package policy

import (
	"slices"

	"github.com/ent0n29/threadbot/internal/chat"
)

// IDList is an allow/block pair of external ids.
type IDList struct {
	Allowed []string `yaml:"allowed_ids"`
	Blocked []string `yaml:"blocked_ids"`
}

// Permissions decides which authors and channels the bot answers.
type Permissions struct {
	AllowDMs bool   `yaml:"allow_dms"`
	Users    IDList `yaml:"users"`
	Roles    IDList `yaml:"roles"`
	Channels IDList `yaml:"channels"`
}

// Allowed reports whether msg passes the user, role and channel filters.
//
// Empty allow lists admit everyone; a block entry always wins. In direct messages
// role allow lists do not apply and the channel check reduces to AllowDMs.
func (p Permissions) Allowed(msg chat.Message) bool {
	allowAllUsers := len(p.Users.Allowed) == 0
	if !msg.DirectMessage {
		allowAllUsers = allowAllUsers && len(p.Roles.Allowed) == 0
	}
	goodUser := allowAllUsers ||
		slices.Contains(p.Users.Allowed, msg.AuthorID) ||
		anyIn(msg.RoleIDs, p.Roles.Allowed)
	badUser := !goodUser ||
		slices.Contains(p.Users.Blocked, msg.AuthorID) ||
		anyIn(msg.RoleIDs, p.Roles.Blocked)
	if badUser {
		return false
	}

	var goodChannel bool
	if msg.DirectMessage {
		goodChannel = p.AllowDMs
	} else {
		goodChannel = len(p.Channels.Allowed) == 0 || slices.Contains(p.Channels.Allowed, msg.ChannelID)
	}
	return goodChannel && !slices.Contains(p.Channels.Blocked, msg.ChannelID)
}

func anyIn(ids, set []string) bool {
	for _, id := range ids {
		if slices.Contains(set, id) {
			return true
		}
	}
	return false
}
