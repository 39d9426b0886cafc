// Package chatnet defines the capability surface the crawl engine requires
// from a chat-network session client. Concrete protocol drivers register
// themselves via Register; the engine never depends on a specific protocol
// implementation.
package chatnet

import (
	"strconv"
	"strings"
	"time"
)

// ChatType classifies a chat on the network.
type ChatType string

const (
	TypeChat    ChatType = "CHAT"
	TypeChannel ChatType = "CHANNEL"
	TypePrivate ChatType = "PRIVATE"
	TypeBot     ChatType = "BOT"
)

// Chat describes a group, channel or private dialog.
type Chat struct {
	ID         int64
	Title      string
	Username   string
	InviteLink string

	// First/last name are set for private dialogs instead of a title.
	FirstName string
	LastName  string

	Type         ChatType
	MembersCount int

	// Preview is true when the record came from a resolve of a chat the
	// session has not joined; such records may lack the linked chat.
	Preview bool

	// LinkedChat is the discussion group of a channel (or vice versa).
	LinkedChat *Chat
}

// DisplayName returns the chat title, falling back to the private dialog name.
func (c *Chat) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// JoinString returns the most durable way to re-enter the chat.
func (c *Chat) JoinString() string {
	if c.Username != "" {
		return c.Username
	}
	if c.InviteLink != "" {
		return c.InviteLink
	}
	return strconv.FormatInt(c.ID, 10)
}

// User is the author of a message.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// FullName joins the non-empty name parts with a space.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Reaction is one emoji counter on a post. Exactly one of Emoji and
// CustomEmojiID is set.
type Reaction struct {
	Emoji         string
	CustomEmojiID int64
	Count         int64
}

// PollOption is one answer of a poll with its current voter count.
type PollOption struct {
	Text       string
	VoterCount int64
}

// Poll is a poll attached to a message. ChosenOption is -1 while the session
// has not voted.
type Poll struct {
	IsAnonymous  bool
	IsClosed     bool
	ChosenOption int
	Options      []PollOption
}

// Message is a single observed message, live or historical.
type Message struct {
	ID   int64
	Chat *Chat
	Date time.Time
	Text string

	FromUser   *User
	SenderChat *Chat

	ForwardFromChat      *Chat
	ForwardFromMessageID int64

	// ReplyToTopMessageID links a discussion reply to its thread root.
	ReplyToTopMessageID int64

	Views     int64
	Reactions []Reaction
	Poll      *Poll
}

// Ref addresses a chat by numeric id or by handle/invite link.
type Ref struct {
	ID     int64
	Handle string
}

// ParseRef interprets a join string as a numeric id when possible.
func ParseRef(joinString string) Ref {
	if id, err := strconv.ParseInt(joinString, 10, 64); err == nil {
		return Ref{ID: id}
	}
	return Ref{Handle: joinString}
}

func (r Ref) String() string {
	if r.Handle != "" {
		return r.Handle
	}
	return strconv.FormatInt(r.ID, 10)
}
