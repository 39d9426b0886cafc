package chatnet

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrApprovalPending is returned by Join when the chat requires an admin to
// approve the request; the confirmation arrives later as a push.
var ErrApprovalPending = errors.New("chatnet: join approval pending")

// MessageHandler receives every pushed message of a session.
type MessageHandler func(ctx context.Context, msg *Message)

// JoinConfirmationHandler receives join/creation confirmations; the chat is
// identified by title because the approval push carries no request id.
type JoinConfirmationHandler func(ctx context.Context, title string, chatID int64)

// Client is one authenticated long-lived session on the chat network.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Dialogs enumerates the chats the session currently participates in.
	Dialogs(ctx context.Context) ([]Chat, error)

	// Resolve fetches a chat record (possibly a preview) by handle or id.
	Resolve(ctx context.Context, ref Ref) (*Chat, error)

	// Join enters a chat; may return ErrApprovalPending.
	Join(ctx context.Context, ref Ref) (*Chat, error)

	Leave(ctx context.Context, chatID int64) error

	// Messages fetches a batch by id; deleted messages come back nil so the
	// result always has one entry per requested id.
	Messages(ctx context.Context, chatID int64, ids []int64) ([]*Message, error)

	// History fetches a reverse-paginated window: messages with id below
	// offsetID (0 means newest) and above minID, newest first.
	History(ctx context.Context, chatID int64, offsetID, minID int64, limit int) ([]*Message, error)

	// Vote submits a poll vote; best effort.
	Vote(ctx context.Context, chatID, messageID int64, option int) error

	OnMessage(handler MessageHandler)
	OnJoinConfirmation(handler JoinConfirmationHandler)
}

// Dialer opens a Client from a stored session descriptor.
type Dialer interface {
	Dial(ctx context.Context, name, sessionBlob string) (Client, error)
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Dialer{}
)

// Register makes a protocol driver available under the given name, in the
// manner of database/sql drivers. Drivers call Register from an init func;
// the binary picks one by name (CHATNET_DRIVER).
func Register(name string, dialer Dialer) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if dialer == nil {
		panic("chatnet: Register dialer is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("chatnet: Register called twice for driver " + name)
	}
	drivers[name] = dialer
}

// Driver returns the registered dialer by name.
func Driver(name string) (Dialer, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	dialer, ok := drivers[name]
	if !ok {
		return nil, errors.Errorf("chatnet: unknown driver %q (is the driver package linked into the binary?)", name)
	}
	return dialer, nil
}
