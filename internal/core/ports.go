package core

import "context"

// MessageStore is the durable record of messages and their delivery status.
// Implementations must make CreateMessage and AdvanceStatus atomic per message.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (Message, error)
	// AdvanceStatus moves a message forward to status `to`. If the stored status
	// is already at or past `to` the stored message is returned with changed=false.
	AdvanceStatus(ctx context.Context, id int64, to Status) (msg Message, changed bool, err error)
	// PendingFor returns messages addressed to receiverID still in status sent,
	// oldest first.
	PendingFor(ctx context.Context, receiverID int64) ([]Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	Conversation(ctx context.Context, a, b int64, limit int) ([]Message, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Backend is a complete storage driver.
type Backend interface {
	MessageStore
	UserStore
	Ping(ctx context.Context) error
}
