package store

import "aidoctor/pkg/domain"

// Store defines persistence operations for users, chats, and documents.
// Every chat/document read or mutation is scoped to the owning user, so
// one user can never observe or mutate another user's records.
type Store interface {
	// users
	CreateUser(domain.User) error
	UpdateUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// chats
	CreateChat(domain.Chat) error
	ListChatsByOwner(ownerID string) ([]domain.Chat, error)
	GetChat(id, ownerID string) (domain.Chat, bool, error)
	// AppendMessages appends messages to a chat in one atomic write and
	// bumps the chat's updated timestamp. Messages are insert-only rows,
	// never a whole-aggregate overwrite, so concurrent appends to the
	// same chat interleave instead of losing writes.
	AppendMessages(chatID, ownerID string, msgs ...domain.Message) (domain.Chat, bool, error)

	// documents
	CreateDocument(domain.Document) error
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	GetDocument(id, ownerID string) (domain.Document, bool, error)
	DeleteDocument(id, ownerID string) (bool, error)
}

// SessionStore issues and resolves bearer tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}
