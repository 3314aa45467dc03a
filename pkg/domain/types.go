package domain

import "time"

// Message sender values. The original data model called the assistant
// side "ai"; both spellings are accepted on read, "assistant" is canonical.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Address      string    `json:"address"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Chat is a threaded conversation owned by one user. Messages are
// append-only and kept in conversation order.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn in a chat. AttachmentURL and AttachmentName are
// either both set or both empty.
type Message struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chatId"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	AttachmentName string    `json:"attachmentName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasAttachment reports whether the message carries a document reference.
func (m Message) HasAttachment() bool {
	return m.AttachmentURL != "" && m.AttachmentName != ""
}

// Document is a stored PDF owned by one user, independent of any chat.
type Document struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Name        string            `json:"name"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	StorageKey  string            `json:"-"`
	URL         string            `json:"url"`
	SizeBytes   int64             `json:"sizeBytes"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
