package store

import (
	"sort"
	"sync"
	"time"

	"aidoctor/pkg/domain"
)

// MemoryStore keeps all records in-process. Used in tests and local runs
// without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	email     map[string]string // email -> user ID
	chats     map[string]domain.Chat
	messages  map[string][]domain.Message // chat ID -> ordered messages
	documents map[string]domain.Document
	docOrder  []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		email:     make(map[string]string),
		chats:     make(map[string]domain.Chat),
		messages:  make(map[string][]domain.Message),
		documents: make(map[string]domain.Document),
	}
}

// CreateUser registers a user.
func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// UpdateUser persists profile changes.
func (m *MemoryStore) UpdateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.users[u.ID]; ok && old.Email != u.Email {
		delete(m.email, old.Email)
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateChat creates an empty chat.
func (m *MemoryStore) CreateChat(c domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Messages = nil
	m.chats[c.ID] = c
	return nil
}

// ListChatsByOwner returns the user's chats, most recently updated first.
func (m *MemoryStore) ListChatsByOwner(ownerID string) ([]domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chats := make([]domain.Chat, 0)
	for _, c := range m.chats {
		if c.UserID == ownerID {
			chats = append(chats, c)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, nil
}

// GetChat loads one chat with its messages.
func (m *MemoryStore) GetChat(id, ownerID string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok || c.UserID != ownerID {
		return domain.Chat{}, false, nil
	}
	c.Messages = append([]domain.Message(nil), m.messages[id]...)
	return c, true, nil
}

// AppendMessages appends to the chat's message log and bumps updated_at.
func (m *MemoryStore) AppendMessages(chatID, ownerID string, msgs ...domain.Message) (domain.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || c.UserID != ownerID {
		return domain.Chat{}, false, nil
	}
	for _, msg := range msgs {
		msg.ChatID = chatID
		m.messages[chatID] = append(m.messages[chatID], msg)
		if msg.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = msg.CreatedAt
		}
	}
	m.chats[chatID] = c
	c.Messages = append([]domain.Message(nil), m.messages[chatID]...)
	return c, true, nil
}

// CreateDocument stores a document record.
func (m *MemoryStore) CreateDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[d.ID]; !exists {
		m.docOrder = append(m.docOrder, d.ID)
	}
	m.documents[d.ID] = d
	return nil
}

// ListDocumentsByOwner returns the user's documents, newest first.
func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]domain.Document, 0)
	for i := len(m.docOrder) - 1; i >= 0; i-- {
		if d, ok := m.documents[m.docOrder[i]]; ok && d.UserID == ownerID {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// GetDocument returns one document scoped to its owner.
func (m *MemoryStore) GetDocument(id, ownerID string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok || d.UserID != ownerID {
		return domain.Document{}, false, nil
	}
	return d, true, nil
}

// DeleteDocument removes a document row scoped to its owner.
func (m *MemoryStore) DeleteDocument(id, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok || d.UserID != ownerID {
		return false, nil
	}
	delete(m.documents, id)
	filtered := m.docOrder[:0]
	for _, item := range m.docOrder {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.docOrder = filtered
	return true, nil
}
