package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"aidoctor/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &ChatModel{}, &MessageModel{}, &DocumentModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateUser registers a user.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Create(&model).Error
}

// UpdateUser persists profile changes.
func (s *GormStore) UpdateUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Model(&UserModel{}).Where("id = ?", u.ID).Updates(map[string]any{
		"first_name":    model.FirstName,
		"last_name":     model.LastName,
		"email":         model.Email,
		"password_hash": model.PasswordHash,
		"address":       model.Address,
		"updated_at":    time.Now().UTC(),
	}).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateChat creates an empty chat.
func (s *GormStore) CreateChat(c domain.Chat) error {
	model := chatToModel(c)
	return s.db.Create(&model).Error
}

// ListChatsByOwner returns the user's chats, most recently updated first.
// Messages are not loaded; use GetChat for the full thread.
func (s *GormStore) ListChatsByOwner(ownerID string) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.Where("user_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		chats = append(chats, chatFromModel(m, nil))
	}
	return chats, nil
}

// GetChat loads one chat with its messages in conversation order.
func (s *GormStore) GetChat(id, ownerID string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	msgs, err := s.listMessages(s.db, id)
	if err != nil {
		return domain.Chat{}, false, err
	}
	return chatFromModel(model, msgs), true, nil
}

// AppendMessages inserts messages and bumps the chat's updated_at in one
// transaction, then returns the refreshed chat with full history.
func (s *GormStore) AppendMessages(chatID, ownerID string, msgs ...domain.Message) (domain.Chat, bool, error) {
	var chatModel ChatModel
	var msgModels []MessageModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&chatModel, "id = ? AND user_id = ?", chatID, ownerID).Error; err != nil {
			return err
		}
		touched := chatModel.UpdatedAt
		for _, msg := range msgs {
			model := messageToModel(msg)
			model.ChatID = chatID
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			if model.CreatedAt.After(touched) {
				touched = model.CreatedAt
			}
		}
		if err := tx.Model(&ChatModel{}).Where("id = ?", chatID).
			Update("updated_at", touched.UTC()).Error; err != nil {
			return err
		}
		chatModel.UpdatedAt = touched.UTC()
		var err error
		msgModels, err = s.listMessageModels(tx, chatID)
		return err
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	history := make([]domain.Message, 0, len(msgModels))
	for _, m := range msgModels {
		history = append(history, messageFromModel(m))
	}
	return chatFromModel(chatModel, history), true, nil
}

func (s *GormStore) listMessages(tx *gorm.DB, chatID string) ([]domain.Message, error) {
	models, err := s.listMessageModels(tx, chatID)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

func (s *GormStore) listMessageModels(tx *gorm.DB, chatID string) ([]MessageModel, error) {
	var models []MessageModel
	if err := tx.Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

// CreateDocument stores a document record.
func (s *GormStore) CreateDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Create(&model).Error
}

// ListDocumentsByOwner returns the user's documents, newest first.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// GetDocument returns one document scoped to its owner.
func (s *GormStore) GetDocument(id, ownerID string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// DeleteDocument removes a document row scoped to its owner.
func (s *GormStore) DeleteDocument(id, ownerID string) (bool, error) {
	res := s.db.Delete(&DocumentModel{}, "id = ? AND user_id = ?", id, ownerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Address:      u.Address,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Address:      m.Address,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func chatFromModel(m ChatModel, msgs []domain.Message) domain.Chat {
	return domain.Chat{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		Messages:  msgs,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ChatID:         msg.ChatID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		AttachmentURL:  msg.AttachmentURL,
		AttachmentName: msg.AttachmentName,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	sender := m.Sender
	if sender == "ai" {
		sender = domain.SenderAssistant
	}
	return domain.Message{
		ID:             m.ID,
		ChatID:         m.ChatID,
		Sender:         sender,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		AttachmentName: m.AttachmentName,
		CreatedAt:      m.CreatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	meta, _ := json.Marshal(d.Metadata)
	return DocumentModel{
		ID:          d.ID,
		UserID:      d.UserID,
		Name:        d.Name,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		StorageKey:  d.StorageKey,
		URL:         d.URL,
		SizeBytes:   d.SizeBytes,
		Metadata:    meta,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Document{
		ID:          m.ID,
		UserID:      m.UserID,
		Name:        m.Name,
		Filename:    m.Filename,
		ContentType: m.ContentType,
		StorageKey:  m.StorageKey,
		URL:         m.URL,
		SizeBytes:   m.SizeBytes,
		Metadata:    meta,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
