// Package app implements the core application flows: accounts, threaded
// conversations with the model, document uploads, and report generation.
package app

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aidoctor/internal/extract"
	"aidoctor/internal/prompt"
	"aidoctor/internal/util"
	"aidoctor/pkg/ai"
	"aidoctor/pkg/auth"
	"aidoctor/pkg/domain"
	"aidoctor/pkg/storage"
	"aidoctor/pkg/store"
)

const (
	defaultChatTitle       = "New Conversation"
	defaultDocumentCaption = "Uploaded a medical document"

	defaultGenerationModel = "gpt-4o"
	defaultReplyMaxTokens  = 800
	defaultReportMaxTokens = 2000

	minPasswordLength = 6
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Config wires the application's collaborators. Extract may be left nil
// to use the real PDF parser; tests inject their own.
type Config struct {
	Store           store.Store
	Completions     ai.CompletionService
	Blobs           storage.BlobStore
	Extract         func(data []byte) (extract.Result, error)
	GenerationModel string
	ReplyMaxTokens  int
	ReportMaxTokens int
}

// App is the core application service.
type App struct {
	store           store.Store
	blobs           storage.BlobStore
	extract         func(data []byte) (extract.Result, error)
	gateway         modelGateway
	replyMaxTokens  int
	reportMaxTokens int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Completions == nil {
		return nil, fmt.Errorf("completion service required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	extractFn := cfg.Extract
	if extractFn == nil {
		extractFn = extract.PDF
	}
	model := cfg.GenerationModel
	if model == "" {
		model = defaultGenerationModel
	}
	replyMax := cfg.ReplyMaxTokens
	if replyMax <= 0 {
		replyMax = defaultReplyMaxTokens
	}
	reportMax := cfg.ReportMaxTokens
	if reportMax <= 0 {
		reportMax = defaultReportMaxTokens
	}
	return &App{
		store:           cfg.Store,
		blobs:           cfg.Blobs,
		extract:         extractFn,
		gateway:         modelGateway{completions: cfg.Completions, model: model},
		replyMaxTokens:  replyMax,
		reportMaxTokens: reportMax,
	}, nil
}

// RegisterInput is the payload for account creation.
type RegisterInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Address   string `json:"address"`
}

// Register creates an account. Emails are stored lowercased so lookup
// and the duplicate check are case-insensitive.
func (a *App) Register(in RegisterInput) (domain.User, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Address = strings.TrimSpace(in.Address)

	if in.FirstName == "" || in.LastName == "" {
		return domain.User{}, validationf("first and last name required")
	}
	if !emailPattern.MatchString(in.Email) {
		return domain.User{}, validationf("invalid email address")
	}
	if len(in.Password) < minPasswordLength {
		return domain.User{}, validationf("password must be at least %d characters", minPasswordLength)
	}

	taken, err := a.store.HasUserEmail(in.Email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return domain.User{}, ErrEmailTaken
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Email:        in.Email,
		PasswordHash: hash,
		Address:      in.Address,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(user); err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies credentials and returns the account. A missing
// account and a wrong password are indistinguishable to the caller.
func (a *App) Authenticate(email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser returns the account for an authenticated user ID.
func (a *App) GetUser(id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// ProfileUpdate carries optional profile fields; nil means unchanged.
type ProfileUpdate struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Email     *string `json:"email"`
	Password  *string `json:"password"`
	Address   *string `json:"address"`
}

// UpdateProfile applies a partial profile update. A changed email is
// re-checked for uniqueness; a changed password is re-hashed.
func (a *App) UpdateProfile(userID string, upd ProfileUpdate) (domain.User, error) {
	user, err := a.GetUser(userID)
	if err != nil {
		return domain.User{}, err
	}
	if upd.FirstName != nil {
		if strings.TrimSpace(*upd.FirstName) == "" {
			return domain.User{}, validationf("first name cannot be empty")
		}
		user.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		if strings.TrimSpace(*upd.LastName) == "" {
			return domain.User{}, validationf("last name cannot be empty")
		}
		user.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if !emailPattern.MatchString(email) {
			return domain.User{}, validationf("invalid email address")
		}
		if email != user.Email {
			taken, err := a.store.HasUserEmail(email)
			if err != nil {
				return domain.User{}, fmt.Errorf("check email: %w", err)
			}
			if taken {
				return domain.User{}, ErrEmailTaken
			}
			user.Email = email
		}
	}
	if upd.Password != nil {
		if len(*upd.Password) < minPasswordLength {
			return domain.User{}, validationf("password must be at least %d characters", minPasswordLength)
		}
		hash, err := auth.HashPassword(*upd.Password)
		if err != nil {
			return domain.User{}, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = hash
	}
	if upd.Address != nil {
		user.Address = strings.TrimSpace(*upd.Address)
	}
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateUser(user); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// CreateChat starts a new conversation. A blank title gets the default.
func (a *App) CreateChat(userID, title string) (domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultChatTitle
	}
	now := time.Now().UTC()
	chat := domain.Chat{
		ID:        util.NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateChat(chat); err != nil {
		return domain.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// ListChats returns the user's conversations, most recently updated first.
func (a *App) ListChats(userID string) ([]domain.Chat, error) {
	chats, err := a.store.ListChatsByOwner(userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// GetChat returns one conversation with its full message history.
func (a *App) GetChat(chatID, userID string) (domain.Chat, error) {
	chat, ok, err := a.store.GetChat(chatID, userID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrNotFound
	}
	return chat, nil
}

// SendMessage runs one conversation turn: assemble the prompt from the
// stored history plus the pending user message, call the model, and only
// then persist both turns in a single atomic append. A model failure
// leaves the chat untouched.
func (a *App) SendMessage(ctx context.Context, userID, chatID, content string) (domain.Chat, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Chat{}, validationf("message content required")
	}
	chat, err := a.GetChat(chatID, userID)
	if err != nil {
		return domain.Chat{}, err
	}

	userMsg := domain.Message{
		ID:        util.NewID(),
		ChatID:    chat.ID,
		Sender:    domain.SenderUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	turns := prompt.BuildTurns(prompt.ChatPersona, append(chat.Messages, userMsg), nil)
	reply, err := a.gateway.reply(ctx, turns, a.replyMaxTokens, chatFallbackReply)
	if err != nil {
		return domain.Chat{}, err
	}
	return a.appendTurns(chat.ID, userID, userMsg, reply)
}

// UploadInput is an incoming chat attachment.
type UploadInput struct {
	Filename    string
	Caption     string
	ContentType string
	Data        []byte
}

// UploadChatMessage stores an attached document, extracts its text, and
// runs one conversation turn about it. The stored filename is generated;
// the user-visible attachment name stays the original filename.
// Extraction failure degrades the prompt instead of failing the upload.
func (a *App) UploadChatMessage(ctx context.Context, userID, chatID string, in UploadInput) (domain.Chat, error) {
	if len(in.Data) == 0 {
		return domain.Chat{}, validationf("file required")
	}
	chat, err := a.GetChat(chatID, userID)
	if err != nil {
		return domain.Chat{}, err
	}
	caption := strings.TrimSpace(in.Caption)
	if caption == "" {
		caption = defaultDocumentCaption
	}

	// Storing the bytes and extracting text are independent; run both
	// at once.
	storedName := uuid.NewString() + ".pdf"
	var saved storage.SavedObject
	var doc prompt.DocumentText
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		saved, err = a.blobs.Save(gctx, storedName, bytes.NewReader(in.Data), int64(len(in.Data)), in.ContentType)
		if err != nil {
			return fmt.Errorf("store upload: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		res, exErr := a.extract(in.Data)
		doc = prompt.FromExtraction(in.Filename, caption, res, exErr)
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Chat{}, err
	}

	userMsg := domain.Message{
		ID:             util.NewID(),
		ChatID:         chat.ID,
		Sender:         domain.SenderUser,
		Content:        caption,
		AttachmentURL:  saved.URL,
		AttachmentName: in.Filename,
		CreatedAt:      time.Now().UTC(),
	}
	turns := prompt.BuildTurns(prompt.DocumentPersona, append(chat.Messages, userMsg), &doc)
	reply, err := a.gateway.reply(ctx, turns, a.replyMaxTokens, uploadFallbackReply)
	if err != nil {
		return domain.Chat{}, err
	}
	return a.appendTurns(chat.ID, userID, userMsg, reply)
}

func (a *App) appendTurns(chatID, userID string, userMsg domain.Message, reply string) (domain.Chat, error) {
	assistantMsg := domain.Message{
		ID:        util.NewID(),
		ChatID:    chatID,
		Sender:    domain.SenderAssistant,
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	}
	if !assistantMsg.CreatedAt.After(userMsg.CreatedAt) {
		assistantMsg.CreatedAt = userMsg.CreatedAt.Add(time.Millisecond)
	}
	chat, ok, err := a.store.AppendMessages(chatID, userID, userMsg, assistantMsg)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("append messages: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrNotFound
	}
	return chat, nil
}

// DocumentInput is an incoming standalone document upload.
type DocumentInput struct {
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

// CreateDocument stores a PDF in the user's personal document store.
// Metadata from the file's Info dictionary is kept when extraction
// succeeds; an unparseable file is still stored.
func (a *App) CreateDocument(ctx context.Context, userID string, in DocumentInput) (domain.Document, error) {
	if len(in.Data) == 0 {
		return domain.Document{}, validationf("file required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Filename
	}
	if name == "" {
		return domain.Document{}, validationf("document name required")
	}

	storedName := uuid.NewString() + ".pdf"
	var saved storage.SavedObject
	metadata := map[string]string{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		saved, err = a.blobs.Save(gctx, storedName, bytes.NewReader(in.Data), int64(len(in.Data)), in.ContentType)
		if err != nil {
			return fmt.Errorf("store document: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := a.extract(in.Data)
		if err != nil {
			return nil
		}
		if res.Title != "" {
			metadata["title"] = res.Title
		}
		if res.Author != "" {
			metadata["author"] = res.Author
		}
		if res.Pages > 0 {
			metadata["pages"] = fmt.Sprintf("%d", res.Pages)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Document{}, err
	}

	now := time.Now().UTC()
	doc := domain.Document{
		ID:          util.NewID(),
		UserID:      userID,
		Name:        name,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		StorageKey:  saved.Key,
		URL:         saved.URL,
		SizeBytes:   int64(len(in.Data)),
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateDocument(doc); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns the user's stored documents.
func (a *App) ListDocuments(userID string) ([]domain.Document, error) {
	docs, err := a.store.ListDocumentsByOwner(userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns one stored document.
func (a *App) GetDocument(id, userID string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(id, userID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("get document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return doc, nil
}

// DeleteDocument removes the stored bytes first, then the record. If the
// bytes cannot be removed the record stays so the document remains
// listed and the delete can be retried.
func (a *App) DeleteDocument(ctx context.Context, id, userID string) error {
	doc, err := a.GetDocument(id, userID)
	if err != nil {
		return err
	}
	if err := a.blobs.Delete(ctx, doc.StorageKey); err != nil {
		return fmt.Errorf("delete stored bytes: %w", err)
	}
	deleted, err := a.store.DeleteDocument(id, userID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}
