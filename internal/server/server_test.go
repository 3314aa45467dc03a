package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"aidoctor/internal/app"
	"aidoctor/internal/extract"
	"aidoctor/internal/ratelimit"
	"aidoctor/pkg/ai"
	"aidoctor/pkg/domain"
	"aidoctor/pkg/storage"
	"aidoctor/pkg/store"
)

type stubCompletion struct {
	reply string
	err   error
}

func (s *stubCompletion) Complete(context.Context, []ai.Turn, string, int) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type memBlobs struct {
	objects map[string][]byte
}

func (m *memBlobs) Save(_ context.Context, name string, r io.Reader, _ int64, _ string) (storage.SavedObject, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.SavedObject{}, err
	}
	m.objects[name] = data
	return storage.SavedObject{Key: name, URL: "/uploads/" + name}, nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

type testServer struct {
	ts    *httptest.Server
	model *stubCompletion
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	model := &stubCompletion{reply: "model reply"}
	a, err := app.New(app.Config{
		Store:       store.NewMemoryStore(),
		Completions: model,
		Blobs:       &memBlobs{objects: map[string][]byte{}},
		Extract: func([]byte) (extract.Result, error) {
			return extract.Result{Text: "extracted text", Pages: 1}, nil
		},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	sessions, err := store.NewJWTSessionStore("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	cfg := Config{App: a, Sessions: sessions}
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(New(cfg).Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, model: model}
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func (s *testServer) register(t *testing.T, email string) (token string) {
	t.Helper()
	resp, body := s.request(t, http.MethodPost, "/api/users", "", map[string]string{
		"firstName": "Ada", "lastName": "Lovelace", "email": email, "password": "secret1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		t.Fatalf("register response missing token: %s", body)
	}
	return out.Token
}

func (s *testServer) createChat(t *testing.T, token string) domain.Chat {
	t.Helper()
	resp, body := s.request(t, http.MethodPost, "/api/chats", token, map[string]string{"title": "Checkup"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat: status %d: %s", resp.StatusCode, body)
	}
	var chat domain.Chat
	if err := json.Unmarshal(body, &chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	return chat
}

func multipartPDF(t *testing.T, field, filename string, data []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (s *testServer) upload(t *testing.T, path, token, filename string, data []byte, fields map[string]string) (*http.Response, []byte) {
	t.Helper()
	body, contentType := multipartPDF(t, "file", filename, data, fields)
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	out, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	resp, body := s.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz: status %d body %s", resp.StatusCode, body)
	}
}

func TestRegisterConflictAndLogin(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "ada@example.com")

	resp, _ := s.request(t, http.MethodPost, "/api/users", "", map[string]string{
		"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com", "password": "secret1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate email: status %d, want 409", resp.StatusCode)
	}

	resp, _ = s.request(t, http.MethodPost, "/api/users/session", "", map[string]string{
		"email": "ada@example.com", "password": "secret1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d, want 200", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodPost, "/api/users/session", "", map[string]string{
		"email": "ada@example.com", "password": "wrong-pass",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d, want 401", resp.StatusCode)
	}
}

func TestEndpointsRequireSession(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/api/chats", "/api/documents", "/api/users/profile"} {
		resp, _ := s.request(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token: status %d, want 401", path, resp.StatusCode)
		}
		resp, _ = s.request(t, http.MethodGet, path, "garbage-token", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s with bad token: status %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestChatOwnershipIsolation(t *testing.T) {
	s := newTestServer(t, nil)
	tokenA := s.register(t, "a@example.com")
	tokenB := s.register(t, "b@example.com")
	chat := s.createChat(t, tokenA)

	resp, _ := s.request(t, http.MethodGet, "/api/chats/"+chat.ID, tokenB, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign chat read: status %d, want 404", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", tokenB, map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign chat write: status %d, want 404", resp.StatusCode)
	}

	resp, body := s.request(t, http.MethodGet, "/api/chats", tokenB, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list chats: status %d", resp.StatusCode)
	}
	var chats []domain.Chat
	if err := json.Unmarshal(body, &chats); err != nil {
		t.Fatalf("decode chats: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("user B must not see user A's chats, got %d", len(chats))
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.register(t, "ada@example.com")
	chat := s.createChat(t, token)

	resp, body := s.request(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", token, map[string]string{
		"content": "I have a headache.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send message: status %d: %s", resp.StatusCode, body)
	}
	var got domain.Chat
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Sender != domain.SenderUser || got.Messages[1].Sender != domain.SenderAssistant {
		t.Fatalf("messages out of order: %+v", got.Messages)
	}
}

func TestSendMessageModelDownIs502(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.register(t, "ada@example.com")
	chat := s.createChat(t, token)
	s.model.err = fmt.Errorf("%w: connection refused", ai.ErrModelUnavailable)

	resp, _ := s.request(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", token, map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("model down: status %d, want 502", resp.StatusCode)
	}

	s.model.err = nil
	resp, body := s.request(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list messages: status %d", resp.StatusCode)
	}
	var msgs []domain.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("failed turn must leave no messages, got %d", len(msgs))
	}
}

func TestChatUpload(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.register(t, "ada@example.com")
	chat := s.createChat(t, token)

	resp, body := s.upload(t, "/api/chats/"+chat.ID+"/upload", token, "labs.pdf", []byte("%PDF-1.4 fake"), map[string]string{
		"caption": "My latest labs",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d: %s", resp.StatusCode, body)
	}
	var got domain.Chat
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if got.Messages[0].AttachmentName != "labs.pdf" || got.Messages[0].Content != "My latest labs" {
		t.Fatalf("attachment message wrong: %+v", got.Messages[0])
	}
}

func TestChatUploadRejectsNonPDF(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.register(t, "ada@example.com")
	chat := s.createChat(t, token)

	resp, _ := s.upload(t, "/api/chats/"+chat.ID+"/upload", token, "notes.txt", []byte("plain text"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-pdf upload: status %d, want 400", resp.StatusCode)
	}
}

func TestChatUploadRejectsOversizedFile(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxUploadBytes = 1024 })
	token := s.register(t, "ada@example.com")
	chat := s.createChat(t, token)

	resp, _ := s.upload(t, "/api/chats/"+chat.ID+"/upload", token, "big.pdf", bytes.Repeat([]byte("x"), 4096), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload: status %d, want 413", resp.StatusCode)
	}
}

func TestReportEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.register(t, "ada@example.com")
	chat := s.createChat(t, token)

	resp, _ := s.request(t, http.MethodPost, "/api/chats/"+chat.ID+"/report", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty chat report: status %d, want 400", resp.StatusCode)
	}

	if resp, body := s.request(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", token, map[string]string{"content": "hi"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed message: status %d: %s", resp.StatusCode, body)
	}
	s.model.reply = "<h1>Report</h1>"
	resp, body := s.request(t, http.MethodPost, "/api/chats/"+chat.ID+"/report", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		ReportContent string `json:"reportContent"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ReportContent != "<h1>Report</h1>" {
		t.Fatalf("report response: %s", body)
	}
}

func TestDocumentEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.register(t, "ada@example.com")
	other := s.register(t, "b@example.com")

	resp, body := s.upload(t, "/api/documents", token, "labs.pdf", []byte("%PDF"), map[string]string{"name": "My labs"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create document: status %d: %s", resp.StatusCode, body)
	}
	var doc domain.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Name != "My labs" {
		t.Fatalf("document name: %q", doc.Name)
	}

	resp, _ = s.request(t, http.MethodGet, "/api/documents/"+doc.ID, other, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign document read: status %d, want 404", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodDelete, "/api/documents/"+doc.ID, other, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign document delete: status %d, want 404", resp.StatusCode)
	}

	resp, _ = s.request(t, http.MethodDelete, "/api/documents/"+doc.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete document: status %d, want 204", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodGet, "/api/documents/"+doc.ID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted document read: status %d, want 404", resp.StatusCode)
	}
}

func TestSignupRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test:signup", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	s := newTestServer(t, func(cfg *Config) { cfg.SignupLimiter = limiter })

	for i := 0; i < 2; i++ {
		resp, _ := s.request(t, http.MethodPost, "/api/users", "", map[string]string{
			"firstName": "A", "lastName": "B",
			"email":    fmt.Sprintf("user%d@example.com", i),
			"password": "secret1",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("signup %d: status %d", i, resp.StatusCode)
		}
	}
	resp, _ := s.request(t, http.MethodPost, "/api/users", "", map[string]string{
		"firstName": "A", "lastName": "B", "email": "user3@example.com", "password": "secret1",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("limited signup: status %d, want 429", resp.StatusCode)
	}
}
