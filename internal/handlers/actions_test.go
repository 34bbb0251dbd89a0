package handlers

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatsrv/chat-web-ui/internal/models"
)

type stubLLM struct {
	responses []string
	sources   []models.Source
}

type stubStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	ratings  map[string]models.Rating
}

func newTestMain(t *testing.T, llm *stubLLM, store *stubStore) *Main {
	t.Helper()

	m, err := NewMain(llm, llm, store, "test-model", nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func postForm(handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestHandleCopiedShowsAndRevertsIndicator(t *testing.T) {
	store := newStubStore()
	store.addAssistantMessage("c1", "a1", "content")
	m := newTestMain(t, &stubLLM{}, store)
	m.copiedTTL = 50 * time.Millisecond

	form := url.Values{"chat_id": {"c1"}, "message_id": {"a1"}}
	w := postForm(m.HandleCopied, "/messages/copied", form)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleCopied() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "copied") {
		t.Errorf("HandleCopied() body = %v, want copied indicator", w.Body.String())
	}
	if !m.copiedActive("a1") {
		t.Error("copied indicator should be active right after the request")
	}

	if !waitFor(t, time.Second, func() bool { return !m.copiedActive("a1") }) {
		t.Error("copied indicator should revert after the TTL")
	}
}

func TestHandleCopiedRestartsTimer(t *testing.T) {
	store := newStubStore()
	store.addAssistantMessage("c1", "a1", "content")
	m := newTestMain(t, &stubLLM{}, store)
	m.copiedTTL = 100 * time.Millisecond

	form := url.Values{"chat_id": {"c1"}, "message_id": {"a1"}}
	postForm(m.HandleCopied, "/messages/copied", form)

	time.Sleep(60 * time.Millisecond)
	postForm(m.HandleCopied, "/messages/copied", form)

	// Past the first click's TTL, within the restarted one.
	time.Sleep(70 * time.Millisecond)
	if !m.copiedActive("a1") {
		t.Error("second click should restart the revert timer")
	}

	if !waitFor(t, time.Second, func() bool { return !m.copiedActive("a1") }) {
		t.Error("copied indicator should still revert exactly once after the restarted TTL")
	}
}

func TestHandleCopiedMissingMessageID(t *testing.T) {
	m := newTestMain(t, &stubLLM{}, newStubStore())

	w := postForm(m.HandleCopied, "/messages/copied", url.Values{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("HandleCopied() status = %v, want %v", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRate(t *testing.T) {
	store := newStubStore()
	store.addAssistantMessage("c1", "a1", "content")
	m := newTestMain(t, &stubLLM{}, store)

	tests := []struct {
		name       string
		rating     string
		wantStatus int
		wantStored models.Rating
		wantBody   string
	}{
		{
			name:       "Rate up",
			rating:     "up",
			wantStatus: http.StatusOK,
			wantStored: models.RatingUp,
			wantBody:   "rate-up active",
		},
		{
			name:       "Rate down replaces up",
			rating:     "down",
			wantStatus: http.StatusOK,
			wantStored: models.RatingDown,
			wantBody:   "rate-down active",
		},
		{
			name:       "Clear rating",
			rating:     "",
			wantStatus: http.StatusOK,
			wantStored: models.RatingNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{
				"chat_id":    {"c1"},
				"message_id": {"a1"},
				"rating":     {tt.rating},
			}
			w := postForm(m.HandleRate, "/messages/rate", form)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleRate() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if got := store.rating("a1"); got != tt.wantStored {
				t.Errorf("stored rating = %q, want %q", got, tt.wantStored)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleRate() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	t.Run("Invalid rating", func(t *testing.T) {
		form := url.Values{
			"chat_id":    {"c1"},
			"message_id": {"a1"},
			"rating":     {"sideways"},
		}
		w := postForm(m.HandleRate, "/messages/rate", form)
		if w.Code != http.StatusBadRequest {
			t.Errorf("HandleRate() status = %v, want %v", w.Code, http.StatusBadRequest)
		}
	})
}

func TestHandleRegenerate(t *testing.T) {
	store := newStubStore()
	store.addUserMessage("c1", "u1", "Question")
	store.addAssistantMessage("c1", "a1", "old answer")
	llm := &stubLLM{
		responses: []string{"new answer"},
		sources:   []models.Source{{PageContent: "Doc excerpt"}},
	}
	m := newTestMain(t, llm, store)

	form := url.Values{"chat_id": {"c1"}, "message_id": {"a1"}}
	w := postForm(m.HandleRegenerate, "/messages/regenerate", form)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleRegenerate() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "Thinking") {
		t.Errorf("HandleRegenerate() body = %v, want pending presentation", w.Body.String())
	}

	ok := waitFor(t, time.Second, func() bool {
		msg := store.message("c1", "a1")
		return msg.Content == "new answer" && msg.Metrics.TotalTime > 0 && len(msg.Sources) == 1
	})
	if !ok {
		t.Errorf("regenerated message = %+v, want new content with metrics and sources", store.message("c1", "a1"))
	}

	if !waitFor(t, time.Second, func() bool { return !m.isInFlight("a1") }) {
		t.Error("in-flight mark should clear after regeneration completes")
	}
}

func TestHandleRegenerateConflict(t *testing.T) {
	store := newStubStore()
	store.addUserMessage("c1", "u1", "Question")
	store.addAssistantMessage("c1", "a1", "old answer")
	m := newTestMain(t, &stubLLM{}, store)

	if !m.acquireInFlight("a1") {
		t.Fatal("acquireInFlight() should succeed when nothing is outstanding")
	}

	form := url.Values{"chat_id": {"c1"}, "message_id": {"a1"}}
	w := postForm(m.HandleRegenerate, "/messages/regenerate", form)

	if w.Code != http.StatusConflict {
		t.Errorf("HandleRegenerate() status = %v, want %v", w.Code, http.StatusConflict)
	}
}

func TestHandleRegenerateRejectsUserMessage(t *testing.T) {
	store := newStubStore()
	store.addUserMessage("c1", "u1", "Question")
	m := newTestMain(t, &stubLLM{}, store)

	form := url.Values{"chat_id": {"c1"}, "message_id": {"u1"}}
	w := postForm(m.HandleRegenerate, "/messages/regenerate", form)

	if w.Code != http.StatusBadRequest {
		t.Errorf("HandleRegenerate() status = %v, want %v", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSources(t *testing.T) {
	store := newStubStore()
	store.addUserMessage("c1", "u1", "Question")
	store.addAssistantMessageWithSources("c1", "a1", "answer", []models.Source{
		{PageContent: "Doc A excerpt"},
		{PageContent: "Doc B excerpt", Metadata: map[string]string{"url": "https://example.com/b"}},
	})
	m := newTestMain(t, &stubLLM{}, store)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Grid mode",
			url:        "/messages/sources?chat_id=c1&message_id=a1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Source 1", "Source 2", "Doc A excerpt", "Doc B excerpt"},
		},
		{
			name:       "Detail mode",
			url:        "/messages/sources?chat_id=c1&message_id=a1&index=1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Doc B excerpt", "https://example.com/b", "All sources"},
		},
		{
			name:       "Detail mode without URL",
			url:        "/messages/sources?chat_id=c1&message_id=a1&index=0",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Doc A excerpt"},
		},
		{
			name:       "Index out of range",
			url:        "/messages/sources?chat_id=c1&message_id=a1&index=5",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Index not a number",
			url:        "/messages/sources?chat_id=c1&message_id=a1&index=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown message",
			url:        "/messages/sources?chat_id=c1&message_id=zzz",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			m.HandleSources(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleSources() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleSources() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestSourcePreviewTruncates(t *testing.T) {
	long := strings.Repeat("lorem ipsum ", 40)
	preview := sourcePreview(long)
	if len([]rune(preview)) > sourcePreviewLimit+1 {
		t.Errorf("sourcePreview() length = %d, want at most %d", len([]rune(preview)), sourcePreviewLimit+1)
	}
	if !strings.HasSuffix(preview, "…") {
		t.Errorf("sourcePreview() = %q, want ellipsis suffix", preview)
	}

	short := "short excerpt"
	if got := sourcePreview(short); got != short {
		t.Errorf("sourcePreview() = %q, want %q unchanged", got, short)
	}
}

func TestHandleModel(t *testing.T) {
	m := newTestMain(t, &stubLLM{}, newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/model", nil)
	w := httptest.NewRecorder()
	m.HandleModel(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleModel() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"model":"test-model"`) {
		t.Errorf("HandleModel() body = %v, want model name", w.Body.String())
	}
}

func newStubStore() *stubStore {
	return &stubStore{
		messages: map[string][]models.Message{},
		ratings:  map[string]models.Rating{},
	}
}

func (s *stubStore) addUserMessage(chatID, id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append(s.messages[chatID], models.Message{
		ID:        id,
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (s *stubStore) addAssistantMessage(chatID, id, content string) {
	s.addAssistantMessageWithSources(chatID, id, content, nil)
}

func (s *stubStore) addAssistantMessageWithSources(chatID, id, content string, sources []models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append(s.messages[chatID], models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Content:   content,
		Sources:   sources,
		Timestamp: time.Now(),
	})
}

func (s *stubStore) message(chatID, id string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.messages[chatID], func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return models.Message{}
	}
	return s.messages[chatID][idx]
}

func (s *stubStore) rating(messageID string) models.Rating {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratings[messageID]
}

func (l *stubLLM) Chat(_ context.Context, _ []models.Message) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		for _, resp := range l.responses {
			if !yield(models.Chunk{
				Type: models.ChunkTypeText,
				Text: resp,
			}, nil) {
				return
			}
		}
		if len(l.sources) > 0 {
			yield(models.Chunk{
				Type:    models.ChunkTypeSources,
				Sources: l.sources,
			}, nil)
		}
	}
}

func (l *stubLLM) GenerateTitle(_ context.Context, _ string) (string, error) {
	return "Stub Title", nil
}

func (s *stubStore) Chats(_ context.Context) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats, nil
}

func (s *stubStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, chat)
	return chat.ID, nil
}

func (s *stubStore) UpdateChat(_ context.Context, chat models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx != -1 {
		s.chats[idx] = chat
	}
	return nil
}

func (s *stubStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[chatID]), nil
}

func (s *stubStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append(s.messages[chatID], msg)
	return msg.ID, nil
}

func (s *stubStore) UpdateMessage(_ context.Context, chatID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.messages[chatID], func(m models.Message) bool { return m.ID == msg.ID })
	if idx != -1 {
		s.messages[chatID][idx] = msg
	}
	return nil
}

func (s *stubStore) Rating(_ context.Context, messageID string) (models.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratings[messageID], nil
}

func (s *stubStore) SetRating(_ context.Context, messageID string, rating models.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rating == models.RatingNone {
		delete(s.ratings, messageID)
		return nil
	}
	s.ratings[messageID] = rating
	return nil
}
