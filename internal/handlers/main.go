package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chatwebui "github.com/chatsrv/chat-web-ui"
	"github.com/chatsrv/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a
// context and a sequence of messages, returning an iterator that yields response chunks and
// potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error]
}

// TitleGenerator generates a chat title from the first user message of a conversation.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats and their associated messages, plus reading and writing
// per-message ratings. Ratings are owned by the store; the view layer only ever derives the
// active state of the rate controls from the stored value.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error

	Rating(ctx context.Context, messageID string) (models.Rating, error)
	SetRating(ctx context.Context, messageID string, rating models.Rating) error
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the LLM and Store components. It also owns the
// transient per-message UI state that never reaches the store: the copied-indicator timers
// and the set of message IDs with a regeneration in flight.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm            LLM
	titleGenerator TitleGenerator
	store          Store

	modelName string

	copiedTTL    time.Duration
	copiedMu     sync.Mutex
	copiedTimers map[string]*time.Timer

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"

	// copiedIndicatorTTL is how long the copy confirmation stays visible before reverting.
	copiedIndicatorTTL = 5 * time.Second
)

// NewMain creates a new Main instance with the provided LLM, TitleGenerator, and Store
// implementations. It initializes the SSE server with default configurations and parses the
// required HTML templates from the embedded filesystem. The SSE server is configured to handle
// both default events and chat-specific topics.
func NewMain(llm LLM, titleGen TitleGenerator, store Store, modelName string, logger *slog.Logger) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:      tmpl,
		llm:            llm,
		titleGenerator: titleGen,
		store:          store,
		modelName:      modelName,
		copiedTTL:      copiedIndicatorTTL,
		copiedTimers:   make(map[string]*time.Timer),
		inFlight:       make(map[string]struct{}),
		logger:         logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the server-sent events subscription endpoints.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleModel reports the configured model name.
func (m *Main) HandleModel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"model":%q}`, m.modelName)
}

// acquireInFlight marks a regeneration as running for the given message ID. It reports false when
// one is already outstanding, so overlapping regenerate requests for the same message are refused
// instead of racing each other.
func (m *Main) acquireInFlight(messageID string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()

	if _, ok := m.inFlight[messageID]; ok {
		return false
	}
	m.inFlight[messageID] = struct{}{}
	return true
}

func (m *Main) releaseInFlight(messageID string) {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()

	delete(m.inFlight, messageID)
}

func (m *Main) isInFlight(messageID string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()

	_, ok := m.inFlight[messageID]
	return ok
}

// Shutdown gracefully terminates the Main instance's SSE server. It stops any pending
// copied-indicator timers, broadcasts a close message to all connected clients, and waits up to
// 5 seconds for connections to terminate. After the timeout, any remaining connections are
// forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.copiedMu.Lock()
	for id, t := range m.copiedTimers {
		t.Stop()
		delete(m.copiedTimers, id)
	}
	m.copiedMu.Unlock()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
