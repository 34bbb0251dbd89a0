package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chatsrv/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleCopied records that a message's content was copied to the clipboard and responds with the
// action bar showing the copied confirmation. A per-message timer reverts the indicator after the
// configured delay by publishing the refreshed action bar over SSE; repeated clicks within the
// window restart the timer, so there is always exactly one final revert.
//
// The clipboard write itself happens in the browser; this endpoint only owns the transient
// indicator state.
func (m *Main) HandleCopied(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	messageID := r.FormValue("message_id")
	if messageID == "" {
		http.Error(w, "Message ID is required", http.StatusBadRequest)
		return
	}

	m.scheduleCopiedRevert(chatID, messageID)

	bar, err := m.actionBarView(r.Context(), chatID, messageID)
	if err != nil {
		m.logger.Error("Failed to build action bar view",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "action_bar", bar); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// scheduleCopiedRevert starts, or restarts, the revert timer for a message's copied indicator.
func (m *Main) scheduleCopiedRevert(chatID, messageID string) {
	m.copiedMu.Lock()
	defer m.copiedMu.Unlock()

	if t, ok := m.copiedTimers[messageID]; ok {
		t.Reset(m.copiedTTL)
		return
	}

	m.copiedTimers[messageID] = time.AfterFunc(m.copiedTTL, func() {
		m.copiedMu.Lock()
		delete(m.copiedTimers, messageID)
		m.copiedMu.Unlock()

		m.publishActionBar(chatID, messageID)
	})
}

// copiedActive reports whether a message's copied indicator is currently showing, which is the
// case exactly while its revert timer is pending.
func (m *Main) copiedActive(messageID string) bool {
	m.copiedMu.Lock()
	defer m.copiedMu.Unlock()

	_, ok := m.copiedTimers[messageID]
	return ok
}

// publishActionBar publishes the current action bar state of a message to its SSE topic.
func (m *Main) publishActionBar(chatID, messageID string) {
	bar, err := m.actionBarView(context.Background(), chatID, messageID)
	if err != nil {
		m.logger.Error("Failed to build action bar view",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "action_bar", bar); err != nil {
		m.logger.Error("Failed to execute action_bar template",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: actionsSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, messageIDTopic(messageID)); err != nil {
		m.logger.Error("Failed to publish action bar",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleRate records a rating for a message. The rating form value must be "up", "down", or empty
// to clear a previous rating; writing one value replaces the other, so the two rate controls stay
// mutually exclusive through the store rather than through any view-side toggling. Responds with
// the refreshed action bar.
func (m *Main) HandleRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	messageID := r.FormValue("message_id")
	if messageID == "" {
		http.Error(w, "Message ID is required", http.StatusBadRequest)
		return
	}

	rating := models.Rating(r.FormValue("rating"))
	if !rating.Valid() {
		http.Error(w, "Rating must be up or down", http.StatusBadRequest)
		return
	}

	if err := m.store.SetRating(r.Context(), messageID, rating); err != nil {
		m.logger.Error("Failed to set rating",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	bar, err := m.actionBarView(r.Context(), chatID, messageID)
	if err != nil {
		m.logger.Error("Failed to build action bar view",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "action_bar", bar); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleRegenerate re-runs the LLM for an assistant message using the conversation history up to
// that message. The message keeps its identity and original timestamp; content, sources, and
// metrics are reset and rebuilt by the new stream. An overlapping regenerate request for the same
// message is refused with 409 Conflict while one is outstanding.
func (m *Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	messageID := r.FormValue("message_id")
	if chatID == "" || messageID == "" {
		http.Error(w, "Chat ID and message ID are required", http.StatusBadRequest)
		return
	}

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	idx := slices.IndexFunc(messages, func(msg models.Message) bool { return msg.ID == messageID })
	if idx == -1 {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	target := messages[idx]
	if target.Role != models.RoleAssistant {
		http.Error(w, "Only assistant messages can be regenerated", http.StatusBadRequest)
		return
	}

	if !m.acquireInFlight(messageID) {
		http.Error(w, "Regeneration already in progress", http.StatusConflict)
		return
	}

	// The original timestamp is preserved so the regenerated turn keeps its place in the
	// conversation.
	target.Content = ""
	target.Sources = nil
	target.Metrics = models.Metrics{}
	if err := m.store.UpdateMessage(r.Context(), chatID, target); err != nil {
		m.releaseInFlight(messageID)
		m.logger.Error("Failed to update message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go m.chat(chatID, append(messages[:idx:idx], target))

	v, err := m.viewMessage(r.Context(), chatID, target, streamingStateLoading)
	if err != nil {
		m.logger.Error("Failed to build message view",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "ai_message", v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSources renders the citations panel of a message. Without an index query parameter it
// renders the grid of preview cards; with one it renders the detail view of that citation. The
// selection only ever lives in the rendered markup, so a page reload always starts back at the
// grid.
func (m *Main) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	messageID := r.URL.Query().Get("message_id")
	if chatID == "" || messageID == "" {
		http.Error(w, "Chat ID and message ID are required", http.StatusBadRequest)
		return
	}

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	idx := slices.IndexFunc(messages, func(msg models.Message) bool { return msg.ID == messageID })
	if idx == -1 {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	msg := messages[idx]

	indexStr := r.URL.Query().Get("index")
	if indexStr == "" {
		if err := m.templates.ExecuteTemplate(w, "sources_grid", sourcesView(chatID, msg)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	srcIdx, err := strconv.Atoi(indexStr)
	if err != nil || srcIdx < 0 || srcIdx >= len(msg.Sources) {
		http.Error(w, "Invalid source index", http.StatusBadRequest)
		return
	}

	detail := sourceDetail{
		MessageID:   messageID,
		ChatID:      chatID,
		Index:       srcIdx,
		PageContent: msg.Sources[srcIdx].PageContent,
		URL:         msg.Sources[srcIdx].URL(),
	}
	if err := m.templates.ExecuteTemplate(w, "source_detail", detail); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
