package handlers

import (
	"log/slog"
	"net/http"

	"github.com/chatsrv/chat-web-ui/internal/models"
)

type homePageData struct {
	CurrentChatID string
	ModelName     string

	Chats    []chat
	Messages []message
}

// HandleHome renders the home page with the chat sidebar and, when a chat_id query parameter is
// present, the messages of that chat. An assistant message that has no content yet is still being
// streamed, so it renders in its pending presentation and is updated over SSE.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	currentChatID := r.URL.Query().Get("chat_id")

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chatViews := make([]chat, len(chats))
	for i, ch := range chats {
		chatViews[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == currentChatID,
		}
	}

	var msgViews []message
	if currentChatID != "" {
		messages, err := m.store.Messages(r.Context(), currentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", currentChatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		for _, msg := range messages {
			state := streamingStateEnded
			if msg.Role == models.RoleAssistant && msg.Content == "" {
				state = streamingStateLoading
			}
			v, err := m.viewMessage(r.Context(), currentChatID, msg, state)
			if err != nil {
				m.logger.Error("Failed to build message view",
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			msgViews = append(msgViews, v)
		}
	}

	data := homePageData{
		CurrentChatID: currentChatID,
		ModelName:     m.modelName,
		Chats:         chatViews,
		Messages:      msgViews,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
