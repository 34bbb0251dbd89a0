package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatsrv/chat-web-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
	finishedSSEType = sse.Type("finished")
	actionsSSEType  = sse.Type("actions")
)

// streamErrorContent replaces the assistant content when the provider fails mid-response, so the
// turn always finalizes into the completed presentation instead of spinning forever.
const streamErrorContent = "An error occurred while processing your request. Please try again."

// HandleChats processes chat interactions through HTTP POST requests, managing both new chat
// creation and message handling. It accepts user messages through form data, creates appropriate
// chat contexts, and initiates asynchronous processing for AI responses and chat title generation.
//
// The handler expects a "message" form field and an optional "chat_id" field. If no chat_id is
// provided, it creates a new chat session. The handler streams AI responses through Server-Sent
// Events (SSE) and updates the UI accordingly through template rendering.
//
// The function returns appropriate HTTP error responses for invalid methods, missing required
// fields, or internal processing errors. For successful requests, it renders either a complete
// chatbox template for new chats or individual message templates for existing chats.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var err error

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat()
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	// We create two messages: user's input and a placeholder for AI response
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   msg,
		Timestamp: time.Now(),
	}
	userMsgID, err := m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	um.ID = userMsgID

	// Initialize empty AI message to be streamed later
	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Model:     m.modelName,
		Timestamp: time.Now(),
	}
	aiMsgID, err := m.store.AddMessage(r.Context(), chatID, am)
	if err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	am.ID = aiMsgID

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Start async processes for chat response and title generation
	m.acquireInFlight(aiMsgID)
	go m.chat(chatID, messages)

	if isNewChat {
		go m.generateChatTitle(chatID, msg)

		// For new chats, we prepare all messages with appropriate streaming states
		msgs := make([]message, len(messages))
		for i := range messages {
			// Mark only the AI message as "loading", others as "ended"
			state := streamingStateEnded
			if messages[i].ID == aiMsgID {
				state = streamingStateLoading
			}
			v, err := m.viewMessage(r.Context(), chatID, messages[i], state)
			if err != nil {
				m.logger.Error("Failed to build message view",
					slog.String("message", fmt.Sprintf("%+v", messages[i])),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			msgs[i] = v
		}

		data := homePageData{
			CurrentChatID: chatID,
			ModelName:     m.modelName,
			Messages:      msgs,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	uv, err := m.viewMessage(r.Context(), chatID, um, streamingStateEnded)
	if err != nil {
		m.logger.Error("Failed to build message view",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", uv); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	av, err := m.viewMessage(r.Context(), chatID, am, streamingStateLoading)
	if err != nil {
		m.logger.Error("Failed to build message view",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", av); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Main) newChat() (string, error) {
	newChat := models.Chat{
		ID: uuid.New().String(),
	}
	newChatID, err := m.store.AddChat(context.Background(), newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}
	newChat.ID = newChatID

	divs, err := m.chatDivs(newChat.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish chats: %w", err)
	}

	return newChat.ID, nil
}

// chat streams the LLM response for the last message of the given slice, which must be the
// assistant placeholder. The preceding messages form the conversation history sent to the
// provider. While streaming it captures the time to first token, accumulates content and sources
// on the placeholder, and publishes incremental renders to the message's SSE topic. The turn is
// always finalized, on success with total elapsed time and on provider failure with an error
// content, and the completed presentation is published as a finished event.
func (m *Main) chat(chatID string, messages []models.Message) {
	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e)
	}()

	aiMsg := messages[len(messages)-1]
	defer m.releaseInFlight(aiMsg.ID)

	history := messages[: len(messages)-1 : len(messages)-1]
	start := time.Now()

	for chunk, err := range m.llm.Chat(context.Background(), history) {
		if err != nil {
			m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			aiMsg.Content = streamErrorContent
			break
		}

		switch chunk.Type {
		case models.ChunkTypeText:
			if aiMsg.Metrics.TTFT == 0 {
				aiMsg.Metrics.TTFT = time.Since(start).Seconds()
			}
			aiMsg.Content += chunk.Text
		case models.ChunkTypeSources:
			aiMsg.Sources = chunk.Sources
		}

		if err := m.store.UpdateMessage(context.Background(), chatID, aiMsg); err != nil {
			m.logger.Error("Failed to update message",
				slog.String("message", fmt.Sprintf("%+v", aiMsg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		rc, err := models.RenderMarkdown(aiMsg.Content)
		if err != nil {
			m.logger.Error("Failed to render message content",
				slog.String("message", fmt.Sprintf("%+v", aiMsg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg := sse.Message{
			Type: messagesSSEType,
		}
		msg.AppendData(rc)
		if err := m.sseSrv.Publish(&msg, messageIDTopic(aiMsg.ID)); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("message", fmt.Sprintf("%+v", aiMsg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	aiMsg.Metrics.TotalTime = time.Since(start).Seconds()
	if err := m.store.UpdateMessage(context.Background(), chatID, aiMsg); err != nil {
		m.logger.Error("Failed to update message",
			slog.String("message", fmt.Sprintf("%+v", aiMsg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	// The in-flight mark must clear before the final render so the published action bar shows
	// the regenerate control enabled again.
	m.releaseInFlight(aiMsg.ID)
	m.publishFinished(chatID, aiMsg)
}

// publishFinished publishes the completed presentation of an assistant message to its SSE topic.
func (m *Main) publishFinished(chatID string, aiMsg models.Message) {
	v, err := m.viewMessage(context.Background(), chatID, aiMsg, streamingStateEnded)
	if err != nil {
		m.logger.Error("Failed to build message view",
			slog.String("message", fmt.Sprintf("%+v", aiMsg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	rendered, err := m.renderMessage(v)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("message", fmt.Sprintf("%+v", aiMsg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: finishedSSEType,
	}
	msg.AppendData(rendered)
	if err := m.sseSrv.Publish(&msg, messageIDTopic(aiMsg.ID)); err != nil {
		m.logger.Error("Failed to publish finished message",
			slog.String("messageID", aiMsg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) generateChatTitle(chatID string, message string) {
	title, err := m.titleGenerator.GenerateTitle(context.Background(), message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	updatedChat := models.Chat{
		ID:    chatID,
		Title: title,
	}
	if err := m.store.UpdateChat(context.Background(), updatedChat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	divs, err := m.chatDivs(chatID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) chatDivs(activeID string) (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
