package handlers

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/chatsrv/chat-web-ui/internal/models"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

// message is the view model handed to the message templates. Exactly one of three presentations is
// rendered from it: a plain user bubble, a pending assistant turn (model label plus progress
// indicator), or a completed assistant turn with content, metrics, sources, and the action bar.
// Everything here is rebuilt from the store on each render and discarded afterwards.
type message struct {
	ID        string
	ChatID    string
	Role      string
	Content   template.HTML
	Model     string
	Timestamp time.Time

	// TTFT and TotalTime are preformatted metric labels, empty when the metric was not captured.
	TTFT      string
	TotalTime string

	Sources sourcesData
	Actions actionBar

	StreamingState string
}

// Streaming states for assistant messages.
const (
	streamingStateLoading = "loading"
	streamingStateEnded   = "ended"
)

// actionBar is the view model for the copy / regenerate / rate controls of a completed assistant
// turn. Rating reflects the stored value only; Copied and InFlight are transient flags owned by
// Main and never persisted.
type actionBar struct {
	MessageID string
	ChatID    string

	Rating   string
	Copied   bool
	InFlight bool
}

type sourcesData struct {
	MessageID string
	ChatID    string
	Cards     []sourceCard
}

type sourceCard struct {
	Index   int
	Number  int
	Preview string
}

type sourceDetail struct {
	MessageID   string
	ChatID      string
	Index       int
	PageContent string
	URL         string
}

// sourcePreviewLimit is the excerpt length shown on a citation preview card.
const sourcePreviewLimit = 200

func sourcePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= sourcePreviewLimit {
		return content
	}
	return strings.TrimRight(string(runes[:sourcePreviewLimit]), " \n") + "…"
}

func sourcesView(chatID string, msg models.Message) sourcesData {
	data := sourcesData{
		MessageID: msg.ID,
		ChatID:    chatID,
	}
	for i, src := range msg.Sources {
		data.Cards = append(data.Cards, sourceCard{
			Index:   i,
			Number:  i + 1,
			Preview: sourcePreview(src.PageContent),
		})
	}
	return data
}

func formatSeconds(s float64) string {
	if s == 0 {
		return ""
	}
	return fmt.Sprintf("%.2fs", s)
}

// viewMessage builds the view model for a stored message. User messages render as escaped plain
// text; assistant messages get markdown-rendered content, metric labels for the captured metrics
// only, the sources grid, and the action bar state derived from the store and the transient flags.
func (m *Main) viewMessage(ctx context.Context, chatID string, msg models.Message, state string) (message, error) {
	v := message{
		ID:             msg.ID,
		ChatID:         chatID,
		Role:           string(msg.Role),
		Model:          msg.Model,
		Timestamp:      msg.Timestamp,
		StreamingState: state,
	}
	if v.Model == "" {
		v.Model = m.modelName
	}

	if msg.Role == models.RoleUser {
		v.Content = template.HTML(template.HTMLEscapeString(msg.Content))
		return v, nil
	}

	rendered, err := models.RenderMarkdown(msg.Content)
	if err != nil {
		return message{}, fmt.Errorf("failed to render message content: %w", err)
	}
	v.Content = template.HTML(rendered)
	v.TTFT = formatSeconds(msg.Metrics.TTFT)
	v.TotalTime = formatSeconds(msg.Metrics.TotalTime)
	v.Sources = sourcesView(chatID, msg)

	actions, err := m.actionBarView(ctx, chatID, msg.ID)
	if err != nil {
		return message{}, err
	}
	v.Actions = actions

	return v, nil
}

// actionBarView derives the action bar state for a message: the rate controls from the stored
// rating, the copied indicator from the pending revert timer, and the regenerate control from the
// in-flight set.
func (m *Main) actionBarView(ctx context.Context, chatID, messageID string) (actionBar, error) {
	rating, err := m.store.Rating(ctx, messageID)
	if err != nil {
		return actionBar{}, fmt.Errorf("failed to get rating: %w", err)
	}

	return actionBar{
		MessageID: messageID,
		ChatID:    chatID,
		Rating:    string(rating),
		Copied:    m.copiedActive(messageID),
		InFlight:  m.isInFlight(messageID),
	}, nil
}

// renderMessage renders the appropriate partial for a view message into a string, for both HTTP
// responses and SSE payloads.
func (m *Main) renderMessage(v message) (string, error) {
	name := "user_message"
	if v.Role == string(models.RoleAssistant) {
		name = "ai_message"
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, v); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}
