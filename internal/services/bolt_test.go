package services

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatsrv/chat-web-ui/internal/models"
)

func newTestBoltDB(t *testing.T) BoltDB {
	t.Helper()

	db, err := NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	return db
}

func TestBoltDBChats(t *testing.T) {
	db := newTestBoltDB(t)
	ctx := context.Background()

	chats, err := db.Chats(ctx)
	if err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("Chats() on empty db = %v, want none", chats)
	}

	titles := []string{"First chat", "Second chat", "Third chat"}
	ids := make([]string, 0, len(titles))
	for i, title := range titles {
		id, err := db.AddChat(ctx, models.Chat{
			ID:    strings.Repeat("x", i+1),
			Title: title,
		})
		if err != nil {
			t.Fatalf("AddChat() error = %v", err)
		}
		if id == "" {
			t.Fatal("AddChat() returned empty ID")
		}
		ids = append(ids, id)
	}

	chats, err = db.Chats(ctx)
	if err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if len(chats) != len(titles) {
		t.Fatalf("Chats() returned %d chats, want %d", len(chats), len(titles))
	}

	// Most recent chat first.
	if chats[0].Title != "Third chat" {
		t.Errorf("Chats()[0].Title = %q, want %q", chats[0].Title, "Third chat")
	}
	if chats[0].ID != ids[2] {
		t.Errorf("Chats()[0].ID = %q, want %q", chats[0].ID, ids[2])
	}

	updated := models.Chat{ID: ids[0], Title: "Renamed chat"}
	if err := db.UpdateChat(ctx, updated); err != nil {
		t.Fatalf("UpdateChat() error = %v", err)
	}

	chats, err = db.Chats(ctx)
	if err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if chats[len(chats)-1].Title != "Renamed chat" {
		t.Errorf("chat title after update = %q, want %q", chats[len(chats)-1].Title, "Renamed chat")
	}

	// Updating an unknown chat is a no-op.
	if err := db.UpdateChat(ctx, models.Chat{ID: "missing", Title: "Ghost"}); err != nil {
		t.Fatalf("UpdateChat() error = %v", err)
	}
}

func TestBoltDBMessages(t *testing.T) {
	db := newTestBoltDB(t)
	ctx := context.Background()

	chatID, err := db.AddChat(ctx, models.Chat{ID: "abc", Title: "Chat"})
	if err != nil {
		t.Fatalf("AddChat() error = %v", err)
	}

	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	userID, err := db.AddMessage(ctx, chatID, models.Message{
		ID:        "u",
		Role:      models.RoleUser,
		Content:   "What is the answer?",
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	aiID, err := db.AddMessage(ctx, chatID, models.Message{
		ID:        "a",
		Role:      models.RoleAssistant,
		Timestamp: ts.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	full := models.Message{
		ID:      aiID,
		Role:    models.RoleAssistant,
		Content: "The answer is 42.",
		Sources: []models.Source{
			{
				PageContent: "Deep Thought took seven and a half million years.",
				Metadata:    map[string]string{"url": "https://example.com/hhgttg"},
			},
		},
		Metrics: models.Metrics{
			TTFT:      0.42,
			TotalTime: 1.58,
		},
		Model:     "test-model",
		Timestamp: ts.Add(time.Second),
	}
	if err := db.UpdateMessage(ctx, chatID, full); err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}

	messages, err := db.Messages(ctx, chatID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Messages() returned %d messages, want 2", len(messages))
	}

	if messages[0].ID != userID {
		t.Errorf("Messages()[0].ID = %q, want %q", messages[0].ID, userID)
	}
	if messages[0].Content != "What is the answer?" {
		t.Errorf("Messages()[0].Content = %q, want the user prompt", messages[0].Content)
	}

	got := messages[1]
	if got.Content != full.Content {
		t.Errorf("Messages()[1].Content = %q, want %q", got.Content, full.Content)
	}
	if got.Metrics != full.Metrics {
		t.Errorf("Messages()[1].Metrics = %+v, want %+v", got.Metrics, full.Metrics)
	}
	if got.Model != full.Model {
		t.Errorf("Messages()[1].Model = %q, want %q", got.Model, full.Model)
	}
	if len(got.Sources) != 1 {
		t.Fatalf("Messages()[1] has %d sources, want 1", len(got.Sources))
	}
	if got.Sources[0].URL() != "https://example.com/hhgttg" {
		t.Errorf("source URL = %q, want %q", got.Sources[0].URL(), "https://example.com/hhgttg")
	}
	if !got.Timestamp.Equal(full.Timestamp) {
		t.Errorf("Messages()[1].Timestamp = %v, want %v", got.Timestamp, full.Timestamp)
	}

	messages, err = db.Messages(ctx, "unknown-chat")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Messages() for unknown chat = %v, want none", messages)
	}
}

func TestBoltDBRatings(t *testing.T) {
	db := newTestBoltDB(t)
	ctx := context.Background()

	rating, err := db.Rating(ctx, "m1")
	if err != nil {
		t.Fatalf("Rating() error = %v", err)
	}
	if rating != models.RatingNone {
		t.Errorf("Rating() for unrated message = %q, want none", rating)
	}

	if err := db.SetRating(ctx, "m1", models.RatingUp); err != nil {
		t.Fatalf("SetRating() error = %v", err)
	}
	rating, err = db.Rating(ctx, "m1")
	if err != nil {
		t.Fatalf("Rating() error = %v", err)
	}
	if rating != models.RatingUp {
		t.Errorf("Rating() = %q, want %q", rating, models.RatingUp)
	}

	// A new rating replaces the previous one.
	if err := db.SetRating(ctx, "m1", models.RatingDown); err != nil {
		t.Fatalf("SetRating() error = %v", err)
	}
	rating, err = db.Rating(ctx, "m1")
	if err != nil {
		t.Fatalf("Rating() error = %v", err)
	}
	if rating != models.RatingDown {
		t.Errorf("Rating() = %q, want %q", rating, models.RatingDown)
	}

	if err := db.SetRating(ctx, "m1", models.RatingNone); err != nil {
		t.Fatalf("SetRating() error = %v", err)
	}
	rating, err = db.Rating(ctx, "m1")
	if err != nil {
		t.Fatalf("Rating() error = %v", err)
	}
	if rating != models.RatingNone {
		t.Errorf("Rating() after clear = %q, want none", rating)
	}

	// Ratings are scoped per message.
	if err := db.SetRating(ctx, "m2", models.RatingUp); err != nil {
		t.Fatalf("SetRating() error = %v", err)
	}
	rating, err = db.Rating(ctx, "m1")
	if err != nil {
		t.Fatalf("Rating() error = %v", err)
	}
	if rating != models.RatingNone {
		t.Errorf("Rating() for m1 = %q, want none after rating m2", rating)
	}
}
