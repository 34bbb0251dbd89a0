package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/chatsrv/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Endpoint provides an implementation of the LLM interface for a hosted model serving endpoint that
// speaks the OpenAI-compatible chat completions protocol. Some deployments of these endpoints do not
// support streaming, so the client probes streaming once, remembers the outcome for a while, and
// falls back to plain request/response when streaming is unavailable. Responses may carry a
// "sources" array with the retrieval citations backing the answer, which is surfaced as a sources
// chunk at the end of the stream.
type Endpoint struct {
	url          string
	apiKey       string
	model        string
	systemPrompt string

	client *http.Client
	// sem bounds the number of concurrent streaming requests against the endpoint.
	sem chan struct{}

	mu                sync.Mutex
	streamingDisabled bool
	lastChecked       time.Time

	logger *slog.Logger
}

type endpointChatRequest struct {
	Model    string            `json:"model,omitempty"`
	Messages []endpointMessage `json:"messages"`
	Stream   bool              `json:"stream,omitempty"`
}

type endpointMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type endpointStreamingResponse struct {
	Choices []endpointStreamingChoice `json:"choices"`
	Sources []models.Source           `json:"sources,omitempty"`
}

type endpointStreamingChoice struct {
	Delta endpointMessage `json:"delta"`
}

type endpointResponse struct {
	Choices []endpointChoice `json:"choices"`
	Sources []models.Source  `json:"sources,omitempty"`
}

type endpointChoice struct {
	Message endpointMessage `json:"message"`
}

// streamingRecheckInterval is how long a failed streaming probe is remembered before the
// endpoint is given another chance to stream.
const streamingRecheckInterval = 5 * time.Minute

// NewEndpoint creates a new Endpoint instance for the serving endpoint at the given URL. The
// maxStreams parameter bounds concurrent streaming requests; values below one fall back to one.
func NewEndpoint(url, apiKey, model, systemPrompt string, maxStreams int, logger *slog.Logger) *Endpoint {
	if maxStreams < 1 {
		maxStreams = 1
	}
	return &Endpoint{
		url:          url,
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		sem:          make(chan struct{}, maxStreams),
		logger:       logger.With(slog.String("module", "endpoint")),
	}
}

// Chat streams responses from the serving endpoint for a given sequence of messages. It returns an
// iterator that yields text chunks and, when the endpoint reports citations, a final sources chunk.
// When the endpoint rejects the streaming request, the call transparently retries without streaming
// and yields the whole response as a single chunk.
func (e *Endpoint) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.sem }()

		if !e.streamingSupported() {
			e.completeNonStreaming(ctx, messages, yield)
			return
		}

		resp, err := e.doRequest(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.logger.Warn("Streaming request failed, falling back to non-streaming",
				slog.String("err", err.Error()))
			e.markStreamingDisabled()
			e.completeNonStreaming(ctx, messages, yield)
			return
		}
		defer resp.Body.Close()

		var sources []models.Source
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			e.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				break
			}

			var res endpointStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Sources) > 0 {
				sources = res.Sources
			}

			if len(res.Choices) == 0 {
				continue
			}

			if text := res.Choices[0].Delta.Content; text != "" {
				if !yield(models.Chunk{
					Type: models.ChunkTypeText,
					Text: text,
				}, nil) {
					return
				}
			}
		}

		if len(sources) > 0 {
			yield(models.Chunk{
				Type:    models.ChunkTypeSources,
				Sources: sources,
			}, nil)
		}
	}
}

// GenerateTitle generates a title for a given message using the serving endpoint. It sends a single
// message without streaming and returns the response content as the title.
func (e *Endpoint) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []models.Message{
		{
			Role:    models.RoleUser,
			Content: message,
		},
	}

	resp, err := e.doRequest(ctx, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res endpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func (e *Endpoint) completeNonStreaming(
	ctx context.Context,
	messages []models.Message,
	yield func(models.Chunk, error) bool,
) {
	resp, err := e.doRequest(ctx, messages, false)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
		return
	}
	defer resp.Body.Close()

	var res endpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		yield(models.Chunk{}, fmt.Errorf("error decoding response: %w", err))
		return
	}

	if len(res.Choices) == 0 {
		yield(models.Chunk{}, errors.New("no choices found"))
		return
	}

	if !yield(models.Chunk{
		Type: models.ChunkTypeText,
		Text: res.Choices[0].Message.Content,
	}, nil) {
		return
	}

	if len(res.Sources) > 0 {
		yield(models.Chunk{
			Type:    models.ChunkTypeSources,
			Sources: res.Sources,
		}, nil)
	}
}

func (e *Endpoint) streamingSupported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.streamingDisabled {
		return true
	}
	if time.Since(e.lastChecked) > streamingRecheckInterval {
		e.streamingDisabled = false
		return true
	}
	return false
}

func (e *Endpoint) markStreamingDisabled() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.streamingDisabled = true
	e.lastChecked = time.Now()
}

func (e *Endpoint) doRequest(ctx context.Context, messages []models.Message, stream bool) (*http.Response, error) {
	msgs := make([]endpointMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, endpointMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	msgs = slices.Insert(msgs, 0, endpointMessage{
		Role:    "system",
		Content: e.systemPrompt,
	})

	reqBody := endpointChatRequest{
		Model:    e.model,
		Messages: msgs,
		Stream:   stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	e.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
