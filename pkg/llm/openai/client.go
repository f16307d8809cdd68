package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/user/conclave/pkg/llm"
)

// Client implements llm.Backend for OpenAI-compatible APIs. Stateless streams
// use the Responses API, sessions use threads and runs, and non-streaming
// completions use chat completions.
type Client struct {
	config *llm.Config
	http   *resty.Client
	logger *slog.Logger
}

var _ llm.Backend = (*Client)(nil)

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	logger := slog.Default().With("component", "openai")
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("OpenAI-Beta", "assistants=v2")
	if config.APIKey != "" {
		httpClient.SetAuthToken(config.APIKey)
	}
	httpClient.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug("upstream response",
			"method", resp.Request.Method,
			"url", resp.Request.URL,
			"status", resp.StatusCode(),
			"duration", resp.Time(),
		)
		return nil
	})
	return &Client{
		config: config,
		http:   httpClient,
		logger: logger,
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	ID      string        `json:"id"`
	Choices []choice      `json:"choices"`
	Usage   responseUsage `json:"usage"`
}

// choice represents a single completion choice.
type choice struct {
	Message llm.Message `json:"message"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Ready reports llm.ErrMissingCredential when no API key is configured.
func (c *Client) Ready() error {
	if c.config.APIKey == "" {
		return llm.ErrMissingCredential
	}
	return nil
}

func (c *Client) model(override string) string {
	if override != "" {
		return override
	}
	return c.config.Model
}

func (c *Client) temperature() *float32 {
	if c.config.Temperature == 0 {
		return nil
	}
	temp := c.config.Temperature
	return &temp
}

// Complete sends a chat completion request and returns the full response.
// Instructions, when set, are sent as a leading system message.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: req.Instructions})
	}
	messages = append(messages, req.Messages...)

	reqBody := chatRequest{
		Model:       c.model(req.Model),
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.temperature(),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(reqBody).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode(), resp.Body())
	}

	var chatResp chatResponse
	if err := json.Unmarshal(resp.Body(), &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &llm.Response{
		ID:      chatResp.ID,
		Content: chatResp.Choices[0].Message.Content,
		Usage: llm.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}, nil
}

// responsesRequest is the Responses API request body.
type responsesRequest struct {
	Model              string        `json:"model"`
	Instructions       string        `json:"instructions,omitempty"`
	Input              []llm.Message `json:"input"`
	PreviousResponseID string        `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int           `json:"max_output_tokens,omitempty"`
	Temperature        *float32      `json:"temperature,omitempty"`
	Stream             bool          `json:"stream"`
}

// responsesEvent covers the Responses API stream events this client reads.
type responsesEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Message  string `json:"message"`
	Response struct {
		ID    string `json:"id"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// Stream sends only the latest user message, plus instructions and the
// continuation id, and streams the output text.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (*llm.Stream, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	last, ok := llm.LastMessage(req.Messages, llm.RoleUser)
	if !ok {
		return nil, fmt.Errorf("no user message to send")
	}

	reqBody := responsesRequest{
		Model:              c.model(req.Model),
		Instructions:       req.Instructions,
		Input:              []llm.Message{last},
		PreviousResponseID: req.PreviousID,
		MaxOutputTokens:    c.config.MaxTokens,
		Temperature:        c.temperature(),
		Stream:             true,
	}

	ctx, cancel := context.WithCancel(ctx)
	body, err := c.openStream(ctx, "/responses", reqBody)
	if err != nil {
		cancel()
		return nil, err
	}

	events := newEventReader(body)
	var pending []llm.Delta
	id := ""
establish:
	for {
		ev, err := events.Next()
		if err != nil {
			body.Close()
			cancel()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("stream ended before a response was created")
			}
			return nil, fmt.Errorf("reading stream: %w", err)
		}
		payload, err := decodeResponsesEvent(ev)
		if err != nil {
			continue
		}
		switch payload.Type {
		case "response.created":
			id = payload.Response.ID
			break establish
		case "response.output_text.delta":
			// No response id was announced, so there is nothing to
			// continue from later.
			pending = append(pending, llm.Delta{Content: payload.Delta})
			break establish
		case "response.failed", "error":
			body.Close()
			cancel()
			return nil, &llm.APIError{StatusCode: http.StatusOK, Message: payload.errorMessage()}
		}
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		defer body.Close()
		defer cancel()

		for _, d := range pending {
			if !send(ctx, ch, d) {
				return
			}
		}
		for {
			ev, err := events.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					send(ctx, ch, llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
				}
				return
			}
			payload, err := decodeResponsesEvent(ev)
			if err != nil {
				continue
			}
			switch payload.Type {
			case "response.output_text.delta":
				if !send(ctx, ch, llm.Delta{Content: payload.Delta}) {
					return
				}
			case "response.completed":
				return
			case "response.failed", "error", "response.incomplete":
				send(ctx, ch, llm.Delta{Err: &llm.APIError{StatusCode: http.StatusOK, Message: payload.errorMessage()}})
				return
			}
		}
	}()

	return llm.NewStream(id, ch, cancel), nil
}

func decodeResponsesEvent(ev event) (responsesEvent, error) {
	var payload responsesEvent
	if ev.Data == "" || ev.Data == "[DONE]" {
		return payload, fmt.Errorf("no payload")
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return payload, err
	}
	if payload.Type == "" {
		payload.Type = ev.Name
	}
	return payload, nil
}

func (e responsesEvent) errorMessage() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Response.Error != nil && e.Response.Error.Message != "":
		return e.Response.Error.Message
	default:
		return e.Type
	}
}

// threadRequest creates a thread seeded with messages.
type threadRequest struct {
	Messages []llm.Message `json:"messages,omitempty"`
}

// CreateSession creates an upstream thread seeded with the given messages.
// Threads only accept user and assistant roles, so other roles are sent as
// user messages.
func (c *Client) CreateSession(ctx context.Context, seed []llm.Message) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	messages := make([]llm.Message, 0, len(seed))
	for _, m := range seed {
		if m.Content == "" {
			continue
		}
		role := m.Role
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(threadRequest{Messages: messages}).
		Post("/threads")
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", parseAPIError(resp.StatusCode(), resp.Body())
	}

	var thread struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &thread); err != nil {
		return "", fmt.Errorf("parsing thread: %w", err)
	}
	if thread.ID == "" {
		return "", fmt.Errorf("thread response has no id")
	}
	return thread.ID, nil
}

// runRequest starts a streamed run on a thread.
type runRequest struct {
	AssistantID            string `json:"assistant_id"`
	Model                  string `json:"model,omitempty"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
	Stream                 bool   `json:"stream"`
}

// runEvent covers the run stream payloads this client reads.
type runEvent struct {
	ID    string `json:"id"`
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
	LastError *struct {
		Message string `json:"message"`
	} `json:"last_error"`
	Message string `json:"message"`
}

func (e runEvent) text() string {
	var b strings.Builder
	for _, part := range e.Delta.Content {
		if part.Type == "text" {
			b.WriteString(part.Text.Value)
		}
	}
	return b.String()
}

func (e runEvent) errorMessage(name string) string {
	switch {
	case e.LastError != nil && e.LastError.Message != "":
		return e.LastError.Message
	case e.Message != "":
		return e.Message
	default:
		return name
	}
}

// Run starts a streamed run of the agent against the thread. Closing the
// returned stream drops the connection and asks upstream to cancel the run.
func (c *Client) Run(ctx context.Context, sessionID string, req *llm.RunRequest) (*llm.Stream, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent id is required for a run")
	}

	reqBody := runRequest{
		AssistantID:            req.AgentID,
		Model:                  req.Model,
		AdditionalInstructions: req.Instructions,
		Stream:                 true,
	}

	ctx, cancel := context.WithCancel(ctx)
	body, err := c.openStream(ctx, "/threads/"+sessionID+"/runs", reqBody)
	if err != nil {
		cancel()
		return nil, err
	}

	events := newEventReader(body)
	var pending []llm.Delta
	runID := ""
establish:
	for {
		ev, err := events.Next()
		if err != nil {
			body.Close()
			cancel()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("stream ended before the run was created")
			}
			return nil, fmt.Errorf("reading stream: %w", err)
		}
		var payload runEvent
		if ev.Data != "" && ev.Data != "[DONE]" {
			_ = json.Unmarshal([]byte(ev.Data), &payload)
		}
		switch ev.Name {
		case "thread.run.created":
			runID = payload.ID
			break establish
		case "thread.message.delta":
			pending = append(pending, llm.Delta{Content: payload.text()})
			break establish
		case "thread.run.failed", "error":
			body.Close()
			cancel()
			return nil, &llm.APIError{StatusCode: http.StatusOK, Message: payload.errorMessage(ev.Name)}
		}
	}

	var finished atomic.Bool
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		defer body.Close()
		defer cancel()
		defer finished.Store(true)

		for _, d := range pending {
			if !send(ctx, ch, d) {
				return
			}
		}
		for {
			ev, err := events.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					send(ctx, ch, llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
				}
				return
			}
			var payload runEvent
			if ev.Data != "" && ev.Data != "[DONE]" {
				if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
					continue
				}
			}
			switch ev.Name {
			case "thread.message.delta":
				if text := payload.text(); text != "" {
					if !send(ctx, ch, llm.Delta{Content: text}) {
						return
					}
				}
			case "thread.run.completed", "done":
				return
			case "thread.run.failed", "thread.run.expired", "thread.run.cancelled", "error":
				send(ctx, ch, llm.Delta{Err: &llm.APIError{StatusCode: http.StatusOK, Message: payload.errorMessage(ev.Name)}})
				return
			}
		}
	}()

	abort := func() {
		cancel()
		if runID == "" || finished.Load() {
			return
		}
		go c.cancelRun(sessionID, runID)
	}
	return llm.NewStream(runID, ch, abort), nil
}

// cancelRun asks upstream to stop a run. It runs detached from the caller's
// context, which is already cancelled at this point.
func (c *Client) cancelRun(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/threads/" + threadID + "/runs/" + runID + "/cancel")
	if err != nil {
		c.logger.Warn("cancel run failed", "thread_id", threadID, "run_id", runID, "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("cancel run rejected", "thread_id", threadID, "run_id", runID, "status", resp.StatusCode())
	}
}

// openStream posts body and returns the unread SSE body. The caller owns the
// returned ReadCloser.
func (c *Client) openStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	raw := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		defer raw.Close()
		data, _ := io.ReadAll(io.LimitReader(raw, 64*1024))
		return nil, parseAPIError(resp.StatusCode(), data)
	}
	return raw, nil
}

// send delivers d unless ctx is done first.
func send(ctx context.Context, ch chan<- llm.Delta, d llm.Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseAPIError extracts the upstream-reported message from an error body.
func parseAPIError(status int, body []byte) *llm.APIError {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
			msg = nested.Message
		case json.Unmarshal(payload.Error, &flat) == nil && flat != "":
			msg = flat
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &llm.APIError{StatusCode: status, Message: msg}
}
