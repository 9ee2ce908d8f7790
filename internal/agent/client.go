package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/jobs"
)

var errMissingAssistant = errors.New("assistant id is required")

// Client wraps the assistants and speech endpoints.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a client. No network I/O happens until the first call.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AssistantID == "" {
		return nil, errMissingAssistant
	}
	def := DefaultConfig(cfg.APIKey, cfg.AssistantID)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = def.SpeechModel
	}
	if cfg.SpeechVoice == "" {
		cfg.SpeechVoice = def.SpeechVoice
	}
	if cfg.ReplyLimit <= 0 {
		cfg.ReplyLimit = def.ReplyLimit
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}

	logger.Info("Assistant client configured", "base_url", apiCfg.BaseURL, "assistant_id", cfg.AssistantID)

	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// CreateConversation opens a new thread.
func (c *Client) CreateConversation(ctx context.Context) (domain.ConversationHandle, error) {
	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return domain.ConversationHandle(thread.ID), nil
}

// SubmitPrompt adds a user message to the thread.
func (c *Client) SubmitPrompt(ctx context.Context, handle domain.ConversationHandle, text string) error {
	msg, err := c.api.CreateMessage(ctx, string(handle), openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if msg.ID == "" {
		return errors.New("create message: no message id returned")
	}
	return nil
}

// StartJob starts a run of the configured assistant on the thread.
func (c *Client) StartJob(ctx context.Context, handle domain.ConversationHandle) (string, error) {
	run, err := c.api.CreateRun(ctx, string(handle), openai.RunRequest{
		AssistantID: c.cfg.AssistantID,
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return run.ID, nil
}

// PollJob retrieves the run's current status.
func (c *Client) PollJob(ctx context.Context, handle domain.ConversationHandle, jobID string) (jobs.Status, error) {
	run, err := c.api.RetrieveRun(ctx, string(handle), jobID)
	if err != nil {
		return "", fmt.Errorf("retrieve run: %w", err)
	}
	if run.Status == openai.RunStatusFailed && run.LastError != nil {
		c.logger.Warn("Run failed", "job_id", jobID, "code", run.LastError.Code, "message", run.LastError.Message)
	}
	return runStatus(string(run.Status)), nil
}

// FetchReply lists the assistant messages produced by the run, oldest first.
func (c *Client) FetchReply(ctx context.Context, handle domain.ConversationHandle, jobID string) ([]string, error) {
	limit := c.cfg.ReplyLimit
	order := "asc"
	runID := jobID
	list, err := c.api.ListMessage(ctx, string(handle), &limit, &order, nil, nil, &runID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var texts []string
	for _, m := range list.Messages {
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		for _, content := range m.Content {
			if content.Type == "text" && content.Text != nil {
				texts = append(texts, content.Text.Value)
			}
		}
	}
	return texts, nil
}

// Synthesize renders text as MP3 audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.cfg.SpeechVoice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer func() {
		if closeErr := resp.Close(); closeErr != nil {
			c.logger.Warn("failed to close speech response", "error", closeErr)
		}
	}()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	return audio, nil
}

var _ jobs.Backend = (*Client)(nil)
