// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/promptflow-go/graph/model"
)

// DefaultModel is used when NewChatModel gets an empty model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini models.
//
// System messages become the model's system instruction; earlier turns
// are sent as chat history and the last user message as the new turn.
//
// Example:
//
//	m, err := google.NewChatModel(ctx, os.Getenv("GOOGLE_API_KEY"), "gemini-2.5-flash")
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
type ChatModel struct {
	modelName string
	client    generator
	closer    func() error
}

type generator interface {
	generate(ctx context.Context, modelName, system string, history []*genai.Content, turn []genai.Part) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a ChatModel backed by a Gemini client. Extra opts
// are passed to the client after the API key.
func NewChatModel(ctx context.Context, apiKey, modelName string, opts ...option.ClientOption) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{client: client},
		closer:    client.Close,
	}, nil
}

// Name returns the model name requests are sent with.
func (m *ChatModel) Name() string {
	return m.modelName
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := model.SplitSystem(messages)
	if len(conversation) == 0 {
		return model.ChatOut{}, errors.New("google: conversation needs at least one user message")
	}
	last := conversation[len(conversation)-1]
	history := convertHistory(conversation[:len(conversation)-1])

	resp, err := m.client.generate(ctx, m.modelName, system, history, []genai.Part{genai.Text(last.Content)})
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.ChatOut{}, blockedError(blocked.Candidate, blocked.PromptFeedback)
		}
		return model.ChatOut{}, model.Wrap("google", 0, err)
	}
	return convertResponse(resp, m.modelName)
}

type sdkClient struct {
	client *genai.Client
}

func (c *sdkClient) generate(ctx context.Context, modelName, system string, history []*genai.Content, turn []genai.Part) (*genai.GenerateContentResponse, error) {
	gm := c.client.GenerativeModel(modelName)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	cs := gm.StartChat()
	cs.History = history
	return cs.SendMessage(ctx, turn...)
}

// convertHistory maps earlier turns to Gemini contents. Gemini calls the
// assistant role "model".
func convertHistory(messages []model.Message) []*genai.Content {
	history := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return history
}

func convertResponse(resp *genai.GenerateContentResponse, modelName string) (model.ChatOut, error) {
	out := model.ChatOut{Model: modelName}
	if resp == nil {
		return out, &model.Error{Provider: "google", Err: errors.New("empty response")}
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return out, blockedError(nil, resp.PromptFeedback)
		}
		return out, nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, blockedError(candidate, nil)
	}
	if candidate.Content == nil {
		return out, nil
	}

	var texts []string
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			texts = append(texts, string(t))
		}
	}
	out.Text = strings.Join(texts, "")
	return out, nil
}

// SafetyFilterError reports content blocked by Gemini's safety filters.
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	if e.category == "" {
		return "content blocked by safety filter: " + e.reason
	}
	return "content blocked by safety filter: " + e.category
}

// Category returns the harm category that triggered the block, if known.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}

func blockedError(candidate *genai.Candidate, feedback *genai.PromptFeedback) *SafetyFilterError {
	e := &SafetyFilterError{reason: "SAFETY"}
	var ratings []*genai.SafetyRating
	if candidate != nil {
		ratings = candidate.SafetyRatings
	}
	if feedback != nil {
		e.reason = feedback.BlockReason.String()
		ratings = append(ratings, feedback.SafetyRatings...)
	}
	for _, r := range ratings {
		if r != nil && r.Blocked {
			e.category = r.Category.String()
			break
		}
	}
	return e
}
