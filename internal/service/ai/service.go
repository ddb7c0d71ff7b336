package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"dealscout/internal/models"
	"dealscout/internal/observability"
)

// FinalQueryMarker prefixes the assistant turn that ends the questioning phase.
const FinalQueryMarker = "FINAL_QUERY:"

// EmptyQueryFollowUp replaces a reply that carried the marker but no query.
const EmptyQueryFollowUp = "Could you tell me a bit more about the product you're looking for?"

const (
	finalizeToolName    = "finalize_search"
	defaultTitle        = "New Chat"
	verifierTemperature = float32(0.3)
)

// Reply is one assistant completion. FinalQuery is set when the model
// finished gathering details, either through the finalize tool or the marker.
type Reply struct {
	Content    string
	FinalQuery string
}

// Service wraps an eino chat model for the shopping conversation.
type Service struct {
	chat       model.ToolCallingChatModel
	structured model.ToolCallingChatModel
}

// NewService wraps chatModel. With structuredOutput the finalize_search tool is
// bound so the model can hand back the query as a tool call.
func NewService(chatModel model.ToolCallingChatModel, structuredOutput bool) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	s := &Service{chat: chatModel}
	if structuredOutput {
		bound, err := chatModel.WithTools([]*schema.ToolInfo{finalizeToolInfo()})
		if err != nil {
			return nil, fmt.Errorf("bind %s tool: %w", finalizeToolName, err)
		}
		s.structured = bound
	}
	return s, nil
}

func finalizeToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: finalizeToolName,
		Desc: "Call this once you have enough details to search the marketplaces. " +
			"Pass the final product search query.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Final product search query, e.g. 'iPhone 15 Pro Max 256GB new'",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
}

type finalizeArgs struct {
	Query string `json:"query"`
}

// Reply sends the conversation to the model and returns the assistant turn.
func (s *Service) Reply(ctx context.Context, history []*models.Message) (*Reply, error) {
	if len(history) == 0 {
		return nil, errors.New("history cannot be empty")
	}
	chatModel := s.chat
	if s.structured != nil {
		chatModel = s.structured
	}

	resp, err := chatModel.Generate(ctx, ConvertMessages(history))
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	for _, call := range resp.ToolCalls {
		if call.Function.Name != finalizeToolName {
			continue
		}
		var args finalizeArgs
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			observability.LoggerFromContext(ctx).Warn("malformed finalize_search arguments", "error", err, "arguments", call.Function.Arguments)
			continue
		}
		if q := strings.TrimSpace(args.Query); q != "" {
			return &Reply{Content: FinalQueryMarker + " " + q, FinalQuery: q}, nil
		}
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, errors.New("model returned an empty reply")
	}
	reply := &Reply{Content: content}
	if q, ok := ExtractFinalQuery(content); ok {
		reply.FinalQuery = q
	} else if strings.Contains(content, FinalQueryMarker) {
		// a bare marker is not a query; ask for details instead of echoing it.
		reply.Content = strings.TrimSpace(strings.ReplaceAll(content, FinalQueryMarker, ""))
		if reply.Content == "" {
			reply.Content = EmptyQueryFollowUp
		}
	}
	return reply, nil
}

// Complete runs a single system+user exchange at low temperature.
func (s *Service) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: system},
		{Role: schema.User, Content: prompt},
	}
	resp, err := s.chat.Generate(ctx, messages, model.WithTemperature(verifierTemperature))
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Title produces a short conversation title from its opening turns.
func (s *Service) Title(ctx context.Context, messages []*models.Message) (string, error) {
	if len(messages) == 0 {
		return defaultTitle, nil
	}
	systemPrompt := "You are a conversation title generator. " +
		"Based on the dialogue between a shopper and a shopping assistant, generate a concise title naming the product being searched for. " +
		"The title should be at most six words. " +
		"Output only the title; do not include any additional content."

	var conversation strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&conversation, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&conversation, "Assistant: %s\n", msg.Content)
		}
	}
	prompt := fmt.Sprintf("Please generate a clean title using following conversation messages:\n\n%s", conversation.String())

	resp, err := s.chat.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	title := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if title == "" {
		return defaultTitle, nil
	}
	return title, nil
}

// ExtractFinalQuery returns the text after the last marker occurrence.
func ExtractFinalQuery(content string) (string, bool) {
	idx := strings.LastIndex(content, FinalQueryMarker)
	if idx < 0 {
		return "", false
	}
	q := strings.TrimSpace(content[idx+len(FinalQueryMarker):])
	if q == "" {
		return "", false
	}
	return q, true
}

// ConvertMessages maps stored turns onto eino messages. User turns carrying an
// image become multimodal.
func ConvertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}

		out := &schema.Message{Role: role, Content: msg.Content}
		if role == schema.User && msg.ImageURL != "" {
			out.Content = ""
			out.MultiContent = []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: msg.Content},
				{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: msg.ImageURL}},
			}
		}
		messages = append(messages, out)
	}
	return messages
}
