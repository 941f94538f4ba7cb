package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const systemPrompt = `You plan a duty rota. You receive a JSON context and must answer with one JSON object only:
{"days":[{"day_index":0,"weekday":"Monday","areas":{"<area>":[<ids>]},"new_debt_ids":[<ids>],"note":""}],"run_memory":"<notes for next run>"}
Rules:
- Use day_index and weekday exactly as given in "calendar". Never output dates.
- Seat ids from "debt_ids" first, oldest first, then continue the rotation from "next_id" upwards, wrapping inside "id_range".
- Never seat an id listed in "disabled_ids".
- When the instruction says someone is away or cannot do a day, leave them out of that day and list them in that day's "new_debt_ids".
- Fill each area up to "area_capacities". You may add a one-off area if the instruction asks for it.
- If the instruction cannot be followed at all, answer {"rejected":"<reason>"}.`

// ChatConfig configures the OpenAI-compatible chat oracle
type ChatConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Chat invokes a chat model and streams its tokens as progress events
type Chat struct {
	model model.BaseChatModel
}

// NewChat builds a Chat oracle on top of eino's OpenAI chat model
func NewChat(ctx context.Context, cfg ChatConfig) (*Chat, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("chat oracle requires an API key")
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat model: %w", err)
	}
	return &Chat{model: cm}, nil
}

// NewChatWithModel wraps an already constructed model
func NewChatWithModel(m model.BaseChatModel) *Chat {
	return &Chat{model: m}
}

func (o *Chat) Invoke(ctx context.Context, c Context, events chan<- Event) (*Proposal, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, newError(KindUnavailable, fmt.Errorf("encoding context: %w", err))
	}
	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(string(payload)),
	}

	stream, err := o.model.Stream(ctx, msgs)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(ctx, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		out.WriteString(chunk.Content)
		emit(ctx, events, EventToken, chunk.Content)
	}

	// Partial output after cancellation is discarded, never parsed
	if err := ctx.Err(); err != nil {
		return nil, newError(KindTimeout, err)
	}
	return Parse([]byte(out.String()))
}
