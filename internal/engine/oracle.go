package engine

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"ledgerchat/internal/config"
)

// Oracle is the model provider seen from the router: text in, text out,
// non-deterministic, untrusted. Tests substitute their own.
type Oracle interface {
	Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
}

type chatOracle struct {
	provider string
	chat     model.BaseChatModel
}

func (o *chatOracle) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	out, err := o.chat.Generate(ctx, messages)
	if err != nil {
		return nil, &ExternalServiceError{Provider: o.provider, Err: err}
	}
	return out, nil
}

// NewOracle builds a provider-backed oracle. The per-user API key comes from
// the caller; base URL and default model come from configuration.
func NewOracle(cfg *config.Config, provider, modelName, apiKey string) (Oracle, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: apiKey,
		})
		if err != nil {
			break
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	return &chatOracle{provider: provider, chat: chatModel}, nil
}
