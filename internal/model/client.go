package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"polyagents/internal/config"
)

// ErrTimeout 表示模型调用超时。调用方可据此与其他失败区分处理。
var ErrTimeout = errors.New("model: completion timed out")

// Message 是一轮对话消息。Role 取 system/user/assistant。
type Message struct {
	Role    string
	Content string
}

// Completion 携带模型原始输出与调用元信息。
// Content 可能为空字符串，由上层解释器决定如何处理。
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建模型客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("model: openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Complete 发起一次对话补全。modelName 为空时使用配置默认模型。
func (c *Client) Complete(ctx context.Context, modelName string, messages []Message) (Completion, error) {
	if modelName == "" {
		modelName = c.cfg.Model
	}
	if modelName == "" {
		return Completion{}, errors.New("model: 未指定模型名称")
	}
	if len(messages) == 0 {
		return Completion{}, errors.New("model: 消息列表不能为空")
	}

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	response, err := c.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    chatMessages,
		Temperature: 0.7,
	})
	latency := time.Since(start)

	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			c.logger.Warn("模型调用超时",
				zap.String("model", modelName),
				zap.Duration("latency", latency),
			)
			return Completion{}, fmt.Errorf("model: %w: %v", ErrTimeout, err)
		}
		c.logger.Error("模型调用失败",
			zap.String("model", modelName),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return Completion{}, fmt.Errorf("model: 调用模型失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Completion{}, errors.New("model: 模型未返回任何候选")
	}

	completion := Completion{
		Content:          strings.TrimSpace(response.Choices[0].Message.Content),
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		Latency:          latency,
	}

	c.logger.Debug("模型调用完成",
		zap.String("model", modelName),
		zap.Int("prompt_tokens", completion.PromptTokens),
		zap.Int("completion_tokens", completion.CompletionTokens),
		zap.Duration("latency", latency),
	)

	return completion, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return os.IsTimeout(err)
}
