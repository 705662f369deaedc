package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polyagents/internal/config"
)

// Client 负责与 Gamma 风格的预测市场 API 交互并实现重试机制。
type Client struct {
	cfg    config.MarketConfig
	logger *zap.Logger
	http   *http.Client
}

// NewClient 创建市场数据客户端。
func NewClient(cfg config.MarketConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("market: base_url 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

// marketDTO 对应上游返回结构。outcomes 与 outcomePrices 是嵌套的
// JSON 字符串数组（上游如此返回），需要二次解析。
type marketDTO struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	Outcomes      string `json:"outcomes"`
	OutcomePrices string `json:"outcomePrices"`
	Volume        string `json:"volume"`
	Liquidity     string `json:"liquidity"`
	EndDate       string `json:"endDate"`
}

type historyDTO struct {
	History []struct {
		T int64   `json:"t"`
		P float64 `json:"p"`
	} `json:"history"`
}

// ListMarkets 拉取当前可交易市场列表。
func (c *Client) ListMarkets(ctx context.Context) ([]Market, error) {
	limit := c.cfg.MarketLimit
	if limit <= 0 {
		limit = 20
	}

	endpoint := fmt.Sprintf("%s/markets?active=true&closed=false&limit=%d&order=volume&ascending=false",
		strings.TrimRight(c.cfg.BaseURL, "/"), limit)

	var dtos []marketDTO
	if err := c.getJSON(ctx, "list_markets", endpoint, &dtos); err != nil {
		return nil, err
	}

	markets := make([]Market, 0, len(dtos))
	for _, dto := range dtos {
		m, err := convertMarket(dto)
		if err != nil {
			c.logger.Warn("跳过无法解析的市场", zap.String("market_id", dto.ID), zap.Error(err))
			continue
		}
		markets = append(markets, m)
	}

	return markets, nil
}

// GetMarket 按 ID 拉取单个市场。
func (c *Client) GetMarket(ctx context.Context, id string) (Market, error) {
	endpoint := fmt.Sprintf("%s/markets/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(id))

	var dto marketDTO
	if err := c.getJSON(ctx, "get_market", endpoint, &dto); err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return Market{}, ErrMarketNotFound
		}
		return Market{}, err
	}

	return convertMarket(dto)
}

// FetchPriceHistory 拉取市场最近的概率历史。
func (c *Client) FetchPriceHistory(ctx context.Context, id string) ([]PricePoint, error) {
	hours := c.cfg.HistoryHours
	if hours <= 0 {
		hours = 48
	}

	endpoint := fmt.Sprintf("%s/prices-history?market=%s&interval=1h&fidelity=%d",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.QueryEscape(id), hours)

	var dto historyDTO
	if err := c.getJSON(ctx, "price_history", endpoint, &dto); err != nil {
		return nil, err
	}

	points := make([]PricePoint, 0, len(dto.History))
	for _, h := range dto.History {
		points = append(points, PricePoint{
			Timestamp:   time.Unix(h.T, 0).UTC(),
			Probability: h.P,
		})
	}

	return points, nil
}

func (c *Client) getJSON(ctx context.Context, operation, endpoint string, out interface{}) error {
	return c.callWithRetry(ctx, operation, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("market: 构造请求失败: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("market: 读取响应失败: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, body: truncateBody(body)}
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("market: 解析响应失败: %w", err)
		}
		return nil
	})
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("市场接口重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Error("市场接口调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("市场接口调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func convertMarket(dto marketDTO) (Market, error) {
	if dto.ID == "" {
		return Market{}, errors.New("market: 市场缺少 ID")
	}

	prices, err := parseOutcomePrices(dto.Outcomes, dto.OutcomePrices)
	if err != nil {
		return Market{}, fmt.Errorf("market: 解析结果价格失败 (%s): %w", dto.ID, err)
	}

	m := Market{
		ID:            dto.ID,
		Question:      dto.Question,
		Active:        dto.Active,
		Closed:        dto.Closed,
		OutcomePrices: prices,
	}

	if dto.Volume != "" {
		if v, err := decimal.NewFromString(dto.Volume); err == nil {
			m.Volume = v
		}
	}
	if dto.Liquidity != "" {
		if v, err := decimal.NewFromString(dto.Liquidity); err == nil {
			m.Liquidity = v
		}
	}
	if dto.EndDate != "" {
		if ts, err := time.Parse(time.RFC3339, dto.EndDate); err == nil {
			m.EndDate = ts.UTC()
		}
	}

	return m, nil
}

// parseOutcomePrices 解析上游嵌套 JSON 字符串形式的结果与价格数组。
func parseOutcomePrices(rawOutcomes, rawPrices string) (map[string]decimal.Decimal, error) {
	var outcomes []string
	if err := json.Unmarshal([]byte(rawOutcomes), &outcomes); err != nil {
		return nil, fmt.Errorf("outcomes 非法: %w", err)
	}

	var priceStrings []string
	if err := json.Unmarshal([]byte(rawPrices), &priceStrings); err != nil {
		return nil, fmt.Errorf("outcomePrices 非法: %w", err)
	}

	if len(outcomes) != len(priceStrings) {
		return nil, fmt.Errorf("outcomes 与 outcomePrices 数量不一致: %d vs %d", len(outcomes), len(priceStrings))
	}

	prices := make(map[string]decimal.Decimal, len(outcomes))
	for i, name := range outcomes {
		price, err := decimal.NewFromString(strings.TrimSpace(priceStrings[i]))
		if err != nil {
			return nil, fmt.Errorf("价格 %q 非法: %w", priceStrings[i], err)
		}
		prices[strings.ToUpper(strings.TrimSpace(name))] = price
	}

	return prices, nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}
