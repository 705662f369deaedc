package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market 是预测市场的本地视图。OutcomePrices 的键为大写结果名，
// 二元市场固定为 YES/NO。
type Market struct {
	ID            string
	Question      string
	Active        bool
	Closed        bool
	OutcomePrices map[string]decimal.Decimal
	Volume        decimal.Decimal
	Liquidity     decimal.Decimal
	EndDate       time.Time
}

// Tradable 判断市场是否处于可交易状态。
func (m Market) Tradable() bool {
	return m.Active && !m.Closed
}

// PriceFor 解析指定方向的成交价。二元市场只给出 YES 价时，
// NO 价按 1-p 推导；多结果市场按键直接查找。
func (m Market) PriceFor(side string) (decimal.Decimal, bool) {
	key := strings.ToUpper(strings.TrimSpace(side))
	if price, ok := m.OutcomePrices[key]; ok {
		return price, true
	}
	if key == "NO" {
		if yes, ok := m.OutcomePrices["YES"]; ok {
			return decimal.NewFromInt(1).Sub(yes), true
		}
	}
	return decimal.Decimal{}, false
}

// PricePoint 是市场概率历史中的一个采样点。
type PricePoint struct {
	Timestamp   time.Time
	Probability float64
}
