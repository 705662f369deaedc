package indicator

import (
	talib "github.com/markcheno/go-talib"

	"polyagents/internal/market"
)

const (
	smaPeriod      = 12
	rsiPeriod      = 14
	momentumPeriod = 24
)

// Summary 汇总概率序列的动量特征，供提示词描述市场近况。
type Summary struct {
	Current    float64
	SMA        float64
	RSI        float64
	Momentum   float64
	RangeLow   float64
	RangeHigh  float64
	SampleSize int
}

// Summarize 基于概率历史计算动量摘要。
// 采样点不足以计算指标时返回 ok=false。
func Summarize(points []market.PricePoint) (Summary, bool) {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		values = append(values, p.Probability)
	}

	if len(values) <= rsiPeriod {
		return Summary{}, false
	}

	sma := talib.Sma(values, smaPeriod)
	rsi := talib.Rsi(values, rsiPeriod)

	momentum := 0.0
	if len(values) > momentumPeriod {
		momentum = last(talib.Mom(values, momentumPeriod))
	}

	low, high := values[0], values[0]
	for _, v := range values {
		if v < low {
			low = v
		}
		if v > high {
			high = v
		}
	}

	return Summary{
		Current:    last(values),
		SMA:        last(sma),
		RSI:        last(rsi),
		Momentum:   momentum,
		RangeLow:   low,
		RangeHigh:  high,
		SampleSize: len(values),
	}, true
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
