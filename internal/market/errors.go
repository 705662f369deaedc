package market

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMarketNotFound 表示市场不存在。
	ErrMarketNotFound = errors.New("market: market not found")

	// ErrMarketInactive 表示市场不处于可交易状态。
	ErrMarketInactive = errors.New("market: market is not tradable")
)

// statusError 携带上游 HTTP 状态码，用于重试分类。
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("market: upstream status %d: %s", e.code, e.body)
}

// IsRetryable 判断错误是否可重试：网络错误、限流与 5xx 可重试，
// 业务性失败不重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code == 429 || statusErr.code >= 500
	}

	return false
}
