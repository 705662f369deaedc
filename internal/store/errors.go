package store

import "errors"

var (
	// ErrAgentNotFound 表示账户不存在。
	ErrAgentNotFound = errors.New("store: agent not found")

	// ErrPositionNotFound 表示持仓不存在或不处于 open 状态。
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrInsufficientCash 表示相对扣减会使现金余额为负。
	ErrInsufficientCash = errors.New("store: insufficient cash balance")
)
