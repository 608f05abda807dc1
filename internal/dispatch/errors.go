package dispatch

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrTimeout 请求在重试耗尽后仍未收到响应
	ErrTimeout = errors.New("dispatch: request timed out")

	// ErrBadMessage 消息编码无法解析或类型未知
	ErrBadMessage = errors.New("dispatch: bad message")

	// ErrCanceled 请求被调用方取消
	ErrCanceled = errors.New("dispatch: request canceled")

	// ErrClosed 调度器已关闭
	ErrClosed = errors.New("dispatch: dispatcher closed")
)
