package session

import "errors"

// 预定义错误
var (
	// ErrHandshake 握手失败（签名错误、质询过期或重放）
	ErrHandshake = errors.New("session: handshake failed")

	// ErrUnknownPeer 对端记录未知，无法建立密码学绑定
	ErrUnknownPeer = errors.New("session: unknown peer record")

	// ErrDecrypt 解密失败（密钥不符或 nonce 计数器未递增）
	ErrDecrypt = errors.New("session: decryption failed")

	// ErrNoSession 无会话可用
	ErrNoSession = errors.New("session: no established session")

	// ErrQueueFull 等待握手的消息队列已满
	ErrQueueFull = errors.New("session: pending message queue full")

	// ErrMessageTooLarge 消息超过单个数据报可承载的上限
	ErrMessageTooLarge = errors.New("session: message too large")
)
