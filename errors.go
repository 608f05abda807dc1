package discv5

import "errors"

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 节点生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ────────────────────────────────────────────────────────────────────────
	// 记录相关错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNoAddress 记录缺少可用的网络地址条目
	ErrNoAddress = errors.New("record has no usable address")

	// ErrSelf 操作目标是本地节点自身
	ErrSelf = errors.New("target is local node")
)
