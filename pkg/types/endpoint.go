package types

// ============================================================================
//                              Endpoint - 会话端点
// ============================================================================

// Endpoint 会话端点
//
// 会话以（节点身份，网络地址）二元组为键：同一节点从不同地址出现时
// 使用相互独立的会话，同一地址上的不同身份也互不干扰。
type Endpoint struct {
	// ID 对端节点身份
	ID NodeID

	// Addr 对端网络地址（host:port 文本形式）
	Addr string
}

// String 返回端点的字符串表示
func (e Endpoint) String() string {
	return e.ID.ShortString() + "@" + e.Addr
}
