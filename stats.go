package discv5

import "sync/atomic"

// ============================================================================
//                              运行统计
// ============================================================================

// stats 节点运行计数器
type stats struct {
	packetsIn           atomic.Uint64
	packetsOut          atomic.Uint64
	packetsDropped      atomic.Uint64
	sessionsEstablished atomic.Uint64
	requestsSent        atomic.Uint64
	requestTimeouts     atomic.Uint64
	lookups             atomic.Uint64
}

// Stats 统计快照
type Stats struct {
	// PacketsIn 收到的数据报总数
	PacketsIn uint64

	// PacketsOut 发出的数据报总数
	PacketsOut uint64

	// PacketsDropped 协议层失败而丢弃的数据报总数
	PacketsDropped uint64

	// SessionsEstablished 建立的会话总数
	SessionsEstablished uint64

	// RequestsSent 发出的请求总数
	RequestsSent uint64

	// RequestTimeouts 重试耗尽仍超时的请求总数
	RequestTimeouts uint64

	// Lookups 执行的查找总数
	Lookups uint64
}

// snapshot 取当前计数器快照
func (s *stats) snapshot() Stats {
	return Stats{
		PacketsIn:           s.packetsIn.Load(),
		PacketsOut:          s.packetsOut.Load(),
		PacketsDropped:      s.packetsDropped.Load(),
		SessionsEstablished: s.sessionsEstablished.Load(),
		RequestsSent:        s.requestsSent.Load(),
		RequestTimeouts:     s.requestTimeouts.Load(),
		Lookups:             s.lookups.Load(),
	}
}
