package session

import (
	"hash/fnv"
	"sync"
)

// ============================================================================
//                              端点级锁
// ============================================================================

// stripeCount 锁分片数量
const stripeCount = 64

// stripedLocks 按对端地址分片的互斥锁
//
// 同一端点的握手状态是单写者的：并发到达的同端点包被串行处理，
// 不相关端点的包并行处理。质询包不携带源身份，因此分片键取
// 对端地址，足以覆盖同端点的全部握手路径。
type stripedLocks struct {
	mus [stripeCount]sync.Mutex
}

// forAddr 返回地址对应的分片锁
func (s *stripedLocks) forAddr(addr string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return &s.mus[h.Sum32()%stripeCount]
}
