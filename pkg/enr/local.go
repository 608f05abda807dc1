package enr

import (
	"bytes"
	"math"
	"net"
	"sync"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              本地记录管理
// ============================================================================

// LocalRecord 本地节点记录管理器
//
// 持有本地身份和条目集合，负责序号单调递增与重签名：
// 任何条目变化都会使序号 +1 并生成新记录。旧记录不会被原地修改。
type LocalRecord struct {
	mu       sync.Mutex
	identity Identity
	seq      uint64
	entries  map[string][]byte
	current  *Record
}

// NewLocalRecord 创建本地记录，序号从 1 开始并立即签名
func NewLocalRecord(id Identity, entries map[string][]byte) (*LocalRecord, error) {
	l := &LocalRecord{
		identity: id,
		seq:      1,
		entries:  make(map[string][]byte, len(entries)),
	}
	for k, v := range entries {
		l.entries[k] = append([]byte(nil), v...)
	}
	rec, err := Sign(l.seq, l.entries, id)
	if err != nil {
		return nil, err
	}
	l.current = rec
	return l, nil
}

// Identity 返回本地身份
func (l *LocalRecord) Identity() Identity {
	return l.identity
}

// NodeID 返回本地节点身份
func (l *LocalRecord) NodeID() types.NodeID {
	return l.identity.NodeID()
}

// Seq 返回当前序号
func (l *LocalRecord) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Record 返回当前已签名记录
func (l *LocalRecord) Record() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// SetEntry 更新单个条目，值未变化时为空操作
//
// 更新会使序号 +1 并重签名；签名或编码失败时记录保持不变。
func (l *LocalRecord) SetEntry(key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.entries[key]; ok && bytes.Equal(old, value) {
		return nil
	}
	return l.resign(key, append([]byte(nil), value...))
}

// SetEndpoint 更新本地地址条目（IP + UDP 端口）
func (l *LocalRecord) SetEndpoint(ip net.IP, port uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ipv := IPEntry(ip)
	pv := PortEntry(port)
	oldIP, okIP := l.entries[KeyIP]
	oldPort, okPort := l.entries[KeyUDP]
	if okIP && okPort && bytes.Equal(oldIP, ipv) && bytes.Equal(oldPort, pv) {
		return nil
	}

	next := l.cloneEntries()
	next[KeyIP] = ipv
	next[KeyUDP] = pv
	return l.resignAll(next)
}

// resign 以单条目变更重签名
func (l *LocalRecord) resign(key string, value []byte) error {
	next := l.cloneEntries()
	next[key] = value
	return l.resignAll(next)
}

// resignAll 以给定条目集重签名并推进序号
func (l *LocalRecord) resignAll(entries map[string][]byte) error {
	if l.seq == math.MaxUint64 {
		return ErrSeqOverflow
	}
	rec, err := Sign(l.seq+1, entries, l.identity)
	if err != nil {
		return err
	}
	l.seq++
	l.entries = entries
	l.current = rec
	return nil
}

func (l *LocalRecord) cloneEntries() map[string][]byte {
	next := make(map[string][]byte, len(l.entries)+2)
	for k, v := range l.entries {
		next[k] = v
	}
	return next
}
