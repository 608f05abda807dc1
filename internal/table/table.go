// Package table 实现按 XOR 距离分桶的路由表
//
// 每个桶按与本地身份的共同前缀位数索引，容量上限 k；桶内按联系
// 新近度排序，最近验证存活的条目在尾部。桶满时委托外部 Pinger
// 复核最久未联系条目的存活性，失败即淘汰，成功则把新来者放入
// 有界替换队列。各桶持有独立互斥锁，互不相关的操作并发进行。
package table

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-discv5/pkg/enr"
	"github.com/dep2p/go-discv5/pkg/lib/log"
	"github.com/dep2p/go-discv5/pkg/types"
)

var logger = log.Logger("discv5/table")

// ============================================================================
//                              常量定义
// ============================================================================

const (
	// NumBuckets 桶数量（身份位数）
	NumBuckets = 256

	// DefaultBucketSize 默认桶容量
	DefaultBucketSize = 16

	// DefaultLivenessFailLimit 存活状态降级所需的连续失败次数
	DefaultLivenessFailLimit = 3
)

// ============================================================================
//                              条目与状态
// ============================================================================

// Liveness 条目存活状态
type Liveness int

const (
	// LivenessConnected 最近验证存活
	LivenessConnected Liveness = iota
	// LivenessQuestionable 连续探测失败，存活可疑
	LivenessQuestionable
	// LivenessUnresponsive 持续无响应，桶满时优先淘汰
	LivenessUnresponsive
)

// String 返回状态名
func (l Liveness) String() string {
	switch l {
	case LivenessConnected:
		return "connected"
	case LivenessQuestionable:
		return "questionable"
	case LivenessUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// Entry 路由表条目
type Entry struct {
	// Record 节点记录
	Record *enr.Record

	// Addr 最近一次联系使用的网络地址
	Addr string

	// LastSeen 最近一次联系时间
	LastSeen time.Time

	// State 存活状态
	State Liveness

	// fails 连续存活探测失败次数
	fails int
}

// ID 返回条目的节点身份
func (e *Entry) ID() types.NodeID {
	return e.Record.NodeID()
}

// Outcome 插入结果
type Outcome int

const (
	// OutcomeSelf 试图插入本地身份，忽略
	OutcomeSelf Outcome = iota
	// OutcomeAdded 新条目已插入
	OutcomeAdded
	// OutcomeUpdated 既有条目已用更高序号记录替换
	OutcomeUpdated
	// OutcomeStale 序号不高于已存条目，空操作
	OutcomeStale
	// OutcomeDeferred 桶满，进入替换队列等待复核结果
	OutcomeDeferred
)

// Pinger 存活复核委托（由 RPC 调度器实现）
type Pinger interface {
	// Ping 探测节点存活，阻塞直到成功或超时
	Ping(id types.NodeID, addr string) error
}

// ============================================================================
//                              桶
// ============================================================================

// bucket 单个 K 桶
type bucket struct {
	mu sync.Mutex

	// entries 按新近度排序，最久未联系在前
	entries []*Entry

	// replacements 有界替换队列，最旧候选在前
	replacements []*Entry

	// revalidating 有一个存活复核在途
	revalidating bool
}

// bumpLocked 将条目移动到新近度尾部（调用方持锁）
func (b *bucket) bumpLocked(e *Entry) {
	for i, cur := range b.entries {
		if cur == e {
			copy(b.entries[i:], b.entries[i+1:])
			b.entries[len(b.entries)-1] = e
			return
		}
	}
}

// removeLocked 移除条目（调用方持锁）
func (b *bucket) removeLocked(id types.NodeID) bool {
	for i, cur := range b.entries {
		if cur.ID() == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// findLocked 查找条目（调用方持锁）
func (b *bucket) findLocked(id types.NodeID) *Entry {
	for _, cur := range b.entries {
		if cur.ID() == id {
			return cur
		}
	}
	return nil
}

// ============================================================================
//                              路由表
// ============================================================================

// Config 路由表配置
type Config struct {
	// BucketSize 桶容量 k
	BucketSize int

	// MaxReplacements 每桶替换队列上限
	MaxReplacements int

	// LivenessFailLimit 状态降级所需连续失败次数
	LivenessFailLimit int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BucketSize:        DefaultBucketSize,
		MaxReplacements:   DefaultBucketSize,
		LivenessFailLimit: DefaultLivenessFailLimit,
	}
}

// Table 距离分桶路由表
type Table struct {
	self    types.NodeID
	cfg     Config
	clk     clock.Clock
	buckets [NumBuckets]*bucket

	pingerMu sync.RWMutex
	pinger   Pinger
}

// New 创建路由表
func New(self types.NodeID, cfg Config, clk clock.Clock) *Table {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.MaxReplacements <= 0 {
		cfg.MaxReplacements = cfg.BucketSize
	}
	if cfg.LivenessFailLimit <= 0 {
		cfg.LivenessFailLimit = DefaultLivenessFailLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{self: self, cfg: cfg, clk: clk}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// Self 返回本地身份
func (t *Table) Self() types.NodeID {
	return t.self
}

// SetPinger 设置存活复核委托
//
// 路由表与调度器相互引用，构造后注入一次。
func (t *Table) SetPinger(p Pinger) {
	t.pingerMu.Lock()
	t.pinger = p
	t.pingerMu.Unlock()
}

// InsertOrUpdate 插入或更新一条记录
//
// 同一身份不会出现两个条目；序号不高于已存条目时为空操作。
// 桶满时最久未联系的条目交由 Pinger 复核：失败即淘汰并纳入
// 新记录，成功则新记录留在替换队列，队列溢出丢弃最旧候选。
func (t *Table) InsertOrUpdate(rec *enr.Record, addr string) Outcome {
	id := rec.NodeID()
	if id == t.self {
		return OutcomeSelf
	}

	idx := BucketIndex(t.self, id)
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.clk.Now()

	if e := b.findLocked(id); e != nil {
		if rec.Seq() <= e.Record.Seq() {
			return OutcomeStale
		}
		e.Record = rec
		e.Addr = addr
		e.LastSeen = now
		b.bumpLocked(e)
		return OutcomeUpdated
	}

	entry := &Entry{Record: rec, Addr: addr, LastSeen: now, State: LivenessConnected}

	if len(b.entries) < t.cfg.BucketSize {
		b.entries = append(b.entries, entry)
		return OutcomeAdded
	}

	// 无响应条目是桶满时的优先淘汰对象
	for i, cur := range b.entries {
		if cur.State == LivenessUnresponsive {
			logger.Debug("替换无响应条目",
				"bucket", idx, "evicted", cur.ID().ShortString(), "added", id.ShortString())
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, entry)
			return OutcomeAdded
		}
	}

	t.addReplacementLocked(b, entry)
	t.maybeRevalidateLocked(idx, b)
	return OutcomeDeferred
}

// addReplacementLocked 将条目加入替换队列（去重、有界）
func (t *Table) addReplacementLocked(b *bucket, entry *Entry) {
	id := entry.ID()
	for i, cur := range b.replacements {
		if cur.ID() == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append(b.replacements, entry)
	if len(b.replacements) > t.cfg.MaxReplacements {
		b.replacements = b.replacements[1:]
	}
}

// maybeRevalidateLocked 桶满时复核最久未联系条目的存活性
func (t *Table) maybeRevalidateLocked(idx int, b *bucket) {
	if b.revalidating || len(b.entries) == 0 {
		return
	}
	t.pingerMu.RLock()
	pinger := t.pinger
	t.pingerMu.RUnlock()
	if pinger == nil {
		return
	}

	oldest := b.entries[0]
	b.revalidating = true
	go t.revalidate(idx, b, pinger, oldest.ID(), oldest.Addr)
}

// revalidate 执行一次存活复核并应用结果
func (t *Table) revalidate(idx int, b *bucket, pinger Pinger, id types.NodeID, addr string) {
	err := pinger.Ping(id, addr)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.revalidating = false

	e := b.findLocked(id)
	if e == nil {
		return
	}
	if err == nil {
		e.fails = 0
		e.State = LivenessConnected
		e.LastSeen = t.clk.Now()
		b.bumpLocked(e)
		return
	}

	logger.Debug("存活复核失败，淘汰条目",
		"bucket", idx, "id", id.ShortString(), "err", err)
	b.removeLocked(id)
	if n := len(b.replacements); n > 0 {
		promoted := b.replacements[n-1]
		b.replacements = b.replacements[:n-1]
		promoted.LastSeen = t.clk.Now()
		b.entries = append(b.entries, promoted)
	}
}

// Mark 更新条目的存活状态
//
// 成功联系将条目移动到新近度尾部并复位状态；连续失败达到
// 配置阈值时逐级降级 connected → questionable → unresponsive。
// 降级不会主动淘汰条目，避免表规模震荡。
func (t *Table) Mark(id types.NodeID, addr string, ok bool) {
	if id == t.self {
		return
	}
	b := t.buckets[BucketIndex(t.self, id)]
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.findLocked(id)
	if e == nil {
		return
	}
	if ok {
		e.fails = 0
		e.State = LivenessConnected
		e.Addr = addr
		e.LastSeen = t.clk.Now()
		b.bumpLocked(e)
		return
	}

	e.fails++
	if e.fails >= t.cfg.LivenessFailLimit {
		e.fails = 0
		switch e.State {
		case LivenessConnected:
			e.State = LivenessQuestionable
		case LivenessQuestionable:
			e.State = LivenessUnresponsive
		}
	}
}

// Record 查找指定身份的记录
func (t *Table) Record(id types.NodeID) *enr.Record {
	if id == t.self {
		return nil
	}
	b := t.buckets[BucketIndex(t.self, id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.findLocked(id); e != nil {
		return e.Record
	}
	return nil
}

// Closest 返回距 target 最近的至多 n 个条目
//
// 按 XOR 距离升序排列，距离相同时最近联系的在前。
func (t *Table) Closest(target types.NodeID, n int) []*Entry {
	var all []*Entry
	for _, b := range t.buckets {
		b.mu.Lock()
		for _, e := range b.entries {
			cp := *e
			all = append(all, &cp)
		}
		b.mu.Unlock()
	}

	sort.Slice(all, func(i, j int) bool {
		c := CompareDistance(all[i].ID(), all[j].ID(), target)
		if c != 0 {
			return c < 0
		}
		return all[i].LastSeen.After(all[j].LastSeen)
	})

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// AtLogDist 返回与本地身份 LogDist 为 dist 的全部条目
//
// FINDNODE 请求按距离桶取节点时使用。
func (t *Table) AtLogDist(dist uint) []*Entry {
	if dist == 0 || dist > NumBuckets {
		return nil
	}
	b := t.buckets[NumBuckets-int(dist)]
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Len 返回路由表条目总数
func (t *Table) Len() int {
	total := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		total += len(b.entries)
		b.mu.Unlock()
	}
	return total
}

// BucketLen 返回指定桶的条目数
func (t *Table) BucketLen(idx int) int {
	if idx < 0 || idx >= NumBuckets {
		return 0
	}
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
