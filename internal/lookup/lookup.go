// Package lookup 实现面向目标 ID 的迭代式并发查找
//
// 查找维护一张按 XOR 距离排序的候选表，每轮向至多 Alpha 个
// 未询问的最近候选并发发起查询，把返回的候选并入表中，直到
// 最近的 K 个候选全部询问完毕且不再出现更近的节点。单个对端
// 超时或返回垃圾只影响该候选，查找总是推进。
package lookup

import (
	"bytes"
	"context"
	"sync"

	"github.com/dep2p/go-discv5/internal/table"
	"github.com/dep2p/go-discv5/pkg/enr"
	"github.com/dep2p/go-discv5/pkg/lib/log"
	"github.com/dep2p/go-discv5/pkg/types"
)

var logger = log.Logger("discv5/lookup")

// ============================================================================
//                              配置与依赖
// ============================================================================

// Config 查找配置
type Config struct {
	// Alpha 每轮并发查询数
	Alpha int

	// ResultCount 结果集大小 K
	ResultCount int

	// MaxRounds 查找轮数上限，防御恶意候选诱导的无限追逐
	MaxRounds int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Alpha:       3,
		ResultCount: 16,
		MaxRounds:   16,
	}
}

// Querier 向单个端点查询目标附近的节点
//
// 返回原始记录编码；逐条校验由查找引擎负责。
type Querier interface {
	FindNodes(ctx context.Context, ep types.Endpoint, target types.NodeID) ([][]byte, error)
}

// RecordFunc 在每条通过校验的记录上回调（机会性写入路由表）
type RecordFunc func(rec *enr.Record, addr string)

// ============================================================================
//                              查找引擎
// ============================================================================

// 候选状态
type candidateState int

const (
	stateUnqueried candidateState = iota
	stateQuerying
	stateResponded
	stateFailed
)

// candidate 查找过程中的单个候选
type candidate struct {
	ep    types.Endpoint
	rec   *enr.Record
	dist  [types.IDSize]byte
	state candidateState
}

// Engine 查找引擎，可供任意多个并发查找复用
type Engine struct {
	cfg      Config
	self     types.NodeID
	querier  Querier
	onRecord RecordFunc
}

// New 创建查找引擎
//
// onRecord 可为 nil；非 nil 时每条通过校验的记录都会回调，
// 包括查找取消后收到的迟到结果。
func New(cfg Config, self types.NodeID, querier Querier, onRecord RecordFunc) *Engine {
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultConfig().Alpha
	}
	if cfg.ResultCount <= 0 {
		cfg.ResultCount = DefaultConfig().ResultCount
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultConfig().MaxRounds
	}
	return &Engine{cfg: cfg, self: self, querier: querier, onRecord: onRecord}
}

// Run 对目标 ID 执行一次完整查找
//
// seeds 为起始候选（通常取路由表中距目标最近的表项）。返回
// 按距离升序排列的至多 K 条响应节点记录；ctx 取消时返回已
// 收集的部分结果。
func (e *Engine) Run(ctx context.Context, target types.NodeID, seeds []table.Entry) []*enr.Record {
	st := newSearchState(target, e.cfg.ResultCount)
	for _, s := range seeds {
		st.add(types.Endpoint{ID: s.ID(), Addr: s.Addr}, s.Record)
	}

	for round := 0; round < e.cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		batch := st.nextBatch(e.cfg.Alpha)
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				e.queryOne(ctx, st, target, c)
			}(c)
		}
		wg.Wait()
	}

	results := st.results()
	logger.Debug("查找完成", "target", target.ShortString(), "results", len(results))
	return results
}

// queryOne 询问单个候选并把结果并入候选表
func (e *Engine) queryOne(ctx context.Context, st *searchState, target types.NodeID, c *candidate) {
	raws, err := e.querier.FindNodes(ctx, c.ep, target)
	if err != nil {
		st.markFailed(c)
		return
	}
	st.markResponded(c)

	for _, raw := range raws {
		rec, err := enr.Decode(raw)
		if err != nil {
			// 损坏或伪造的记录静默丢弃，不影响本轮其余结果
			continue
		}
		addr, ok := rec.UDPAddr()
		if !ok {
			continue
		}
		if e.onRecord != nil {
			e.onRecord(rec, addr)
		}
		if rec.NodeID() == e.self {
			continue
		}
		st.add(types.Endpoint{ID: rec.NodeID(), Addr: addr}, rec)
	}
}

// ============================================================================
//                              候选表
// ============================================================================

// searchState 一次查找的候选表，按与目标的距离升序维护
type searchState struct {
	mu     sync.Mutex
	target types.NodeID
	k      int
	cands  []*candidate
	seen   map[types.NodeID]*candidate
}

func newSearchState(target types.NodeID, k int) *searchState {
	return &searchState{
		target: target,
		k:      k,
		seen:   make(map[types.NodeID]*candidate),
	}
}

// add 并入一个候选；已知候选仅补充缺失的记录
func (s *searchState) add(ep types.Endpoint, rec *enr.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.seen[ep.ID]; ok {
		if c.rec == nil && rec != nil {
			c.rec = rec
		}
		return
	}
	c := &candidate{ep: ep, rec: rec, dist: table.Distance(ep.ID, s.target)}
	s.seen[ep.ID] = c

	// 插入排序保持距离升序；候选表规模受轮数与 Alpha 约束
	i := 0
	for ; i < len(s.cands); i++ {
		if bytes.Compare(c.dist[:], s.cands[i].dist[:]) < 0 {
			break
		}
	}
	s.cands = append(s.cands, nil)
	copy(s.cands[i+1:], s.cands[i:])
	s.cands[i] = c
}

// nextBatch 取下一轮要询问的候选
//
// 终止条件内建于此：最近 K 个候选中已无未询问者时返回空批，
// 查找随之结束。
func (s *searchState) nextBatch(alpha int) []*candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*candidate
	checked := 0
	for _, c := range s.cands {
		if c.state == stateFailed {
			continue
		}
		checked++
		if c.state == stateUnqueried {
			c.state = stateQuerying
			batch = append(batch, c)
			if len(batch) == alpha {
				break
			}
		}
		if checked >= s.k && len(batch) == 0 {
			// 最近 K 个有效候选全部询问过，收敛
			return nil
		}
	}
	return batch
}

func (s *searchState) markResponded(c *candidate) {
	s.mu.Lock()
	c.state = stateResponded
	s.mu.Unlock()
}

func (s *searchState) markFailed(c *candidate) {
	s.mu.Lock()
	c.state = stateFailed
	s.mu.Unlock()
}

// results 收集距离最近的至多 K 条已响应候选的记录
func (s *searchState) results() []*enr.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*enr.Record, 0, s.k)
	for _, c := range s.cands {
		if c.state != stateResponded || c.rec == nil {
			continue
		}
		out = append(out, c.rec)
		if len(out) == s.k {
			break
		}
	}
	return out
}
