package discv5

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-discv5/internal/dispatch"
	"github.com/dep2p/go-discv5/internal/lookup"
	"github.com/dep2p/go-discv5/internal/session"
	"github.com/dep2p/go-discv5/internal/table"
	"github.com/dep2p/go-discv5/pkg/enr"
	"github.com/dep2p/go-discv5/pkg/lib/log"
	"github.com/dep2p/go-discv5/pkg/types"
)

var logger = log.Logger("discv5")

// Node 节点发现引擎
//
// 组合本地记录、会话层、路由表、调度器与查找引擎。套接字由
// 调用方持有：入站数据报交给 HandlePacket，出站经 Transport
// 发出。除 Start/Close 外的全部方法可并发调用。
type Node struct {
	cfg   Config
	local *enr.LocalRecord
	tr    Transport

	tab      *table.Table
	sessions *session.Manager
	disp     *dispatch.Dispatcher
	look     *lookup.Engine

	st stats

	mu            sync.Mutex
	started       bool
	closed        bool
	cancelRefresh context.CancelFunc
	refreshDone   chan struct{}
}

// New 创建节点
func New(id enr.Identity, tr Transport, opts ...Option) (*Node, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		if err := o(&cfg); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	local, err := enr.NewLocalRecord(id, nil)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, local: local, tr: tr}
	n.tab = table.New(local.NodeID(), table.Config{
		BucketSize:        cfg.BucketSize,
		LivenessFailLimit: cfg.LivenessFailLimit,
	}, cfg.clk)

	n.sessions, err = session.New(session.Config{
		CacheSize:           cfg.SessionCacheSize,
		DecryptFailureLimit: cfg.DecryptFailureLimit,
		HandshakeTimeout:    cfg.HandshakeTimeout,
	}, local, n.tab, cfg.clk, cfg.rng)
	if err != nil {
		return nil, err
	}

	n.disp = dispatch.New(dispatch.Config{
		RequestTimeout: cfg.RequestTimeout,
		RequestRetries: cfg.RequestRetries,
	}, cfg.clk, &nodeSender{n})
	n.disp.SetHandler(n.handleRequest)

	n.look = lookup.New(lookup.Config{
		Alpha:       cfg.Alpha,
		ResultCount: cfg.ResultCount,
		MaxRounds:   cfg.MaxLookupRounds,
	}, local.NodeID(), &nodeQuerier{n}, func(rec *enr.Record, addr string) {
		n.tab.InsertOrUpdate(rec, addr)
	})

	n.tab.SetPinger(&tablePinger{n})
	return n, nil
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动后台刷新
//
// RefreshInterval 为 0 时无后台任务，Start 仍须调用以进入
// 运行状态。
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true

	if n.cfg.RefreshInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		n.cancelRefresh = cancel
		n.refreshDone = make(chan struct{})
		go n.refreshLoop(ctx)
	}
	logger.Info("节点已启动", "id", n.local.NodeID().ShortString())
	return nil
}

// Close 停止节点，在途请求以错误结束
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel, done := n.cancelRefresh, n.refreshDone
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	n.disp.Close()
	logger.Info("节点已关闭", "id", n.local.NodeID().ShortString())
	return nil
}

// refreshLoop 周期刷新路由表
func (n *Node) refreshLoop(ctx context.Context) {
	defer close(n.refreshDone)
	ticker := n.cfg.clk.Ticker(n.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.refresh(ctx)
		}
	}
}

// refresh 执行一轮刷新：自身邻域查找加若干远距离随机目标
func (n *Node) refresh(ctx context.Context) {
	n.Lookup(ctx, n.local.NodeID())

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range []uint{table.NumBuckets, table.NumBuckets - 1, table.NumBuckets - 2} {
		d := d
		g.Go(func() error {
			target, err := table.RandomIDAtDistance(n.local.NodeID(), d, n.cfg.rng)
			if err != nil {
				return err
			}
			n.Lookup(gctx, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Debug("刷新轮未完成", "err", err)
	}
}

// ============================================================================
//                              公共查询接口
// ============================================================================

// Self 返回当前本地记录
func (n *Node) Self() *enr.Record {
	return n.local.Record()
}

// ID 返回本地节点身份
func (n *Node) ID() types.NodeID {
	return n.local.NodeID()
}

// SetEndpoint 更新本地地址条目，序号随之递增
func (n *Node) SetEndpoint(ip net.IP, port uint16) error {
	return n.local.SetEndpoint(ip, port)
}

// SetEntry 更新本地记录的任意条目
func (n *Node) SetEntry(key string, value []byte) error {
	return n.local.SetEntry(key, value)
}

// AddSeed 将一条已验证记录作为引导节点写入路由表
func (n *Node) AddSeed(rec *enr.Record) error {
	if rec.NodeID() == n.local.NodeID() {
		return ErrSelf
	}
	addr, ok := rec.UDPAddr()
	if !ok {
		return ErrNoAddress
	}
	n.tab.InsertOrUpdate(rec, addr)
	return nil
}

// AddSeedText 解析文本形式的记录并作为引导节点写入路由表
func (n *Node) AddSeedText(s string) error {
	rec, err := enr.ParseText(s)
	if err != nil {
		return err
	}
	return n.AddSeed(rec)
}

// TableLen 返回路由表条目总数
func (n *Node) TableLen() int {
	return n.tab.Len()
}

// Stats 返回运行统计快照
func (n *Node) Stats() Stats {
	return n.st.snapshot()
}

// Ping 探测一条记录指向的节点，返回对端当前序号
func (n *Node) Ping(ctx context.Context, rec *enr.Record) (uint64, error) {
	if rec.NodeID() == n.local.NodeID() {
		return 0, ErrSelf
	}
	addr, ok := rec.UDPAddr()
	if !ok {
		return 0, ErrNoAddress
	}
	n.tab.InsertOrUpdate(rec, addr)
	return n.ping(ctx, types.Endpoint{ID: rec.NodeID(), Addr: addr})
}

// ping 对端点执行一次 PING/PONG 往返并更新存活标记
func (n *Node) ping(ctx context.Context, ep types.Endpoint) (uint64, error) {
	n.st.requestsSent.Add(1)
	resp, err := n.disp.SendRequest(ctx, ep, &dispatch.Ping{
		ID:  dispatch.NewRequestID(),
		Seq: n.local.Seq(),
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrTimeout) {
			n.st.requestTimeouts.Add(1)
		}
		n.tab.Mark(ep.ID, ep.Addr, false)
		return 0, err
	}
	n.tab.Mark(ep.ID, ep.Addr, true)
	return resp.(*dispatch.Pong).Seq, nil
}

// Lookup 对目标身份执行一次迭代查找
//
// 返回按距离升序的至多 K 条响应节点记录；ctx 取消时返回已
// 收集的部分结果。查找途中遇到的全部有效记录都会机会性写入
// 路由表。
func (n *Node) Lookup(ctx context.Context, target types.NodeID) []*enr.Record {
	n.st.lookups.Add(1)
	closest := n.tab.Closest(target, n.cfg.ResultCount)
	seeds := make([]table.Entry, 0, len(closest))
	for _, e := range closest {
		seeds = append(seeds, *e)
	}
	return n.look.Run(ctx, target, seeds)
}

// LookupRandom 对随机目标执行一次查找，用于探索网络
func (n *Node) LookupRandom(ctx context.Context) ([]*enr.Record, error) {
	var target types.NodeID
	if _, err := io.ReadFull(n.cfg.rng, target[:]); err != nil {
		return nil, err
	}
	return n.Lookup(ctx, target), nil
}

// ============================================================================
//                              入站路径
// ============================================================================

// HandlePacket 处理一个入站数据报
//
// 由套接字读循环调用；协议层失败只丢弃该数据报，从不中断
// 处理。会话层产出的回包（质询、握手、队列冲刷）就地发出。
func (n *Node) HandlePacket(fromAddr string, data []byte) {
	n.st.packetsIn.Add(1)

	inb, outs, err := n.sessions.Decode(fromAddr, data)
	for _, o := range outs {
		if serr := n.tr.Send(fromAddr, o); serr != nil {
			logger.Debug("回包发送失败", "to", fromAddr, "err", serr)
			continue
		}
		n.st.packetsOut.Add(1)
	}
	if err != nil {
		n.st.packetsDropped.Add(1)
		logger.Debug("丢弃数据报", "from", fromAddr, "err", err)
		return
	}
	if inb == nil {
		return
	}

	if inb.Record != nil {
		n.tab.InsertOrUpdate(inb.Record, fromAddr)
	}
	if inb.Established {
		n.st.sessionsEstablished.Add(1)
		n.tab.Mark(inb.From.ID, fromAddr, true)
	}
	if inb.Message != nil {
		n.disp.HandleMessage(inb.From, inb.Message)
	}
}

// handleRequest 处理入站请求
func (n *Node) handleRequest(from types.Endpoint, msg dispatch.Message) {
	n.tab.Mark(from.ID, from.Addr, true)

	switch m := msg.(type) {
	case *dispatch.Ping:
		if err := n.disp.SendResponse(from, &dispatch.Pong{ID: m.ID, Seq: n.local.Seq()}); err != nil {
			logger.Debug("PONG 发送失败", "peer", from.String(), "err", err)
		}
	case *dispatch.FindNode:
		if err := n.serveFindNode(from, m); err != nil {
			logger.Debug("NODES 发送失败", "peer", from.String(), "err", err)
		}
	}
}

// serveFindNode 以路由表内容响应 FINDNODE
//
// 距离 0 表示请求本地记录自身。结果集截断到 K，拆分为多个
// NODES 消息发送；无结果时也回一个空消息，让对端立即结束等待。
func (n *Node) serveFindNode(from types.Endpoint, req *dispatch.FindNode) error {
	var records []rlp.RawValue
	seen := make(map[types.NodeID]struct{})

	for _, d := range req.Distances {
		if len(records) >= n.cfg.ResultCount {
			break
		}
		if d == 0 {
			if _, ok := seen[n.local.NodeID()]; ok {
				continue
			}
			raw, err := n.local.Record().Encode()
			if err != nil {
				continue
			}
			seen[n.local.NodeID()] = struct{}{}
			records = append(records, raw)
			continue
		}
		for _, e := range n.tab.AtLogDist(d) {
			if len(records) >= n.cfg.ResultCount {
				break
			}
			if _, ok := seen[e.ID()]; ok {
				continue
			}
			raw, err := e.Record.Encode()
			if err != nil {
				continue
			}
			seen[e.ID()] = struct{}{}
			records = append(records, raw)
		}
	}

	total := (len(records) + dispatch.MaxRecordsPerNodes - 1) / dispatch.MaxRecordsPerNodes
	if total == 0 {
		return n.disp.SendResponse(from, &dispatch.Nodes{ID: req.ID, Total: 1})
	}

	var errs error
	for i := 0; i < total; i++ {
		lo := i * dispatch.MaxRecordsPerNodes
		hi := lo + dispatch.MaxRecordsPerNodes
		if hi > len(records) {
			hi = len(records)
		}
		errs = multierr.Append(errs, n.disp.SendResponse(from, &dispatch.Nodes{
			ID:      req.ID,
			Total:   uint8(total),
			Records: records[lo:hi],
		}))
	}
	return errs
}

// ============================================================================
//                              组件适配
// ============================================================================

// nodeSender 把调度器的发送请求接到会话层与传输层
type nodeSender struct{ n *Node }

func (s *nodeSender) Send(ep types.Endpoint, payload []byte) error {
	pkts, err := s.n.sessions.Encode(ep, payload)
	if err != nil {
		return err
	}
	for _, p := range pkts {
		if err := s.n.tr.Send(ep.Addr, p); err != nil {
			return err
		}
		s.n.st.packetsOut.Add(1)
	}
	return nil
}

// nodeQuerier 把查找引擎的查询接到调度器
type nodeQuerier struct{ n *Node }

func (q *nodeQuerier) FindNodes(ctx context.Context, ep types.Endpoint, target types.NodeID) ([][]byte, error) {
	n := q.n

	// 请求目标距离及相邻距离，提高单次往返的覆盖
	d := table.LogDist(ep.ID, target)
	dists := []uint{d}
	if d > 1 {
		dists = append(dists, d-1)
	}
	if d < table.NumBuckets {
		dists = append(dists, d+1)
	}

	n.st.requestsSent.Add(1)
	resp, err := n.disp.SendRequest(ctx, ep, &dispatch.FindNode{
		ID:        dispatch.NewRequestID(),
		Distances: dists,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrTimeout) {
			n.st.requestTimeouts.Add(1)
		}
		n.tab.Mark(ep.ID, ep.Addr, false)
		return nil, err
	}
	n.tab.Mark(ep.ID, ep.Addr, true)

	nodes := resp.(*dispatch.Nodes)
	out := make([][]byte, 0, len(nodes.Records))
	for _, r := range nodes.Records {
		out = append(out, r)
	}
	return out, nil
}

// tablePinger 把路由表的存活复核接到 PING 往返
type tablePinger struct{ n *Node }

func (p *tablePinger) Ping(id types.NodeID, addr string) error {
	_, err := p.n.ping(context.Background(), types.Endpoint{ID: id, Addr: addr})
	return err
}
