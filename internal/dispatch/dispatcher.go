package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/dep2p/go-discv5/pkg/lib/log"
	"github.com/dep2p/go-discv5/pkg/types"
)

var logger = log.Logger("discv5/dispatch")

// ============================================================================
//                              配置
// ============================================================================

// Config 调度器配置
type Config struct {
	// RequestTimeout 单次请求的响应期限
	RequestTimeout time.Duration

	// RequestRetries 期限内无响应时的重试次数
	RequestRetries int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 2 * time.Second,
		RequestRetries: 1,
	}
}

// Sender 经会话层把一条消息发往端点
//
// 重试走同一入口：每次发送都重新密封，拿到新鲜 nonce。
type Sender interface {
	Send(ep types.Endpoint, payload []byte) error
}

// Handler 处理入站请求（PING、FINDNODE）
type Handler func(from types.Endpoint, msg Message)

// ============================================================================
//                              调度器
// ============================================================================

// pendingReq 一个在途请求
type pendingReq struct {
	id       RequestID
	ep       types.Endpoint
	wantKind Kind
	payload  []byte
	attempts int
	timer    *clock.Timer

	// NODES 多消息重组状态
	total    int
	received int
	records  []rlp.RawValue

	done chan reqResult
}

type reqResult struct {
	msg Message
	err error
}

// Dispatcher 请求/响应关联器
//
// 出站请求登记到期限表；入站响应按请求 ID 匹配并唤醒等待方，
// 入站请求交给处理回调。期限由注入的时钟驱动，测试可用模拟
// 时钟推进。
type Dispatcher struct {
	cfg    Config
	clk    clock.Clock
	sender Sender

	mu      sync.Mutex
	pending map[RequestID]*pendingReq
	handler Handler
	closed  bool
}

// New 创建调度器
func New(cfg Config, clk clock.Clock, sender Sender) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.RequestRetries < 0 {
		cfg.RequestRetries = DefaultConfig().RequestRetries
	}
	return &Dispatcher{
		cfg:     cfg,
		clk:     clk,
		sender:  sender,
		pending: make(map[RequestID]*pendingReq),
	}
}

// SetHandler 设置入站请求处理回调，须在收包前调用
func (d *Dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Close 关闭调度器，所有在途请求以 ErrClosed 结束
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	reqs := make([]*pendingReq, 0, len(d.pending))
	for _, p := range d.pending {
		reqs = append(reqs, p)
	}
	d.pending = make(map[RequestID]*pendingReq)
	d.mu.Unlock()

	for _, p := range reqs {
		p.timer.Stop()
		p.done <- reqResult{err: ErrClosed}
	}
}

// ============================================================================
//                              请求路径
// ============================================================================

// SendRequest 发出请求并阻塞等待响应
//
// 期限内无响应时以同一请求 ID 重试；重试耗尽后，NODES 请求若
// 已收到部分消息则以部分结果成功返回，否则返回 ErrTimeout。
// ctx 取消立即释放在途状态，迟到的响应被丢弃。
func (d *Dispatcher) SendRequest(ctx context.Context, ep types.Endpoint, msg Message) (Message, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	var wantKind Kind
	switch msg.Kind() {
	case KindPing:
		wantKind = KindPong
	case KindFindNode:
		wantKind = KindNodes
	default:
		return nil, ErrBadMessage
	}

	p := &pendingReq{
		id:       msg.RequestID(),
		ep:       ep,
		wantKind: wantKind,
		payload:  payload,
		done:     make(chan reqResult, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.pending[p.id] = p
	p.timer = d.clk.AfterFunc(d.cfg.RequestTimeout, func() { d.onTimeout(p.id) })
	d.mu.Unlock()

	if err := d.sender.Send(ep, payload); err != nil {
		d.unregister(p.id)
		return nil, err
	}

	select {
	case r := <-p.done:
		return r.msg, r.err
	case <-ctx.Done():
		d.unregister(p.id)
		return nil, ErrCanceled
	}
}

// onTimeout 处理请求期限到达
func (d *Dispatcher) onTimeout(id RequestID) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return
	}

	if p.attempts < d.cfg.RequestRetries {
		p.attempts++
		p.timer.Reset(d.cfg.RequestTimeout)
		d.mu.Unlock()
		logger.Debug("请求超时，重试", "peer", p.ep.String(), "kind", p.wantKind.String(), "attempt", p.attempts)
		if err := d.sender.Send(p.ep, p.payload); err != nil {
			d.resolve(id, reqResult{err: err})
		}
		return
	}

	// 重试耗尽：NODES 已有部分消息则以部分结果成功
	if p.wantKind == KindNodes && p.received > 0 {
		msg := &Nodes{ID: p.id, Total: uint8(p.received), Records: p.records}
		delete(d.pending, id)
		d.mu.Unlock()
		p.done <- reqResult{msg: msg}
		return
	}
	delete(d.pending, id)
	d.mu.Unlock()
	p.done <- reqResult{err: ErrTimeout}
}

// unregister 移除在途请求并停掉期限计时器
func (d *Dispatcher) unregister(id RequestID) {
	d.mu.Lock()
	if p, ok := d.pending[id]; ok {
		delete(d.pending, id)
		p.timer.Stop()
	}
	d.mu.Unlock()
}

// resolve 以给定结果结束在途请求
func (d *Dispatcher) resolve(id RequestID, r reqResult) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
		p.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		p.done <- r
	}
}

// ============================================================================
//                              响应路径
// ============================================================================

// SendResponse 发出一条响应消息
func (d *Dispatcher) SendResponse(ep types.Endpoint, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return d.sender.Send(ep, payload)
}

// HandleMessage 处理一条已解密的入站消息
//
// 响应按请求 ID 匹配在途请求：来源端点不符或无匹配的响应被
// 静默丢弃；请求交给处理回调。
func (d *Dispatcher) HandleMessage(from types.Endpoint, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		logger.Debug("丢弃无法解析的消息", "peer", from.String())
		return
	}

	switch msg.Kind() {
	case KindPing, KindFindNode:
		d.mu.Lock()
		h := d.handler
		d.mu.Unlock()
		if h != nil {
			h(from, msg)
		}
	case KindPong:
		d.matchResponse(from, msg)
	case KindNodes:
		d.matchNodes(from, msg.(*Nodes))
	}
}

// matchResponse 匹配单消息响应
func (d *Dispatcher) matchResponse(from types.Endpoint, msg Message) {
	d.mu.Lock()
	p, ok := d.pending[msg.RequestID()]
	if !ok || p.ep != from || p.wantKind != msg.Kind() {
		d.mu.Unlock()
		return
	}
	delete(d.pending, p.id)
	p.timer.Stop()
	d.mu.Unlock()
	p.done <- reqResult{msg: msg}
}

// matchNodes 匹配 NODES 响应并重组多消息结果
//
// 首条消息确定期望总数；每收到一条都把期限顺延，收齐后合并
// 返回。Total 为 0 按 1 处理。
func (d *Dispatcher) matchNodes(from types.Endpoint, msg *Nodes) {
	d.mu.Lock()
	p, ok := d.pending[msg.ID]
	if !ok || p.ep != from || p.wantKind != KindNodes {
		d.mu.Unlock()
		return
	}

	if p.total == 0 {
		p.total = int(msg.Total)
		if p.total < 1 {
			p.total = 1
		}
	}
	p.received++
	p.records = append(p.records, msg.Records...)

	if p.received < p.total {
		p.timer.Reset(d.cfg.RequestTimeout)
		d.mu.Unlock()
		return
	}
	delete(d.pending, p.id)
	p.timer.Stop()
	d.mu.Unlock()
	p.done <- reqResult{msg: &Nodes{ID: p.id, Total: uint8(p.total), Records: p.records}}
}
