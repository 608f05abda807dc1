// Package dispatch 实现请求/响应关联与 RPC 消息编解码
//
// 应用层消息承载在加密载荷内：请求 ID（不透明关联令牌）+
// 消息类型判别字节 + 类型专属字段（RLP 编码）。出站请求登记
// 到期限表，入站响应按请求 ID 匹配；超时以同一请求 ID 重试，
// 重试耗尽后向调用方报告 Timeout。
package dispatch

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
)

// ============================================================================
//                              消息类型
// ============================================================================

// Kind 消息类型
type Kind byte

const (
	// KindPing 存活探测请求
	KindPing Kind = iota + 1
	// KindPong 存活探测响应
	KindPong
	// KindFindNode 最近节点查询请求
	KindFindNode
	// KindNodes 最近节点查询响应
	KindNodes
)

// String 返回消息类型的字符串表示
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindFindNode:
		return "FINDNODE"
	case KindNodes:
		return "NODES"
	default:
		return "UNKNOWN"
	}
}

// MaxRecordsPerNodes 单个 NODES 消息承载的记录上限
//
// 记录编码上限 300 字节，3 条连同包头稳妥落在数据报上限内；
// 更大的结果集拆成多个消息，以 Total 字段标注总消息数。
const MaxRecordsPerNodes = 3

// ============================================================================
//                              请求 ID
// ============================================================================

// RequestIDSize 请求 ID 长度
const RequestIDSize = 16

// RequestID 不透明关联令牌
type RequestID [RequestIDSize]byte

// NewRequestID 生成随机请求 ID
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

// ============================================================================
//                              消息定义
// ============================================================================

// Message RPC 消息
type Message interface {
	// Kind 消息类型
	Kind() Kind

	// RequestID 关联令牌
	RequestID() RequestID
}

// Ping 存活探测请求，携带发送方记录序号
type Ping struct {
	ID  RequestID
	Seq uint64
}

func (p *Ping) Kind() Kind           { return KindPing }
func (p *Ping) RequestID() RequestID { return p.ID }

// Pong 存活探测响应，携带响应方记录序号
type Pong struct {
	ID  RequestID
	Seq uint64
}

func (p *Pong) Kind() Kind           { return KindPong }
func (p *Pong) RequestID() RequestID { return p.ID }

// FindNode 最近节点查询，按感兴趣的距离桶取节点
type FindNode struct {
	ID        RequestID
	Distances []uint
}

func (f *FindNode) Kind() Kind           { return KindFindNode }
func (f *FindNode) RequestID() RequestID { return f.ID }

// Nodes 最近节点响应
//
// 大结果集拆成 Total 个消息；记录以原始编码承载，逐条校验
// 由消费方（查找引擎）负责，损坏的记录静默丢弃。
type Nodes struct {
	ID      RequestID
	Total   uint8
	Records []rlp.RawValue
}

func (n *Nodes) Kind() Kind           { return KindNodes }
func (n *Nodes) RequestID() RequestID { return n.ID }

// ============================================================================
//                              编解码
// ============================================================================

// 线缆格式消息体
type pingBody struct {
	ID  []byte
	Seq uint64
}

type findNodeBody struct {
	ID        []byte
	Distances []uint
}

type nodesBody struct {
	ID      []byte
	Total   uint8
	Records []rlp.RawValue
}

// EncodeMessage 编码消息：类型字节 + RLP 消息体
func EncodeMessage(msg Message) ([]byte, error) {
	id := msg.RequestID()
	var body interface{}
	switch m := msg.(type) {
	case *Ping:
		body = &pingBody{ID: id[:], Seq: m.Seq}
	case *Pong:
		body = &pingBody{ID: id[:], Seq: m.Seq}
	case *FindNode:
		body = &findNodeBody{ID: id[:], Distances: m.Distances}
	case *Nodes:
		body = &nodesBody{ID: id[:], Total: m.Total, Records: m.Records}
	default:
		return nil, ErrBadMessage
	}
	enc, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(enc))
	out = append(out, byte(msg.Kind()))
	return append(out, enc...), nil
}

// DecodeMessage 解码消息
//
// 任何格式问题返回 ErrBadMessage；调用方丢弃该消息。
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, ErrBadMessage
	}
	kind, body := Kind(data[0]), data[1:]

	parseID := func(b []byte) (RequestID, bool) {
		if len(b) != RequestIDSize {
			return RequestID{}, false
		}
		return RequestID(b), true
	}

	switch kind {
	case KindPing, KindPong:
		var pb pingBody
		if err := rlp.DecodeBytes(body, &pb); err != nil {
			return nil, ErrBadMessage
		}
		id, ok := parseID(pb.ID)
		if !ok {
			return nil, ErrBadMessage
		}
		if kind == KindPing {
			return &Ping{ID: id, Seq: pb.Seq}, nil
		}
		return &Pong{ID: id, Seq: pb.Seq}, nil

	case KindFindNode:
		var fb findNodeBody
		if err := rlp.DecodeBytes(body, &fb); err != nil {
			return nil, ErrBadMessage
		}
		id, ok := parseID(fb.ID)
		if !ok {
			return nil, ErrBadMessage
		}
		return &FindNode{ID: id, Distances: fb.Distances}, nil

	case KindNodes:
		var nb nodesBody
		if err := rlp.DecodeBytes(body, &nb); err != nil {
			return nil, ErrBadMessage
		}
		id, ok := parseID(nb.ID)
		if !ok {
			return nil, ErrBadMessage
		}
		return &Nodes{ID: id, Total: nb.Total, Records: nb.Records}, nil

	default:
		return nil, ErrBadMessage
	}
}
