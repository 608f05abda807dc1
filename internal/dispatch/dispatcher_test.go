package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-discv5/pkg/types"
)

// mockSender 发送桩，记录全部出站载荷
type mockSender struct {
	mu   sync.Mutex
	sent []types.Endpoint
	err  error
}

func (s *mockSender) Send(ep types.Endpoint, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, ep)
	return nil
}

func (s *mockSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testEndpoint(b byte) types.Endpoint {
	var id types.NodeID
	id[0] = b
	return types.Endpoint{ID: id, Addr: "192.0.2.1:9000"}
}

// result 异步请求的结果通道
type result struct {
	msg Message
	err error
}

// sendAsync 在后台发起请求，等待它注册完成后返回结果通道
func sendAsync(t *testing.T, d *Dispatcher, sender *mockSender, ep types.Endpoint, msg Message) <-chan result {
	t.Helper()
	before := sender.count()
	ch := make(chan result, 1)
	go func() {
		m, err := d.SendRequest(context.Background(), ep, msg)
		ch <- result{m, err}
	}()
	require.Eventually(t, func() bool { return sender.count() > before },
		time.Second, time.Millisecond, "请求未发出")
	return ch
}

func rawRecord(t *testing.T, s string) rlp.RawValue {
	t.Helper()
	raw, err := rlp.EncodeToBytes(s)
	require.NoError(t, err)
	return raw
}

// ============================================================================
// 请求/响应关联测试
// ============================================================================

// TestDispatcher_PingPong 测试 PING/PONG 关联
func TestDispatcher_PingPong(t *testing.T) {
	mock := clock.NewMock()
	sender := &mockSender{}
	d := New(DefaultConfig(), mock, sender)
	defer d.Close()

	ep := testEndpoint(1)
	ping := &Ping{ID: NewRequestID(), Seq: 7}
	ch := sendAsync(t, d, sender, ep, ping)

	// 以编码往返的方式投递响应
	payload, err := EncodeMessage(&Pong{ID: ping.ID, Seq: 9})
	require.NoError(t, err)
	d.HandleMessage(ep, payload)

	r := <-ch
	require.NoError(t, r.err)
	pong, ok := r.msg.(*Pong)
	require.True(t, ok)
	assert.Equal(t, uint64(9), pong.Seq)

	t.Log("✅ PING/PONG 按请求 ID 关联")
}

// TestDispatcher_TimeoutRetry 测试超时重试与最终超时
func TestDispatcher_TimeoutRetry(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{RequestTimeout: time.Second, RequestRetries: 1}
	sender := &mockSender{}
	d := New(cfg, mock, sender)
	defer d.Close()

	ep := testEndpoint(1)
	ch := sendAsync(t, d, sender, ep, &Ping{ID: NewRequestID()})

	// 第一次期限：重试（同一请求重新发送）
	mock.Add(cfg.RequestTimeout)
	require.Eventually(t, func() bool { return sender.count() == 2 },
		time.Second, time.Millisecond, "超时后应重试")

	// 第二次期限：重试耗尽
	mock.Add(cfg.RequestTimeout)
	r := <-ch
	assert.ErrorIs(t, r.err, ErrTimeout)

	t.Log("✅ 超时重试与最终超时正确")
}

// TestDispatcher_WrongSourceDropped 测试响应来源不符被丢弃
func TestDispatcher_WrongSourceDropped(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{RequestTimeout: time.Second, RequestRetries: 0}
	sender := &mockSender{}
	d := New(cfg, mock, sender)
	defer d.Close()

	ep := testEndpoint(1)
	ping := &Ping{ID: NewRequestID()}
	ch := sendAsync(t, d, sender, ep, ping)

	// 正确的请求 ID，但来自另一个端点：丢弃
	payload, err := EncodeMessage(&Pong{ID: ping.ID})
	require.NoError(t, err)
	d.HandleMessage(testEndpoint(2), payload)

	mock.Add(cfg.RequestTimeout)
	r := <-ch
	assert.ErrorIs(t, r.err, ErrTimeout)

	t.Log("✅ 来源不符的响应被丢弃")
}

// TestDispatcher_MultiNodes 测试多消息 NODES 重组
func TestDispatcher_MultiNodes(t *testing.T) {
	mock := clock.NewMock()
	sender := &mockSender{}
	d := New(DefaultConfig(), mock, sender)
	defer d.Close()

	ep := testEndpoint(1)
	req := &FindNode{ID: NewRequestID(), Distances: []uint{255}}
	ch := sendAsync(t, d, sender, ep, req)

	p1, err := EncodeMessage(&Nodes{ID: req.ID, Total: 2, Records: []rlp.RawValue{rawRecord(t, "a"), rawRecord(t, "b")}})
	require.NoError(t, err)
	p2, err := EncodeMessage(&Nodes{ID: req.ID, Total: 2, Records: []rlp.RawValue{rawRecord(t, "c")}})
	require.NoError(t, err)

	d.HandleMessage(ep, p1)
	select {
	case <-ch:
		t.Fatal("未收齐不应返回")
	default:
	}
	d.HandleMessage(ep, p2)

	r := <-ch
	require.NoError(t, r.err)
	nodes := r.msg.(*Nodes)
	assert.Len(t, nodes.Records, 3)

	t.Log("✅ 多消息 NODES 重组正确")
}

// TestDispatcher_PartialNodes 测试超时后以部分 NODES 结果返回
func TestDispatcher_PartialNodes(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{RequestTimeout: time.Second, RequestRetries: 1}
	sender := &mockSender{}
	d := New(cfg, mock, sender)
	defer d.Close()

	ep := testEndpoint(1)
	req := &FindNode{ID: NewRequestID(), Distances: []uint{255}}
	ch := sendAsync(t, d, sender, ep, req)

	// 三条中只到了一条
	p1, err := EncodeMessage(&Nodes{ID: req.ID, Total: 3, Records: []rlp.RawValue{rawRecord(t, "a")}})
	require.NoError(t, err)
	d.HandleMessage(ep, p1)

	// 重试一次后最终超时：已有部分结果，成功返回
	mock.Add(cfg.RequestTimeout)
	require.Eventually(t, func() bool { return sender.count() == 2 },
		time.Second, time.Millisecond)
	mock.Add(cfg.RequestTimeout)

	r := <-ch
	require.NoError(t, r.err)
	nodes := r.msg.(*Nodes)
	assert.Len(t, nodes.Records, 1)

	t.Log("✅ 部分 NODES 结果在超时后返回")
}

// TestDispatcher_RequestToHandler 测试入站请求交给处理回调
func TestDispatcher_RequestToHandler(t *testing.T) {
	mock := clock.NewMock()
	sender := &mockSender{}
	d := New(DefaultConfig(), mock, sender)
	defer d.Close()

	var mu sync.Mutex
	var got []Message
	d.SetHandler(func(from types.Endpoint, msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	ep := testEndpoint(1)
	ping, err := EncodeMessage(&Ping{ID: NewRequestID(), Seq: 3})
	require.NoError(t, err)
	find, err := EncodeMessage(&FindNode{ID: NewRequestID(), Distances: []uint{1, 2}})
	require.NoError(t, err)
	d.HandleMessage(ep, ping)
	d.HandleMessage(ep, find)

	// 无法解析的消息静默丢弃
	d.HandleMessage(ep, []byte{0xFF, 0x01})
	d.HandleMessage(ep, nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, KindPing, got[0].Kind())
	assert.Equal(t, KindFindNode, got[1].Kind())
	fn := got[1].(*FindNode)
	assert.Equal(t, []uint{1, 2}, fn.Distances)

	t.Log("✅ 入站请求路由到处理回调")
}

// TestDispatcher_Cancel 测试 ctx 取消立即释放请求
func TestDispatcher_Cancel(t *testing.T) {
	mock := clock.NewMock()
	sender := &mockSender{}
	d := New(DefaultConfig(), mock, sender)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan result, 1)
	go func() {
		m, err := d.SendRequest(ctx, testEndpoint(1), &Ping{ID: NewRequestID()})
		ch <- result{m, err}
	}()
	require.Eventually(t, func() bool { return sender.count() == 1 },
		time.Second, time.Millisecond)

	cancel()
	r := <-ch
	assert.ErrorIs(t, r.err, ErrCanceled)

	t.Log("✅ 取消立即释放在途请求")
}

// TestDispatcher_Close 测试关闭时在途请求全部结束
func TestDispatcher_Close(t *testing.T) {
	mock := clock.NewMock()
	sender := &mockSender{}
	d := New(DefaultConfig(), mock, sender)

	ch := sendAsync(t, d, sender, testEndpoint(1), &Ping{ID: NewRequestID()})
	d.Close()

	r := <-ch
	assert.ErrorIs(t, r.err, ErrClosed)

	// 关闭后的新请求直接报错
	_, err := d.SendRequest(context.Background(), testEndpoint(1), &Ping{ID: NewRequestID()})
	assert.ErrorIs(t, err, ErrClosed)

	t.Log("✅ 关闭语义正确")
}

// TestMessage_EncodeDecode 测试消息编解码往返
func TestMessage_EncodeDecode(t *testing.T) {
	msgs := []Message{
		&Ping{ID: NewRequestID(), Seq: 42},
		&Pong{ID: NewRequestID(), Seq: 0},
		&FindNode{ID: NewRequestID(), Distances: []uint{0, 255, 256}},
		&Nodes{ID: NewRequestID(), Total: 2, Records: []rlp.RawValue{rawRecord(t, "rec")}},
	}
	for _, m := range msgs {
		enc, err := EncodeMessage(m)
		require.NoError(t, err)
		dec, err := DecodeMessage(enc)
		require.NoError(t, err)
		assert.Equal(t, m.Kind(), dec.Kind())
		assert.Equal(t, m.RequestID(), dec.RequestID())
	}

	// 未知类型字节
	_, err := DecodeMessage([]byte{0x7F, 0xC0})
	assert.ErrorIs(t, err, ErrBadMessage)

	t.Log("✅ 消息编解码往返正确")
}
