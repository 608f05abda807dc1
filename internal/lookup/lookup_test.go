package lookup

import (
	"context"
	"crypto/rand"
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-discv5/internal/table"
	"github.com/dep2p/go-discv5/pkg/enr"
	"github.com/dep2p/go-discv5/pkg/types"
)

// fakeNode 模拟网络中的单个节点
type fakeNode struct {
	rec  *enr.Record
	addr string
}

// fakeNet 模拟网络
//
// 被查询的节点从全网中取距目标最近的 respSize 个节点作答，
// 模拟一张充分填充的路由表。
type fakeNet struct {
	mu       sync.Mutex
	nodes    map[types.NodeID]*fakeNode
	down     map[types.NodeID]bool
	respSize int
	calls    int
}

func newFakeNet(t *testing.T, n, respSize int) *fakeNet {
	t.Helper()
	net_ := &fakeNet{
		nodes:    make(map[types.NodeID]*fakeNode),
		down:     make(map[types.NodeID]bool),
		respSize: respSize,
	}

	for i := 0; i < n; i++ {
		id, err := enr.GenerateEd25519(rand.Reader)
		require.NoError(t, err)
		local, err := enr.NewLocalRecord(id, map[string][]byte{
			enr.KeyIP:  enr.IPEntry(net.ParseIP("192.0.2.1")),
			enr.KeyUDP: enr.PortEntry(uint16(9000 + i)),
		})
		require.NoError(t, err)
		rec := local.Record()
		addr, ok := rec.UDPAddr()
		require.True(t, ok)
		net_.nodes[rec.NodeID()] = &fakeNode{rec: rec, addr: addr}
	}
	return net_
}

// closestTo 暴力求距 target 最近的 n 个节点（排除 exclude）
func (f *fakeNet) closestTo(target types.NodeID, n int, exclude types.NodeID) []types.NodeID {
	var ids []types.NodeID
	for id := range f.nodes {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return table.CompareDistance(ids[i], ids[j], target) < 0
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// FindNodes 实现 Querier：返回被问节点已知的距目标最近的记录
func (f *fakeNet) FindNodes(ctx context.Context, ep types.Endpoint, target types.NodeID) ([][]byte, error) {
	f.mu.Lock()
	f.calls++
	_, ok := f.nodes[ep.ID]
	isDown := f.down[ep.ID]
	f.mu.Unlock()

	if !ok || isDown {
		return nil, context.DeadlineExceeded
	}
	var out [][]byte
	for _, id := range f.closestTo(target, f.respSize, ep.ID) {
		raw, err := f.nodes[id].rec.Encode()
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// seedsFor 取若干节点作为查找种子
func (f *fakeNet) seedsFor(n int) []table.Entry {
	var seeds []table.Entry
	for _, node := range f.nodes {
		seeds = append(seeds, table.Entry{Record: node.rec, Addr: node.addr})
		if len(seeds) == n {
			break
		}
	}
	return seeds
}

// ============================================================================
// 查找收敛测试
// ============================================================================

// TestLookup_Convergence 测试查找结果与全局暴力排序一致
func TestLookup_Convergence(t *testing.T) {
	const k = 8
	net_ := newFakeNet(t, 24, k)

	var self types.NodeID
	eng := New(Config{Alpha: 3, ResultCount: k, MaxRounds: 16}, self, net_, nil)

	var target types.NodeID
	_, err := rand.Read(target[:])
	require.NoError(t, err)

	results := eng.Run(context.Background(), target, net_.seedsFor(3))
	require.Len(t, results, k)

	// 结果按距离升序
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t,
			table.CompareDistance(results[i-1].NodeID(), results[i].NodeID(), target), 0)
	}

	// 与全局最近 K 个一致
	want := net_.closestTo(target, k, types.NodeID{})
	var got []types.NodeID
	for _, r := range results {
		got = append(got, r.NodeID())
	}
	assert.ElementsMatch(t, want, got)

	t.Log("✅ 查找收敛到全局最近 K 个节点")
}

// TestLookup_ToleratesFailedPeers 测试部分节点失效时查找仍推进
func TestLookup_ToleratesFailedPeers(t *testing.T) {
	const k = 8
	net_ := newFakeNet(t, 24, k)

	// 打掉三分之一的节点
	i := 0
	for id := range net_.nodes {
		if i%3 == 0 {
			net_.down[id] = true
		}
		i++
	}

	var self types.NodeID
	eng := New(Config{Alpha: 3, ResultCount: k, MaxRounds: 16}, self, net_, nil)

	var target types.NodeID
	_, err := rand.Read(target[:])
	require.NoError(t, err)

	results := eng.Run(context.Background(), target, net_.seedsFor(6))

	// 结果非空且不含失效节点
	assert.NotEmpty(t, results)
	for _, r := range results {
		assert.False(t, net_.down[r.NodeID()], "失效节点不应出现在结果中")
	}

	t.Log("✅ 失效节点不阻塞查找")
}

// malformedQuerier 混入垃圾记录的查询桩
type malformedQuerier struct {
	inner Querier
}

func (m *malformedQuerier) FindNodes(ctx context.Context, ep types.Endpoint, target types.NodeID) ([][]byte, error) {
	raws, err := m.inner.FindNodes(ctx, ep, target)
	if err != nil {
		return nil, err
	}
	// 在真实记录之间混入各种垃圾
	out := [][]byte{nil, []byte("garbage"), {0xC0}}
	for _, r := range raws {
		out = append(out, r)
		bad := append([]byte(nil), r...)
		bad[len(bad)/2] ^= 0xFF
		out = append(out, bad)
	}
	return out, nil
}

// TestLookup_DropsMalformedRecords 测试损坏记录被静默丢弃
func TestLookup_DropsMalformedRecords(t *testing.T) {
	const k = 8
	net_ := newFakeNet(t, 16, k)

	var seen []types.NodeID
	var mu sync.Mutex
	onRecord := func(rec *enr.Record, addr string) {
		mu.Lock()
		seen = append(seen, rec.NodeID())
		mu.Unlock()
	}

	var self types.NodeID
	eng := New(Config{Alpha: 3, ResultCount: k, MaxRounds: 16}, self,
		&malformedQuerier{inner: net_}, onRecord)

	var target types.NodeID
	_, err := rand.Read(target[:])
	require.NoError(t, err)

	results := eng.Run(context.Background(), target, net_.seedsFor(3))
	require.NotEmpty(t, results)

	// 回调只见到通过校验的记录
	mu.Lock()
	defer mu.Unlock()
	for _, id := range seen {
		_, ok := net_.nodes[id]
		assert.True(t, ok, "回调中出现伪造身份")
	}

	t.Log("✅ 损坏记录被静默丢弃")
}

// endlessQuerier 每次都编造新的有效记录，诱导查找无限追逐
type endlessQuerier struct {
	t     *testing.T
	mu    sync.Mutex
	calls int
}

func (e *endlessQuerier) FindNodes(ctx context.Context, ep types.Endpoint, target types.NodeID) ([][]byte, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	var out [][]byte
	for i := 0; i < 3; i++ {
		id, err := enr.GenerateEd25519(rand.Reader)
		require.NoError(e.t, err)
		local, err := enr.NewLocalRecord(id, map[string][]byte{
			enr.KeyIP:  enr.IPEntry(net.ParseIP("192.0.2.2")),
			enr.KeyUDP: enr.PortEntry(9999),
		})
		require.NoError(e.t, err)
		raw, err := local.Record().Encode()
		require.NoError(e.t, err)
		out = append(out, raw)
	}
	return out, nil
}

// TestLookup_RoundBound 测试轮数上限强制终止
func TestLookup_RoundBound(t *testing.T) {
	net_ := newFakeNet(t, 4, 3)
	q := &endlessQuerier{t: t}

	cfg := Config{Alpha: 2, ResultCount: 4, MaxRounds: 3}
	var self types.NodeID
	eng := New(cfg, self, q, nil)

	var target types.NodeID
	_, err := rand.Read(target[:])
	require.NoError(t, err)

	// 即使每轮都出现更近的新候选，也必须在轮数上限内终止
	eng.Run(context.Background(), target, net_.seedsFor(2))

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.LessOrEqual(t, q.calls, cfg.Alpha*cfg.MaxRounds)

	t.Log("✅ 轮数上限强制终止")
}

// TestLookup_ContextCancel 测试取消后返回部分结果
func TestLookup_ContextCancel(t *testing.T) {
	const k = 8
	net_ := newFakeNet(t, 16, k)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var self types.NodeID
	eng := New(Config{Alpha: 3, ResultCount: k, MaxRounds: 16}, self, net_, nil)

	var target types.NodeID
	_, err := rand.Read(target[:])
	require.NoError(t, err)

	// 取消的 ctx：立即返回，不发起任何查询
	results := eng.Run(ctx, target, net_.seedsFor(3))
	assert.Empty(t, results)

	net_.mu.Lock()
	defer net_.mu.Unlock()
	assert.Equal(t, 0, net_.calls)

	t.Log("✅ 取消立即终止查找")
}
