// Package session 实现按端点划分的握手状态机与认证加密会话
//
// 每个（对端身份，对端地址）端点对应一套方向密钥和 nonce 状态，
// 全部密钥材料由 Manager 独占持有。握手流程：
//
//	无会话发出 ORDINARY（投机加密）→ 对端回 CHALLENGE（新鲜质询）
//	→ 本端回 HANDSHAKE（临时公钥 + 质询签名 + 重发的原消息）
//	→ 双方独立派生方向密钥，会话建立
//
// 对端记录必须先于会话已知（或随握手包携带），否则握手中止：
// 会话总是密码学绑定到一条已验证的节点记录。
package session

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-discv5/internal/packet"
	"github.com/dep2p/go-discv5/pkg/enr"
	"github.com/dep2p/go-discv5/pkg/lib/log"
	"github.com/dep2p/go-discv5/pkg/types"
)

var logger = log.Logger("discv5/session")

// ============================================================================
//                              配置
// ============================================================================

// Config 会话管理配置
type Config struct {
	// CacheSize 会话 LRU 缓存容量
	CacheSize int

	// DecryptFailureLimit 会话拆除前容忍的连续解密失败次数
	DecryptFailureLimit int

	// HandshakeTimeout 签发质询的有效期
	HandshakeTimeout time.Duration

	// PendingQueueLimit 每端点等待握手的消息队列上限
	PendingQueueLimit int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		CacheSize:           1024,
		DecryptFailureLimit: 3,
		HandshakeTimeout:    10 * time.Second,
		PendingQueueLimit:   8,
	}
}

// RecordSource 对端记录查询接口（由路由表实现）
type RecordSource interface {
	// Record 返回指定身份的已验证记录，未知时返回 nil
	Record(id types.NodeID) *enr.Record
}

// ============================================================================
//                              管理器
// ============================================================================

// challengeState 己方签发、等待握手回应的质询
type challengeState struct {
	auth    packet.ChallengeAuth
	expires time.Time
}

// pendingMsg 等待握手完成的单条出站消息
type pendingMsg struct {
	data    []byte
	expires time.Time
}

// pendingMsgs 发起方等待握手完成的出站消息队列
type pendingMsgs struct {
	queue []pendingMsg
}

// prune 丢弃已过期的队首消息
//
// 入队顺序即过期顺序，从队首剥离即可。对端长期不可达时队列
// 随时间清空，恢复可达后投机握手立即重新开始。
func (p *pendingMsgs) prune(now time.Time) {
	i := 0
	for i < len(p.queue) && now.After(p.queue[i].expires) {
		i++
	}
	p.queue = p.queue[i:]
}

// Inbound 一个入站数据报的处理结果
type Inbound struct {
	// From 来源端点
	From types.Endpoint

	// Message 解密出的应用消息，无则为 nil
	Message []byte

	// Record 握手包携带的对端记录（调用方负责写入路由表）
	Record *enr.Record

	// Established 本数据报建立了新会话
	Established bool
}

// Manager 会话管理器
type Manager struct {
	cfg     Config
	local   *enr.LocalRecord
	localID types.NodeID
	records RecordSource
	clk     clock.Clock
	rng     io.Reader

	// locks 串行化同端点的握手与加解密路径
	locks stripedLocks

	// mapMu 保护 map 结构与 nonce 环；会话缓存自带锁
	mapMu      sync.Mutex
	sessions   *lru.Cache[types.Endpoint, *Session]
	challenges map[types.Endpoint]*challengeState
	pendings   map[types.Endpoint]*pendingMsgs

	// sentNonces 近期发往各地址的数据报 nonce。CHALLENGE 必须
	// 回显其中之一才被受理，地址伪造者无法凭空拆除会话状态。
	sentNonces *lru.Cache[string, *nonceRing]
}

// New 创建会话管理器
//
// 会话从不跨进程恢复：每次启动都从空缓存开始。
func New(cfg Config, local *enr.LocalRecord, records RecordSource, clk clock.Clock, rng io.Reader) (*Manager, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.DecryptFailureLimit <= 0 {
		cfg.DecryptFailureLimit = DefaultConfig().DecryptFailureLimit
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.PendingQueueLimit <= 0 {
		cfg.PendingQueueLimit = DefaultConfig().PendingQueueLimit
	}
	cache, err := lru.New[types.Endpoint, *Session](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	nonces, err := lru.New[string, *nonceRing](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		local:      local,
		localID:    local.NodeID(),
		records:    records,
		clk:        clk,
		rng:        rng,
		sessions:   cache,
		challenges: make(map[types.Endpoint]*challengeState),
		pendings:   make(map[types.Endpoint]*pendingMsgs),
		sentNonces: nonces,
	}, nil
}

// Established 检查端点是否有已建立的会话
func (m *Manager) Established(ep types.Endpoint) bool {
	lock := m.locks.forAddr(ep.Addr)
	lock.Lock()
	defer lock.Unlock()
	return m.sessions.Contains(ep)
}

// Remove 显式作废端点会话
func (m *Manager) Remove(ep types.Endpoint) {
	lock := m.locks.forAddr(ep.Addr)
	lock.Lock()
	defer lock.Unlock()
	m.sessions.Remove(ep)
	m.mapMu.Lock()
	delete(m.pendings, ep)
	m.mapMu.Unlock()
}

// ============================================================================
//                              出站路径
// ============================================================================

// Encode 将一条应用消息编码为待发送的数据报
//
// 有会话时产出一个 ORDINARY 包；无会话时消息进入等待队列，
// 同时发出一个以随机密钥投机加密的 ORDINARY 包触发对端质询。
func (m *Manager) Encode(ep types.Endpoint, msg []byte) ([][]byte, error) {
	lock := m.locks.forAddr(ep.Addr)
	lock.Lock()
	defer lock.Unlock()

	if sess, ok := m.sessions.Get(ep); ok {
		wire, err := m.encodeOrdinary(ep, sess, msg)
		if err != nil {
			return nil, err
		}
		return [][]byte{wire}, nil
	}

	// 无会话：入队并投机发送
	m.mapMu.Lock()
	p := m.pendings[ep]
	if p == nil {
		p = &pendingMsgs{}
		m.pendings[ep] = p
	}
	m.mapMu.Unlock()

	now := m.clk.Now()
	p.prune(now)
	if len(p.queue) >= m.cfg.PendingQueueLimit {
		return nil, ErrQueueFull
	}
	p.queue = append(p.queue, pendingMsg{
		data:    append([]byte(nil), msg...),
		expires: now.Add(m.cfg.HandshakeTimeout),
	})

	wire, err := m.encodeSpeculative(ep, msg)
	if err != nil {
		return nil, err
	}
	return [][]byte{wire}, nil
}

// encodeOrdinary 用已建立会话密封一个 ORDINARY 包
func (m *Manager) encodeOrdinary(ep types.Endpoint, sess *Session, msg []byte) ([]byte, error) {
	nonce, err := sess.nextNonce(m.rng)
	if err != nil {
		return nil, err
	}
	h := &packet.Header{Flag: packet.FlagOrdinary, Nonce: nonce, AuthData: packet.OrdinaryAuth(m.localID)}
	wire, err := m.assemble(ep.ID, h, func(headerPlain []byte) ([]byte, error) {
		return sess.Seal(nonce, headerPlain, msg)
	})
	if err != nil {
		return nil, err
	}
	m.noteSentNonce(ep.Addr, nonce)
	return wire, nil
}

// encodeSpeculative 用一次性随机密钥密封一个 ORDINARY 包
//
// 对端必然解密失败并回以 CHALLENGE，由此启动握手。
func (m *Manager) encodeSpeculative(ep types.Endpoint, msg []byte) ([]byte, error) {
	var key [KeySize]byte
	var nonce packet.Nonce
	if _, err := io.ReadFull(m.rng, key[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(m.rng, nonce[:]); err != nil {
		return nil, err
	}
	h := &packet.Header{Flag: packet.FlagOrdinary, Nonce: nonce, AuthData: packet.OrdinaryAuth(m.localID)}
	wire, err := m.assemble(ep.ID, h, func(headerPlain []byte) ([]byte, error) {
		return seal(key, nonce, headerPlain, msg)
	})
	if err != nil {
		return nil, err
	}
	m.noteSentNonce(ep.Addr, nonce)
	return wire, nil
}

// assemble 组装数据报：先取头部明文，再密封消息并拼接
func (m *Manager) assemble(dest types.NodeID, h *packet.Header, sealFn func([]byte) ([]byte, error)) ([]byte, error) {
	var iv [packet.IVSize]byte
	if _, err := io.ReadFull(m.rng, iv[:]); err != nil {
		return nil, err
	}
	wire, headerPlain, err := packet.Encode(dest, h, nil, iv)
	if err != nil {
		return nil, err
	}
	var ct []byte
	if sealFn != nil {
		ct, err = sealFn(headerPlain)
		if err != nil {
			return nil, err
		}
	}
	out := append(wire, ct...)
	if len(out) > packet.MaxPacketSize {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// ============================================================================
//                              入站路径
// ============================================================================

// Decode 处理一个入站数据报
//
// 返回处理结果和需要回发给同一地址的数据报（质询、握手、队列
// 冲刷）。所有协议层失败以错误返回并由调用方丢弃该数据报，
// 绝不影响其他端点的会话。回包与错误可以并存：无法解密的
// ORDINARY 包以 ErrDecrypt 丢弃，同时回发一个 CHALLENGE。
func (m *Manager) Decode(fromAddr string, data []byte) (*Inbound, [][]byte, error) {
	h, headerPlain, msgData, err := packet.Decode(m.localID, data)
	if err != nil {
		return nil, nil, err
	}

	lock := m.locks.forAddr(fromAddr)
	lock.Lock()
	defer lock.Unlock()

	switch h.Flag {
	case packet.FlagOrdinary:
		return m.handleOrdinary(fromAddr, h, headerPlain, msgData)
	case packet.FlagChallenge:
		return m.handleChallenge(fromAddr, h)
	case packet.FlagHandshake:
		return m.handleHandshake(fromAddr, h, headerPlain, msgData)
	default:
		return nil, nil, packet.ErrInvalidPacket
	}
}

// handleOrdinary 处理 ORDINARY 包
func (m *Manager) handleOrdinary(fromAddr string, h *packet.Header, headerPlain, msgData []byte) (*Inbound, [][]byte, error) {
	src, err := packet.ParseOrdinaryAuth(h.AuthData)
	if err != nil {
		return nil, nil, err
	}
	ep := types.Endpoint{ID: src, Addr: fromAddr}

	if sess, ok := m.sessions.Get(ep); ok {
		msg, err := sess.Open(h.Nonce, headerPlain, msgData)
		if err == nil {
			return &Inbound{From: ep, Message: msg}, nil, nil
		}

		sess.decryptFails++
		if sess.decryptFails < m.cfg.DecryptFailureLimit {
			// 容忍瞬时密钥失配，不拆会话也不质询
			return nil, nil, err
		}
		logger.Debug("连续解密失败，拆除会话", "peer", ep.String(), "fails", sess.decryptFails)
		m.sessions.Remove(ep)
	}

	// 无会话（或刚拆除）：签发质询；数据报本身仍按解密失败丢弃
	out, err := m.issueChallenge(ep, h.Nonce)
	if err != nil {
		return nil, nil, err
	}
	return nil, [][]byte{out}, ErrDecrypt
}

// issueChallenge 签发一个新质询并编码 CHALLENGE 包
//
// 同端点的再次质询直接覆盖旧状态：最新质询获胜，不会并存
// 两条派生路径。
func (m *Manager) issueChallenge(ep types.Endpoint, echoNonce packet.Nonce) ([]byte, error) {
	var auth packet.ChallengeAuth
	if _, err := io.ReadFull(m.rng, auth.IDNonce[:]); err != nil {
		return nil, err
	}
	if rec := m.records.Record(ep.ID); rec != nil {
		auth.RecordSeq = rec.Seq()
	}
	m.mapMu.Lock()
	m.challenges[ep] = &challengeState{auth: auth, expires: m.clk.Now().Add(m.cfg.HandshakeTimeout)}
	m.mapMu.Unlock()

	h := &packet.Header{Flag: packet.FlagChallenge, Nonce: echoNonce, AuthData: auth.Encode()}
	return m.assemble(ep.ID, h, nil)
}

// handleChallenge 处理对端质询（本端为握手发起方）
func (m *Manager) handleChallenge(fromAddr string, h *packet.Header) (*Inbound, [][]byte, error) {
	auth, err := packet.ParseChallengeAuth(h.AuthData)
	if err != nil {
		return nil, nil, err
	}

	// 质询必须回显本端近期出站数据报的 nonce。地址可以伪造，
	// 但 nonce 只有真正收到数据报的对端才知道。
	if !m.wasSentNonce(fromAddr, h.Nonce) {
		return nil, nil, ErrHandshake
	}

	// 质询不携带源身份，按地址匹配等待中的端点
	ep, pending, ok := m.pendingByAddr(fromAddr)
	if !ok {
		// 对端丢失会话而本端仍持有：拆除本端会话，待上层重试重新握手
		m.dropSessionsByAddr(fromAddr)
		return nil, nil, ErrHandshake
	}

	peer := m.records.Record(ep.ID)
	if peer == nil {
		// 记录未知则无法绑定身份，握手中止
		m.deletePending(ep)
		logger.Debug("对端记录未知，握手中止", "peer", ep.String())
		return nil, nil, ErrUnknownPeer
	}

	challengeData := auth.Encode()
	ephPriv, ephPub, err := peer.Scheme().Ephemeral(m.rng)
	if err != nil {
		return nil, nil, err
	}
	secret, err := agreeInitiator(peer, ephPriv)
	if err != nil {
		return nil, nil, ErrHandshake
	}
	keys, err := deriveKeys(secret, m.localID, ep.ID, challengeData)
	if err != nil {
		return nil, nil, err
	}
	idSig, err := m.local.Identity().Sign(idSignPayload(challengeData, ephPub, ep.ID))
	if err != nil {
		return nil, nil, err
	}

	hsAuth := &packet.HandshakeAuth{Src: m.localID, IDSignature: idSig, EphemeralKey: ephPub}
	if auth.RecordSeq < m.local.Seq() {
		// 对端持有的序号已过期，随握手附带当前记录
		raw, err := m.local.Record().Encode()
		if err != nil {
			return nil, nil, err
		}
		hsAuth.Record = raw
	}
	authBytes, err := hsAuth.Encode()
	if err != nil {
		return nil, nil, err
	}

	sess := newSession(keys, true)

	// 原始消息随握手包重发
	first := pending.queue[0].data
	nonce, err := sess.nextNonce(m.rng)
	if err != nil {
		return nil, nil, err
	}
	hsHeader := &packet.Header{Flag: packet.FlagHandshake, Nonce: nonce, AuthData: authBytes}
	wire, err := m.assemble(ep.ID, hsHeader, func(headerPlain []byte) ([]byte, error) {
		return sess.Seal(nonce, headerPlain, first)
	})
	if err != nil {
		return nil, nil, err
	}
	m.noteSentNonce(ep.Addr, nonce)
	out := [][]byte{wire}

	// 队列中的后续消息以新会话冲刷
	for _, pm := range pending.queue[1:] {
		w, err := m.encodeOrdinary(ep, sess, pm.data)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, w)
	}

	m.sessions.Add(ep, sess)
	m.deletePending(ep)
	logger.Debug("会话已建立（发起方）", "peer", ep.String())
	return &Inbound{From: ep, Established: true}, out, nil
}

// handleHandshake 处理握手完成包（本端为质询签发方）
func (m *Manager) handleHandshake(fromAddr string, h *packet.Header, headerPlain, msgData []byte) (*Inbound, [][]byte, error) {
	auth, err := packet.ParseHandshakeAuth(h.AuthData)
	if err != nil {
		return nil, nil, err
	}
	ep := types.Endpoint{ID: auth.Src, Addr: fromAddr}

	m.mapMu.Lock()
	ch := m.challenges[ep]
	if ch == nil || m.clk.Now().After(ch.expires) {
		delete(m.challenges, ep)
		m.mapMu.Unlock()
		// 无在途质询或质询过期：视为重放，拒绝
		return nil, nil, ErrHandshake
	}
	m.mapMu.Unlock()
	challengeData := ch.auth.Encode()

	// 解析对端记录：优先采用握手携带的，否则查路由表
	var rec *enr.Record
	if len(auth.Record) > 0 {
		rec, err = enr.Decode(auth.Record)
		if err != nil || rec.NodeID() != ep.ID {
			return nil, nil, ErrHandshake
		}
	} else if rec = m.records.Record(ep.ID); rec == nil {
		return nil, nil, ErrUnknownPeer
	}

	// 质询签名校验：绑定到对端记录身份
	if err := enr.VerifyDetached(rec, idSignPayload(challengeData, auth.EphemeralKey, m.localID), auth.IDSignature); err != nil {
		logger.Debug("质询签名校验失败", "peer", ep.String())
		return nil, nil, ErrHandshake
	}

	secret, err := m.local.Identity().StaticAgree(auth.EphemeralKey)
	if err != nil {
		return nil, nil, ErrHandshake
	}
	keys, err := deriveKeys(secret, ep.ID, m.localID, challengeData)
	if err != nil {
		return nil, nil, err
	}
	sess := newSession(keys, false)

	msg, err := sess.Open(h.Nonce, headerPlain, msgData)
	if err != nil {
		// 嵌入消息解密失败：密钥不一致，不建立会话
		return nil, nil, ErrHandshake
	}

	m.sessions.Add(ep, sess)
	m.mapMu.Lock()
	delete(m.challenges, ep)
	m.mapMu.Unlock()
	logger.Debug("会话已建立（响应方）", "peer", ep.String())

	inb := &Inbound{From: ep, Message: msg, Established: true}
	if len(auth.Record) > 0 {
		inb.Record = rec
	}
	return inb, nil, nil
}

// pendingByAddr 按地址查找等待握手的端点
func (m *Manager) pendingByAddr(addr string) (types.Endpoint, *pendingMsgs, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	now := m.clk.Now()
	for ep, p := range m.pendings {
		if ep.Addr != addr {
			continue
		}
		p.prune(now)
		if len(p.queue) > 0 {
			return ep, p, true
		}
	}
	return types.Endpoint{}, nil, false
}

// deletePending 移除端点的等待队列
func (m *Manager) deletePending(ep types.Endpoint) {
	m.mapMu.Lock()
	delete(m.pendings, ep)
	m.mapMu.Unlock()
}

// dropSessionsByAddr 作废指定地址上的全部会话
func (m *Manager) dropSessionsByAddr(addr string) {
	for _, ep := range m.sessions.Keys() {
		if ep.Addr == addr {
			m.sessions.Remove(ep)
		}
	}
}

// ============================================================================
//                              出站 nonce 记录
// ============================================================================

// sentNonceWindow 每地址保留的近期出站 nonce 数量
const sentNonceWindow = 32

// nonceRing 固定容量的 nonce 环形记录
type nonceRing struct {
	buf  [sentNonceWindow]packet.Nonce
	n    int
	next int
}

func (r *nonceRing) add(nonce packet.Nonce) {
	r.buf[r.next] = nonce
	r.next = (r.next + 1) % sentNonceWindow
	if r.n < sentNonceWindow {
		r.n++
	}
}

func (r *nonceRing) contains(nonce packet.Nonce) bool {
	for i := 0; i < r.n; i++ {
		if r.buf[i] == nonce {
			return true
		}
	}
	return false
}

// noteSentNonce 记录一个发往指定地址的数据报 nonce
func (m *Manager) noteSentNonce(addr string, nonce packet.Nonce) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	r, ok := m.sentNonces.Get(addr)
	if !ok {
		r = &nonceRing{}
		m.sentNonces.Add(addr, r)
	}
	r.add(nonce)
}

// wasSentNonce 检查 nonce 是否出自近期发往该地址的数据报
func (m *Manager) wasSentNonce(addr string, nonce packet.Nonce) bool {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	r, ok := m.sentNonces.Get(addr)
	return ok && r.contains(nonce)
}
