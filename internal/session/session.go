package session

import (
	"encoding/binary"
	"io"

	"github.com/dep2p/go-discv5/internal/packet"
)

// ============================================================================
//                              单个会话
// ============================================================================

// Session 与单个端点共享的方向密钥与 nonce 状态
//
// 仅由 Manager 持有；路由表与查找引擎从不接触密钥材料。
// 字段由 Manager 的端点级锁保护。
type Session struct {
	readKey  [KeySize]byte
	writeKey [KeySize]byte

	// sendCounter 发送 nonce 计数器，严格递增
	sendCounter uint32

	// recvCounter 已见到的最大接收计数器，重放检测依据
	recvCounter uint32
	recvSeen    bool

	// decryptFails 连续解密失败次数
	decryptFails int
}

// newSession 按握手角色装配方向密钥
func newSession(keys sessionKeys, isInitiator bool) *Session {
	s := &Session{}
	if isInitiator {
		s.writeKey = keys.initiatorKey
		s.readKey = keys.responderKey
	} else {
		s.writeKey = keys.responderKey
		s.readKey = keys.initiatorKey
	}
	return s
}

// nextNonce 生成下一个发送 nonce：计数器 +1，随机尾部
func (s *Session) nextNonce(rng io.Reader) (packet.Nonce, error) {
	var n packet.Nonce
	s.sendCounter++
	binary.BigEndian.PutUint32(n[:4], s.sendCounter)
	if _, err := io.ReadFull(rng, n[4:]); err != nil {
		return n, err
	}
	return n, nil
}

// Seal 用写密钥密封一条出站消息
func (s *Session) Seal(nonce packet.Nonce, headerPlain, msg []byte) ([]byte, error) {
	return seal(s.writeKey, nonce, headerPlain, msg)
}

// Open 用读密钥解封一条入站消息
//
// nonce 计数器必须严格大于此前见过的任何值，否则视为重放并
// 立即失败，不做解密尝试。计数器仅在成功解密后推进。
func (s *Session) Open(nonce packet.Nonce, headerPlain, ct []byte) ([]byte, error) {
	counter := nonce.Counter()
	if s.recvSeen && counter <= s.recvCounter {
		return nil, ErrDecrypt
	}
	msg, err := open(s.readKey, nonce, headerPlain, ct)
	if err != nil {
		return nil, err
	}
	s.recvCounter = counter
	s.recvSeen = true
	s.decryptFails = 0
	return msg, nil
}
