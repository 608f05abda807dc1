package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dep2p/go-discv5/internal/packet"
	"github.com/dep2p/go-discv5/pkg/enr"
	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              密钥派生与 AEAD
// ============================================================================

const (
	// KeySize 方向密钥长度
	KeySize = 16

	// kdfInfo 密钥派生标签
	kdfInfo = "dp5 handshake keys"

	// idSignLabel 质询签名标签
	idSignLabel = "dp5-id-signature"
)

// sessionKeys 一次握手派生出的两个方向密钥
type sessionKeys struct {
	initiatorKey [KeySize]byte
	responderKey [KeySize]byte
}

// deriveKeys 由共享秘密派生方向密钥
//
// HKDF-SHA256：salt 为质询数据，info 绑定双方身份，保证同一
// 秘密在不同会话上下文中派生出不同密钥。
func deriveKeys(secret []byte, initiator, responder types.NodeID, challengeData []byte) (sessionKeys, error) {
	info := make([]byte, 0, len(kdfInfo)+types.IDSize*2)
	info = append(info, kdfInfo...)
	info = append(info, initiator[:]...)
	info = append(info, responder[:]...)

	var keys sessionKeys
	r := hkdf.New(sha256.New, secret, challengeData, info)
	if _, err := io.ReadFull(r, keys.initiatorKey[:]); err != nil {
		return keys, err
	}
	if _, err := io.ReadFull(r, keys.responderKey[:]); err != nil {
		return keys, err
	}
	return keys, nil
}

// idSignPayload 构造质询签名载荷
//
// 签名绑定质询数据、临时公钥与目的身份，防止签名被移植到
// 其他握手上下文。
func idSignPayload(challengeData, ephemeralPub []byte, dest types.NodeID) []byte {
	out := make([]byte, 0, len(idSignLabel)+len(challengeData)+len(ephemeralPub)+types.IDSize)
	out = append(out, idSignLabel...)
	out = append(out, challengeData...)
	out = append(out, ephemeralPub...)
	out = append(out, dest[:]...)
	return out
}

// seal AES-GCM 密封消息，nonce 取头部 nonce，关联数据为头部明文
func seal(key [KeySize]byte, nonce packet.Nonce, headerPlain, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], msg, headerPlain), nil
}

// open AES-GCM 解封消息
func open(key [KeySize]byte, nonce packet.Nonce, headerPlain, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	msg, err := aead.Open(nil, nonce[:], ct, headerPlain)
	if err != nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}

// agreeInitiator 发起方密钥协商：己方临时私钥 × 对端静态公钥
//
// 临时密钥生成在对端记录声明的方案曲线上；方案由记录决定。
func agreeInitiator(peer *enr.Record, ephPriv []byte) ([]byte, error) {
	return peer.Scheme().Agree(ephPriv, peer.PublicKey())
}
