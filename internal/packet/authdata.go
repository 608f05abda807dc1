package packet

import (
	"encoding/binary"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              authdata 编解码
// ============================================================================

const (
	// OrdinaryAuthSize 普通包 authdata 长度（源节点身份）
	OrdinaryAuthSize = types.IDSize

	// ChallengeAuthSize 质询包 authdata 长度（质询随机数 + 记录序号）
	ChallengeAuthSize = IDNonceSize + 8

	// handshakeAuthMin 握手包 authdata 最小长度：源身份 + 两个长度字节
	handshakeAuthMin = types.IDSize + 2
)

// OrdinaryAuth 编码普通包 authdata
func OrdinaryAuth(src types.NodeID) []byte {
	return append([]byte(nil), src[:]...)
}

// ParseOrdinaryAuth 解析普通包 authdata
func ParseOrdinaryAuth(auth []byte) (types.NodeID, error) {
	if len(auth) != OrdinaryAuthSize {
		return types.EmptyNodeID, ErrInvalidPacket
	}
	return types.NodeIDFromBytes(auth)
}

// ChallengeAuth 质询包 authdata
type ChallengeAuth struct {
	// IDNonce 质询随机数
	IDNonce [IDNonceSize]byte

	// RecordSeq 质询方已知的对端记录序号（未知时为 0）
	RecordSeq uint64
}

// Encode 编码质询 authdata
func (c *ChallengeAuth) Encode() []byte {
	out := make([]byte, ChallengeAuthSize)
	copy(out[:IDNonceSize], c.IDNonce[:])
	binary.BigEndian.PutUint64(out[IDNonceSize:], c.RecordSeq)
	return out
}

// ParseChallengeAuth 解析质询 authdata
func ParseChallengeAuth(auth []byte) (*ChallengeAuth, error) {
	if len(auth) != ChallengeAuthSize {
		return nil, ErrInvalidPacket
	}
	c := &ChallengeAuth{RecordSeq: binary.BigEndian.Uint64(auth[IDNonceSize:])}
	copy(c.IDNonce[:], auth[:IDNonceSize])
	return c, nil
}

// HandshakeAuth 握手包 authdata
type HandshakeAuth struct {
	// Src 发起方节点身份
	Src types.NodeID

	// IDSignature 对质询数据的身份签名
	IDSignature []byte

	// EphemeralKey 发起方临时公钥
	EphemeralKey []byte

	// Record 发起方当前记录编码（质询方序号过期时附带，可为空）
	Record []byte
}

// Encode 编码握手 authdata
func (h *HandshakeAuth) Encode() ([]byte, error) {
	if len(h.IDSignature) > 255 || len(h.EphemeralKey) > 255 {
		return nil, ErrInvalidPacket
	}
	out := make([]byte, 0, handshakeAuthMin+len(h.IDSignature)+len(h.EphemeralKey)+len(h.Record))
	out = append(out, h.Src[:]...)
	out = append(out, byte(len(h.IDSignature)), byte(len(h.EphemeralKey)))
	out = append(out, h.IDSignature...)
	out = append(out, h.EphemeralKey...)
	out = append(out, h.Record...)
	return out, nil
}

// ParseHandshakeAuth 解析握手 authdata
func ParseHandshakeAuth(auth []byte) (*HandshakeAuth, error) {
	if len(auth) < handshakeAuthMin {
		return nil, ErrInvalidPacket
	}
	src, err := types.NodeIDFromBytes(auth[:types.IDSize])
	if err != nil {
		return nil, ErrInvalidPacket
	}
	sigLen := int(auth[types.IDSize])
	keyLen := int(auth[types.IDSize+1])
	rest := auth[handshakeAuthMin:]
	if len(rest) < sigLen+keyLen {
		return nil, ErrInvalidPacket
	}
	h := &HandshakeAuth{
		Src:          src,
		IDSignature:  append([]byte(nil), rest[:sigLen]...),
		EphemeralKey: append([]byte(nil), rest[sigLen:sigLen+keyLen]...),
	}
	if tail := rest[sigLen+keyLen:]; len(tail) > 0 {
		h.Record = append([]byte(nil), tail...)
	}
	return h, nil
}
