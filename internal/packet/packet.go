// Package packet 实现 UDP 数据报的封装与头部掩码
//
// 数据报布局：[掩码 IV (16 字节)][掩码静态头][消息数据]
//
// 静态头以 AES-CTR 掩码，密钥取目的节点身份的前 16 字节，IV 为
// 数据报前缀；被动观察者在不知道接收方身份时无法读取头部。
// 消息数据由会话层以 AES-GCM 密封，GCM nonce 取头部 nonce，
// 关联数据为未掩码的头部字节。
package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              常量与错误
// ============================================================================

const (
	// IVSize 掩码 IV 长度
	IVSize = 16

	// NonceSize 头部 nonce 长度
	NonceSize = 12

	// IDNonceSize 质询随机数长度
	IDNonceSize = 16

	// MaxPacketSize 数据报最大长度
	MaxPacketSize = 1280

	// staticHeaderSize 静态头定长部分：tag(3) + version(2) + flag(1) +
	// nonce(12) + authdata 长度(2)
	staticHeaderSize = 3 + 2 + 1 + NonceSize + 2

	// minPacketSize 可解析数据报的最小长度
	minPacketSize = IVSize + staticHeaderSize + ChallengeAuthSize
)

// protocolTag 协议标识
var protocolTag = [3]byte{'d', 'p', '5'}

// protocolVersion 协议版本
const protocolVersion uint16 = 1

// 预定义错误
var (
	// ErrInvalidPacket 数据报格式错误（过短、标识不符、字段越界）
	ErrInvalidPacket = errors.New("packet: invalid packet")

	// ErrTooLarge 数据报超过最大长度
	ErrTooLarge = errors.New("packet: packet too large")
)

// ============================================================================
//                              头部结构
// ============================================================================

// Flag 数据报类型
type Flag byte

const (
	// FlagOrdinary 普通加密消息
	FlagOrdinary Flag = iota
	// FlagChallenge 握手质询
	FlagChallenge
	// FlagHandshake 握手完成消息
	FlagHandshake
)

// String 返回类型名
func (f Flag) String() string {
	switch f {
	case FlagOrdinary:
		return "ORDINARY"
	case FlagChallenge:
		return "CHALLENGE"
	case FlagHandshake:
		return "HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

// Nonce 头部 nonce：前 4 字节为会话计数器（大端序），后 8 字节随机
type Nonce [NonceSize]byte

// Counter 返回 nonce 中的计数器值
func (n Nonce) Counter() uint32 {
	return binary.BigEndian.Uint32(n[:4])
}

// Header 未掩码的静态头
type Header struct {
	Flag     Flag
	Nonce    Nonce
	AuthData []byte
}

// encode 序列化静态头
func (h *Header) encode() ([]byte, error) {
	if len(h.AuthData) > int(^uint16(0)) {
		return nil, ErrInvalidPacket
	}
	out := make([]byte, staticHeaderSize+len(h.AuthData))
	copy(out[0:3], protocolTag[:])
	binary.BigEndian.PutUint16(out[3:5], protocolVersion)
	out[5] = byte(h.Flag)
	copy(out[6:6+NonceSize], h.Nonce[:])
	binary.BigEndian.PutUint16(out[6+NonceSize:staticHeaderSize], uint16(len(h.AuthData)))
	copy(out[staticHeaderSize:], h.AuthData)
	return out, nil
}

// ============================================================================
//                              编码与解码
// ============================================================================

// maskStream 构造头部掩码流
func maskStream(dest types.NodeID, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(dest[:16])
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// Encode 编码数据报
//
// 返回完整数据报和未掩码的头部字节；后者供会话层作为 AEAD
// 关联数据使用。message 为已密封的消息数据，可为空（质询包）。
func Encode(dest types.NodeID, h *Header, message []byte, iv [IVSize]byte) (wire, headerPlain []byte, err error) {
	plain, err := h.encode()
	if err != nil {
		return nil, nil, err
	}
	total := IVSize + len(plain) + len(message)
	if total > MaxPacketSize {
		return nil, nil, ErrTooLarge
	}

	out := make([]byte, total)
	copy(out[:IVSize], iv[:])
	masked := out[IVSize : IVSize+len(plain)]
	stream, err := maskStream(dest, iv[:])
	if err != nil {
		return nil, nil, err
	}
	stream.XORKeyStream(masked, plain)
	copy(out[IVSize+len(plain):], message)
	return out, plain, nil
}

// Decode 解码数据报
//
// local 为本地节点身份（掩码密钥来源）。返回头部、未掩码头部
// 字节（AEAD 关联数据）和消息数据。任何格式问题返回
// ErrInvalidPacket；格式错误的数据报由调用方丢弃，绝不上抛。
func Decode(local types.NodeID, data []byte) (h *Header, headerPlain, message []byte, err error) {
	if len(data) < IVSize+staticHeaderSize || len(data) > MaxPacketSize {
		return nil, nil, nil, ErrInvalidPacket
	}

	stream, err := maskStream(local, data[:IVSize])
	if err != nil {
		return nil, nil, nil, ErrInvalidPacket
	}

	static := make([]byte, staticHeaderSize)
	stream.XORKeyStream(static, data[IVSize:IVSize+staticHeaderSize])

	if [3]byte(static[0:3]) != protocolTag {
		return nil, nil, nil, ErrInvalidPacket
	}
	if binary.BigEndian.Uint16(static[3:5]) != protocolVersion {
		return nil, nil, nil, ErrInvalidPacket
	}
	flag := Flag(static[5])
	if flag > FlagHandshake {
		return nil, nil, nil, ErrInvalidPacket
	}
	authSize := int(binary.BigEndian.Uint16(static[6+NonceSize : staticHeaderSize]))
	if len(data) < IVSize+staticHeaderSize+authSize {
		return nil, nil, nil, ErrInvalidPacket
	}

	auth := make([]byte, authSize)
	stream.XORKeyStream(auth, data[IVSize+staticHeaderSize:IVSize+staticHeaderSize+authSize])

	h = &Header{Flag: flag, AuthData: auth}
	copy(h.Nonce[:], static[6:6+NonceSize])

	headerPlain = make([]byte, staticHeaderSize+authSize)
	copy(headerPlain, static)
	copy(headerPlain[staticHeaderSize:], auth)

	message = data[IVSize+staticHeaderSize+authSize:]
	return h, headerPlain, message, nil
}
