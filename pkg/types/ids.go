// Package types 定义 go-discv5 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"encoding/hex"
	"errors"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// NodeID 节点唯一标识符
//
// 由记录公钥按身份方案派生（v4 方案为 Keccak256，ed25519 方案为 SHA-256）。
//
// 外部表示格式：
//   - String(): Base58 编码（用户可读、日志友好）
//   - HexString(): 十六进制编码（配置、调试工具）
type NodeID [32]byte

// IDSize NodeID 字节长度
const IDSize = 32

// EmptyNodeID 空节点 ID
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点 ID 错误
var ErrInvalidNodeID = errors.New("types: invalid node ID")

// String 返回 NodeID 的 Base58 字符串表示
func (id NodeID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return Base58Encode(id[:])
}

// ShortString 返回 NodeID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// HexString 返回 NodeID 的十六进制表示
func (id NodeID) HexString() string {
	return hex.EncodeToString(id[:])
}

// Bytes 返回 NodeID 的字节切片
func (id NodeID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 NodeID 是否相等
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsEmpty 检查 NodeID 是否为空
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != IDSize {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// ParseNodeID 从字符串解析 NodeID
//
// 支持 Base58 编码（用户输入）和十六进制编码（64 个字符）。
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return EmptyNodeID, ErrInvalidNodeID
	}

	// 十六进制格式
	if len(s) == IDSize*2 {
		if b, err := hex.DecodeString(s); err == nil {
			return NodeIDFromBytes(b)
		}
	}

	// Base58 格式
	b, err := Base58Decode(s)
	if err != nil {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeIDFromBytes(b)
}
