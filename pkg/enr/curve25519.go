package enr

import (
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// x25519 X25519 标量乘，低位群元素返回 ErrInvalidKey
func x25519(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return out, nil
}

// ============================================================================
//                    Ed25519 -> Curve25519 密钥转换
// ============================================================================

// clampX25519 对 X25519 标量做 clamping（RFC 7748）
func clampX25519(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// ed25519ToCurve25519Private 将 Ed25519 私钥转换为 Curve25519 私钥
//
// 标准转换方法（RFC 7748, RFC 8032）：
//  1. 对私钥种子做 SHA-512
//  2. 取前 32 字节并 clamping
func ed25519ToCurve25519Private(edPriv []byte) ([]byte, error) {
	var seed []byte
	switch len(edPriv) {
	case ed25519.PrivateKeySize:
		seed = edPriv[:ed25519.SeedSize]
	case ed25519.SeedSize:
		seed = edPriv
	default:
		return nil, ErrInvalidKey
	}

	h := sha512.Sum512(seed)
	out := make([]byte, 32)
	copy(out, h[:32])
	clampX25519(out)
	return out, nil
}

// ed25519ToCurve25519Public 将 Ed25519 公钥转换为 Curve25519 公钥
//
// Edwards -> Montgomery 映射：u = (1 + y) / (1 - y) (mod p)
func ed25519ToCurve25519Public(edPub []byte) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return p.BytesMontgomery(), nil
}
