package enr

import (
	"crypto/ed25519"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              身份方案契约
// ============================================================================

// 方案名常量
const (
	// SchemeV4 secp256k1 + Keccak256 方案
	SchemeV4 = "v4"

	// SchemeEd25519 Ed25519 + SHA-256 方案
	SchemeEd25519 = "ed25519"
)

// Scheme 身份方案
//
// 封闭集合的一个变体：定义签名校验、身份派生以及握手用的
// 临时密钥生成与密钥协商。所有方法为纯函数。
type Scheme interface {
	// Name 方案名（记录 "id" 条目的值）
	Name() string

	// PublicKeyEntry 承载公钥的条目键
	PublicKeyEntry() string

	// VerifySig 用公钥校验覆盖 payload 的签名
	VerifySig(pub, payload, sig []byte) error

	// DeriveID 从公钥派生节点身份
	DeriveID(pub []byte) (types.NodeID, error)

	// Ephemeral 生成一对临时密钥（握手发起方使用）
	Ephemeral(rng io.Reader) (priv, pub []byte, err error)

	// Agree 用临时私钥与对端静态公钥做密钥协商
	Agree(ephPriv, staticPub []byte) ([]byte, error)
}

// schemes 已注册方案（封闭集合）
var schemes = map[string]Scheme{
	SchemeV4:      v4Scheme{},
	SchemeEd25519: ed25519Scheme{},
}

// SchemeOf 按名称查找方案
func SchemeOf(name string) (Scheme, bool) {
	s, ok := schemes[name]
	return s, ok
}

// ============================================================================
//                              v4 方案（secp256k1）
// ============================================================================

// v4Scheme secp256k1 签名，身份为未压缩公钥的 Keccak256
type v4Scheme struct{}

func (v4Scheme) Name() string           { return SchemeV4 }
func (v4Scheme) PublicKeyEntry() string { return "secp256k1" }

// keccak256 计算 Keccak256 摘要
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func (v4Scheme) VerifySig(pub, payload, sig []byte) error {
	if len(sig) != 64 {
		return ErrInvalidSignature
	}
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return ErrInvalidKey
	}
	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
		return ErrInvalidSignature
	}
	if !secpecdsa.NewSignature(&r, &s).Verify(keccak256(payload), key) {
		return ErrInvalidSignature
	}
	return nil
}

func (v4Scheme) DeriveID(pub []byte) (types.NodeID, error) {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return types.EmptyNodeID, ErrInvalidKey
	}
	// 身份 = Keccak256(x || y)
	uncompressed := key.SerializeUncompressed()
	return types.NodeIDFromBytes(keccak256(uncompressed[1:]))
}

func (v4Scheme) Ephemeral(rng io.Reader) ([]byte, []byte, error) {
	key, err := secp256k1.GeneratePrivateKeyFromRand(rng)
	if err != nil {
		return nil, nil, err
	}
	return key.Serialize(), key.PubKey().SerializeCompressed(), nil
}

func (v4Scheme) Agree(ephPriv, staticPub []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(staticPub)
	if err != nil {
		return nil, ErrInvalidKey
	}
	priv := secp256k1.PrivKeyFromBytes(ephPriv)
	return secp256k1.GenerateSharedSecret(priv, pub), nil
}

// ============================================================================
//                              ed25519 方案
// ============================================================================

// ed25519Scheme Ed25519 签名，身份为公钥的 SHA-256，
// 密钥协商经 Edwards -> Montgomery 转换后走 X25519
type ed25519Scheme struct{}

func (ed25519Scheme) Name() string           { return SchemeEd25519 }
func (ed25519Scheme) PublicKeyEntry() string { return "ed25519" }

func (ed25519Scheme) VerifySig(pub, payload, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (ed25519Scheme) DeriveID(pub []byte) (types.NodeID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return types.EmptyNodeID, ErrInvalidKey
	}
	sum := sha256.Sum256(pub)
	return types.NodeIDFromBytes(sum[:])
}

func (ed25519Scheme) Ephemeral(rng io.Reader) ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rng, priv); err != nil {
		return nil, nil, err
	}
	clampX25519(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func (ed25519Scheme) Agree(ephPriv, staticPub []byte) ([]byte, error) {
	if len(staticPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	mont, err := ed25519ToCurve25519Public(staticPub)
	if err != nil {
		return nil, err
	}
	return curve25519.X25519(ephPriv, mont)
}
