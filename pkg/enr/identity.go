package enr

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              本地身份
// ============================================================================

// Identity 本地签名身份
//
// 持有某一方案的长期私钥，是方案封闭集合的签名侧变体：
// 签名、公钥条目、身份派生与静态密钥协商走统一契约。
type Identity interface {
	// SchemeName 所属方案名
	SchemeName() string

	// NodeID 本地节点身份
	NodeID() types.NodeID

	// Sign 对载荷签名
	Sign(payload []byte) ([]byte, error)

	// PublicEntry 返回公钥条目（键 + 值）
	PublicEntry() (key string, value []byte)

	// StaticAgree 用长期私钥与对端临时公钥做密钥协商（握手响应方）
	StaticAgree(ephemeralPub []byte) ([]byte, error)
}

// ============================================================================
//                              v4 身份
// ============================================================================

// V4Identity secp256k1 本地身份
type V4Identity struct {
	priv *secp256k1.PrivateKey
}

// GenerateV4 生成新的 v4 身份
func GenerateV4(rng io.Reader) (*V4Identity, error) {
	if rng == nil {
		rng = rand.Reader
	}
	key, err := secp256k1.GeneratePrivateKeyFromRand(rng)
	if err != nil {
		return nil, err
	}
	return &V4Identity{priv: key}, nil
}

// V4FromPrivateKey 从已有私钥构造 v4 身份
func V4FromPrivateKey(key *secp256k1.PrivateKey) *V4Identity {
	return &V4Identity{priv: key}
}

func (id *V4Identity) SchemeName() string { return SchemeV4 }

func (id *V4Identity) NodeID() types.NodeID {
	nid, _ := v4Scheme{}.DeriveID(id.priv.PubKey().SerializeCompressed())
	return nid
}

func (id *V4Identity) Sign(payload []byte) ([]byte, error) {
	// 紧凑签名去掉恢复位，保留 r || s
	compact := secpecdsa.SignCompact(id.priv, keccak256(payload), false)
	return compact[1:], nil
}

func (id *V4Identity) PublicEntry() (string, []byte) {
	return "secp256k1", id.priv.PubKey().SerializeCompressed()
}

func (id *V4Identity) StaticAgree(ephemeralPub []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(ephemeralPub)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return secp256k1.GenerateSharedSecret(id.priv, pub), nil
}

// ============================================================================
//                              ed25519 身份
// ============================================================================

// Ed25519Identity Ed25519 本地身份
type Ed25519Identity struct {
	priv ed25519.PrivateKey
}

// GenerateEd25519 生成新的 ed25519 身份
func GenerateEd25519(rng io.Reader) (*Ed25519Identity, error) {
	if rng == nil {
		rng = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &Ed25519Identity{priv: priv}, nil
}

// Ed25519FromPrivateKey 从已有私钥构造 ed25519 身份
func Ed25519FromPrivateKey(key ed25519.PrivateKey) *Ed25519Identity {
	return &Ed25519Identity{priv: key}
}

func (id *Ed25519Identity) SchemeName() string { return SchemeEd25519 }

func (id *Ed25519Identity) NodeID() types.NodeID {
	nid, _ := ed25519Scheme{}.DeriveID(id.priv.Public().(ed25519.PublicKey))
	return nid
}

func (id *Ed25519Identity) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(id.priv, payload), nil
}

func (id *Ed25519Identity) PublicEntry() (string, []byte) {
	pub := id.priv.Public().(ed25519.PublicKey)
	return "ed25519", append([]byte(nil), pub...)
}

func (id *Ed25519Identity) StaticAgree(ephemeralPub []byte) ([]byte, error) {
	if len(ephemeralPub) != 32 {
		return nil, ErrInvalidKey
	}
	priv, err := ed25519ToCurve25519Private(id.priv)
	if err != nil {
		return nil, err
	}
	return x25519(priv, ephemeralPub)
}
