package enr

import (
	"bytes"
	"encoding/base64"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              常量定义
// ============================================================================

const (
	// SizeLimit 记录规范编码的最大字节数
	SizeLimit = 300

	// TextPrefix 文本形式的固定前缀
	TextPrefix = "enr:"
)

// 保留条目键
const (
	// KeyID 身份方案名条目
	KeyID = "id"

	// KeyIP IPv4 地址条目（4 字节）
	KeyIP = "ip"

	// KeyUDP UDP 端口条目（2 字节大端序）
	KeyUDP = "udp"
)

// ============================================================================
//                              记录结构
// ============================================================================

// pair 单个键值条目
type pair struct {
	k string
	v []byte
}

// Record 已签名的节点记录
//
// Record 一经解码或签名即不可变；更新本地记录请使用 LocalRecord，
// 更新对端记录以更高序号的新记录整体替换。
type Record struct {
	seq       uint64
	pairs     []pair // 按键字节序升序
	signature []byte
	raw       []byte // 规范编码缓存
	scheme    Scheme
	id        types.NodeID
}

// Seq 返回记录序号
func (r *Record) Seq() uint64 {
	return r.seq
}

// NodeID 返回按身份方案派生的节点身份
func (r *Record) NodeID() types.NodeID {
	return r.id
}

// SchemeName 返回身份方案名
func (r *Record) SchemeName() string {
	return r.scheme.Name()
}

// Scheme 返回身份方案
func (r *Record) Scheme() Scheme {
	return r.scheme
}

// Get 读取指定键的条目值
func (r *Record) Get(key string) ([]byte, bool) {
	for _, p := range r.pairs {
		if p.k == key {
			return append([]byte(nil), p.v...), true
		}
	}
	return nil, false
}

// Keys 返回全部条目键（升序）
func (r *Record) Keys() []string {
	keys := make([]string, len(r.pairs))
	for i, p := range r.pairs {
		keys[i] = p.k
	}
	return keys
}

// Signature 返回签名副本
func (r *Record) Signature() []byte {
	return append([]byte(nil), r.signature...)
}

// PublicKey 返回身份方案对应的公钥条目值
func (r *Record) PublicKey() []byte {
	v, _ := r.Get(r.scheme.PublicKeyEntry())
	return v
}

// Equal 比较两条记录是否逐字节相同
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return bytes.Equal(r.raw, other.raw)
}

// ============================================================================
//                              编码与解码
// ============================================================================

// Encode 返回记录的规范二进制编码
func (r *Record) Encode() ([]byte, error) {
	if len(r.raw) == 0 {
		return nil, ErrNotSigned
	}
	return append([]byte(nil), r.raw...), nil
}

// encodePayload 计算签名覆盖的载荷 RLP([seq, k1, v1, ...])
func encodePayload(seq uint64, pairs []pair) ([]byte, error) {
	content := make([]interface{}, 0, 1+len(pairs)*2)
	content = append(content, seq)
	for _, p := range pairs {
		content = append(content, []byte(p.k), p.v)
	}
	return rlp.EncodeToBytes(content)
}

// encodeRecord 计算完整规范编码 RLP([sig, seq, k1, v1, ...])
func encodeRecord(sig []byte, seq uint64, pairs []pair) ([]byte, error) {
	content := make([]interface{}, 0, 2+len(pairs)*2)
	content = append(content, sig, seq)
	for _, p := range pairs {
		content = append(content, []byte(p.k), p.v)
	}
	enc, err := rlp.EncodeToBytes(content)
	if err != nil {
		return nil, err
	}
	if len(enc) > SizeLimit {
		return nil, ErrTooBig
	}
	return enc, nil
}

// Decode 解码并完整校验一条记录
//
// 拒绝：非法 RLP 结构、非规范键序、重复键、超过大小上限、
// 未知身份方案、签名或身份派生失败。拒绝是整体性的，
// 永远不会返回部分解析的记录。
func Decode(data []byte) (*Record, error) {
	if len(data) > SizeLimit {
		return nil, ErrTooBig
	}

	s := rlp.NewStream(bytes.NewReader(data), uint64(len(data)))
	if _, err := s.List(); err != nil {
		return nil, ErrDecode
	}
	sig, err := s.Bytes()
	if err != nil {
		return nil, ErrDecode
	}
	seq, err := s.Uint64()
	if err != nil {
		return nil, ErrDecode
	}

	var pairs []pair
	var prev string
	for {
		kb, err := s.Bytes()
		if err == rlp.EOL {
			break
		}
		if err != nil {
			return nil, ErrDecode
		}
		vb, err := s.Bytes()
		if err != nil {
			return nil, ErrDecode
		}
		k := string(kb)
		if len(pairs) > 0 && strings.Compare(prev, k) >= 0 {
			return nil, ErrNotSorted
		}
		pairs = append(pairs, pair{k: k, v: vb})
		prev = k
	}
	if err := s.ListEnd(); err != nil {
		return nil, ErrDecode
	}

	// 重编码校验：保证编码双射，拒绝任何非规范变体
	reenc, err := encodeRecord(sig, seq, pairs)
	if err != nil {
		return nil, ErrDecode
	}
	if !bytes.Equal(reenc, data) {
		return nil, ErrDecode
	}

	return verifyParsed(sig, seq, pairs, reenc)
}

// verifyParsed 对已解析字段做方案校验并组装记录
func verifyParsed(sig []byte, seq uint64, pairs []pair, raw []byte) (*Record, error) {
	r := &Record{seq: seq, pairs: pairs, signature: sig, raw: raw}

	name, ok := r.Get(KeyID)
	if !ok {
		return nil, ErrUnknownScheme
	}
	scheme, ok := SchemeOf(string(name))
	if !ok {
		return nil, ErrUnknownScheme
	}
	r.scheme = scheme

	pub, ok := r.Get(scheme.PublicKeyEntry())
	if !ok {
		return nil, ErrMissingKey
	}

	payload, err := encodePayload(seq, pairs)
	if err != nil {
		return nil, ErrDecode
	}
	if err := scheme.VerifySig(pub, payload, sig); err != nil {
		return nil, err
	}

	id, err := scheme.DeriveID(pub)
	if err != nil {
		return nil, err
	}
	r.id = id
	return r, nil
}

// Verify 重新校验记录签名与身份派生
func Verify(r *Record) error {
	if r == nil || len(r.raw) == 0 {
		return ErrNotSigned
	}
	_, err := Decode(r.raw)
	return err
}

// VerifyDetached 用记录声明的方案和公钥校验一段独立签名
//
// 握手中的质询签名校验走这里：签名绑定到记录身份，而非会话本身。
func VerifyDetached(r *Record, payload, sig []byte) error {
	return r.scheme.VerifySig(r.PublicKey(), payload, sig)
}

// ============================================================================
//                              签名
// ============================================================================

// Sign 用给定身份对条目集签名，生成完整记录
//
// 身份方案条目和公钥条目自动写入；调用方提供的同名条目会被覆盖。
// 编码超限返回 ErrTooBig，属于本地构造错误，在发送前同步暴露。
func Sign(seq uint64, entries map[string][]byte, id Identity) (*Record, error) {
	merged := make(map[string][]byte, len(entries)+2)
	for k, v := range entries {
		merged[k] = append([]byte(nil), v...)
	}
	merged[KeyID] = []byte(id.SchemeName())
	pk, pv := id.PublicEntry()
	merged[pk] = pv

	pairs := make([]pair, 0, len(merged))
	for k, v := range merged {
		pairs = append(pairs, pair{k: k, v: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	payload, err := encodePayload(seq, pairs)
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(payload)
	if err != nil {
		return nil, err
	}
	raw, err := encodeRecord(sig, seq, pairs)
	if err != nil {
		return nil, err
	}

	return verifyParsed(sig, seq, pairs, raw)
}

// ============================================================================
//                              文本形式
// ============================================================================

// TextString 返回记录的文本形式
//
// 固定前缀 + 无填充 URL 安全 Base64 编码的二进制形式，可直接分享。
func (r *Record) TextString() (string, error) {
	raw, err := r.Encode()
	if err != nil {
		return "", err
	}
	return TextPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseText 解析文本形式的记录
//
// 拒绝前缀缺失、非法字母表字符以及任何解码后校验失败的输入。
func ParseText(s string) (*Record, error) {
	if !strings.HasPrefix(s, TextPrefix) {
		return nil, ErrInvalidText
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(s[len(TextPrefix):])
	if err != nil {
		return nil, ErrInvalidText
	}
	return Decode(raw)
}
