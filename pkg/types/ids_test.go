package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeID_StringRoundTrip 测试 base58 与十六进制表示的往返
func TestNodeID_StringRoundTrip(t *testing.T) {
	var id NodeID
	for i := range id {
		id[i] = byte(i * 7)
	}

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	parsed, err = ParseNodeID(id.HexString())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	t.Log("✅ 身份字符串表示往返正确")
}

// TestNodeID_ParseInvalid 测试非法输入被拒绝
func TestNodeID_ParseInvalid(t *testing.T) {
	inputs := []string{
		"",
		"zz",
		"0123",                // 长度不足的十六进制
		"!!!not-base58-at-all",
	}
	for _, in := range inputs {
		_, err := ParseNodeID(in)
		assert.ErrorIs(t, err, ErrInvalidNodeID, "输入 %q 应被拒绝", in)
	}

	t.Log("✅ 非法身份输入全部被拒绝")
}

// TestNodeIDFromBytes 测试字节切片构造
func TestNodeIDFromBytes(t *testing.T) {
	b := make([]byte, IDSize)
	b[0] = 0xAB
	id, err := NodeIDFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), id[0])

	_, err = NodeIDFromBytes(b[:IDSize-1])
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	t.Log("✅ 字节构造与长度检查正确")
}

// TestEndpoint_String 测试端点字符串表示
func TestEndpoint_String(t *testing.T) {
	var id NodeID
	id[0] = 1
	ep := Endpoint{ID: id, Addr: "192.0.2.1:9000"}
	s := ep.String()
	assert.Contains(t, s, "192.0.2.1:9000")
	assert.Contains(t, s, "@")

	t.Log("✅ 端点字符串表示正确")
}
