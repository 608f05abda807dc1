package table

import (
	"bytes"
	"io"

	"github.com/dep2p/go-discv5/pkg/types"
)

// ============================================================================
//                              XOR 距离度量
// ============================================================================

// Distance 计算两个节点身份的 XOR 距离（大端序字节表示）
func Distance(a, b types.NodeID) [types.IDSize]byte {
	var d [types.IDSize]byte
	for i := 0; i < types.IDSize; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance 比较 a 和 b 到 target 的距离
//
// 返回：
//   - -1 如果 dist(a, target) < dist(b, target)
//   - 0 如果相等
//   - 1 如果 dist(a, target) > dist(b, target)
func CompareDistance(a, b, target types.NodeID) int {
	da := Distance(a, target)
	db := Distance(b, target)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen 计算两个节点身份的共同前缀长度（按位计数）
func CommonPrefixLen(a, b types.NodeID) int {
	d := Distance(a, b)
	zeroBits := 0
	for _, v := range d {
		if v == 0 {
			zeroBits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if v&mask != 0 {
				return zeroBits
			}
			zeroBits++
		}
	}
	return zeroBits
}

// BucketIndex 计算 remote 相对 local 的桶索引
//
// 索引 = 共同前缀位数，即 ⌊log2(distance)⌋ 的补；距离越近索引越大。
// 身份相同时（距离 0）归入最后一个桶。
func BucketIndex(local, remote types.NodeID) int {
	cpl := CommonPrefixLen(local, remote)
	if cpl >= NumBuckets {
		return NumBuckets - 1
	}
	return cpl
}

// LogDist 计算距离的对数桶（FINDNODE 请求的距离参数）
//
// LogDist = 身份位数 - 共同前缀位数；LogDist(a, a) == 0。
func LogDist(a, b types.NodeID) uint {
	return uint(types.IDSize*8 - CommonPrefixLen(a, b))
}

// RandomIDAtDistance 生成与 self 的 LogDist 恰为 dist 的随机身份
//
// 用于桶刷新：对陈旧桶发起随机目标查找。dist 为 0 时返回 self。
func RandomIDAtDistance(self types.NodeID, dist uint, rng io.Reader) (types.NodeID, error) {
	if dist == 0 {
		return self, nil
	}
	if dist > types.IDSize*8 {
		dist = types.IDSize * 8
	}

	var id types.NodeID
	if _, err := io.ReadFull(rng, id[:]); err != nil {
		return types.EmptyNodeID, err
	}

	// 共同前缀位逐位对齐，随后一位取反
	cpl := types.IDSize*8 - int(dist)
	for i := 0; i < cpl; i++ {
		byteIdx, mask := i/8, byte(0x80)>>(i%8)
		id[byteIdx] = (id[byteIdx] &^ mask) | (self[byteIdx] & mask)
	}
	byteIdx, mask := cpl/8, byte(0x80)>>(cpl%8)
	id[byteIdx] = (id[byteIdx] &^ mask) | (^self[byteIdx] & mask)
	return id, nil
}
