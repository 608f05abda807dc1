package discv5

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
)

// Config 节点配置
//
// 零值字段取默认值；显式配置经 Validate 检查。内部各组件的
// 配置由此派生，调用方不直接接触组件配置。
type Config struct {
	// BucketSize 路由表桶容量 k
	BucketSize int

	// LivenessFailLimit 存活状态降级所需的连续失败次数
	LivenessFailLimit int

	// Alpha 查找的每轮并发查询数
	Alpha int

	// ResultCount 查找结果集大小 K
	ResultCount int

	// MaxLookupRounds 单次查找的轮数上限
	MaxLookupRounds int

	// RequestTimeout 单次请求的响应期限
	RequestTimeout time.Duration

	// RequestRetries 请求超时后的重试次数
	RequestRetries int

	// SessionCacheSize 会话 LRU 缓存容量
	SessionCacheSize int

	// DecryptFailureLimit 会话拆除前容忍的连续解密失败次数
	DecryptFailureLimit int

	// HandshakeTimeout 质询有效期
	HandshakeTimeout time.Duration

	// RefreshInterval 路由表周期刷新间隔，0 禁用刷新
	RefreshInterval time.Duration

	// clk 时钟源，测试注入模拟时钟
	clk clock.Clock

	// rng 随机源，测试注入确定性随机
	rng io.Reader
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BucketSize:          16,
		LivenessFailLimit:   3,
		Alpha:               3,
		ResultCount:         16,
		MaxLookupRounds:     16,
		RequestTimeout:      2 * time.Second,
		RequestRetries:      1,
		SessionCacheSize:    1024,
		DecryptFailureLimit: 3,
		HandshakeTimeout:    10 * time.Second,
		RefreshInterval:     5 * time.Minute,
	}
}

// Validate 检查配置的合法性
func (c *Config) Validate() error {
	if c.BucketSize < 0 {
		return fmt.Errorf("discv5: invalid bucket size %d", c.BucketSize)
	}
	if c.Alpha < 0 {
		return fmt.Errorf("discv5: invalid alpha %d", c.Alpha)
	}
	if c.ResultCount < 0 {
		return fmt.Errorf("discv5: invalid result count %d", c.ResultCount)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("discv5: invalid request timeout %v", c.RequestTimeout)
	}
	if c.RequestRetries < 0 {
		return fmt.Errorf("discv5: invalid request retries %d", c.RequestRetries)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("discv5: invalid refresh interval %v", c.RefreshInterval)
	}
	return nil
}

// withDefaults 用默认值填充零值字段
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BucketSize == 0 {
		c.BucketSize = def.BucketSize
	}
	if c.LivenessFailLimit == 0 {
		c.LivenessFailLimit = def.LivenessFailLimit
	}
	if c.Alpha == 0 {
		c.Alpha = def.Alpha
	}
	if c.ResultCount == 0 {
		c.ResultCount = def.ResultCount
	}
	if c.MaxLookupRounds == 0 {
		c.MaxLookupRounds = def.MaxLookupRounds
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.SessionCacheSize == 0 {
		c.SessionCacheSize = def.SessionCacheSize
	}
	if c.DecryptFailureLimit == 0 {
		c.DecryptFailureLimit = def.DecryptFailureLimit
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.rng == nil {
		c.rng = rand.Reader
	}
	return c
}
