package discv5

import (
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
)

// Option 用户配置选项函数
type Option func(*Config) error

// WithBucketSize 设置路由表桶容量
func WithBucketSize(k int) Option {
	return func(c *Config) error {
		if k <= 0 {
			return fmt.Errorf("discv5: bucket size must be positive, got %d", k)
		}
		c.BucketSize = k
		return nil
	}
}

// WithAlpha 设置查找的每轮并发查询数
func WithAlpha(alpha int) Option {
	return func(c *Config) error {
		if alpha <= 0 {
			return fmt.Errorf("discv5: alpha must be positive, got %d", alpha)
		}
		c.Alpha = alpha
		return nil
	}
}

// WithResultCount 设置查找结果集大小
func WithResultCount(k int) Option {
	return func(c *Config) error {
		if k <= 0 {
			return fmt.Errorf("discv5: result count must be positive, got %d", k)
		}
		c.ResultCount = k
		return nil
	}
}

// WithRequestTimeout 设置请求响应期限
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("discv5: request timeout must be positive, got %v", d)
		}
		c.RequestTimeout = d
		return nil
	}
}

// WithRequestRetries 设置请求重试次数，0 表示不重试
func WithRequestRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("discv5: request retries must not be negative, got %d", n)
		}
		c.RequestRetries = n
		return nil
	}
}

// WithDecryptFailureLimit 设置会话拆除前容忍的连续解密失败次数
func WithDecryptFailureLimit(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("discv5: decrypt failure limit must be positive, got %d", n)
		}
		c.DecryptFailureLimit = n
		return nil
	}
}

// WithRefreshInterval 设置路由表周期刷新间隔，0 禁用刷新
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("discv5: refresh interval must not be negative, got %v", d)
		}
		c.RefreshInterval = d
		return nil
	}
}

// WithClock 注入时钟源，测试用
func WithClock(clk clock.Clock) Option {
	return func(c *Config) error {
		c.clk = clk
		return nil
	}
}

// WithRand 注入随机源，测试用
func WithRand(rng io.Reader) Option {
	return func(c *Config) error {
		c.rng = rng
		return nil
	}
}
