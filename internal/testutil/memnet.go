// Package testutil 提供测试用的进程内数据报网络
package testutil

import (
	"errors"
	"sync"
)

// ErrUnknownAddr 目的地址未加入网络
var ErrUnknownAddr = errors.New("testutil: unknown address")

// DropFunc 返回 true 表示丢弃该数据报
type DropFunc func(from, to string) bool

// MemNet 进程内数据报网络
//
// 成员以地址标识，投递在独立 goroutine 中异步完成，模拟真实
// 套接字的收发解耦。可注入丢包函数模拟网络故障。
type MemNet struct {
	mu      sync.Mutex
	members map[string]func(from string, data []byte)
	drop    DropFunc

	wg sync.WaitGroup
}

// NewMemNet 创建空网络
func NewMemNet() *MemNet {
	return &MemNet{members: make(map[string]func(string, []byte))}
}

// SetDrop 设置丢包函数，nil 表示不丢包
func (m *MemNet) SetDrop(f DropFunc) {
	m.mu.Lock()
	m.drop = f
	m.mu.Unlock()
}

// Join 以指定地址加入网络，返回该成员的发送句柄
//
// deliver 在独立 goroutine 中被调用，须自行保证并发安全。
func (m *MemNet) Join(addr string, deliver func(from string, data []byte)) *MemTransport {
	m.mu.Lock()
	m.members[addr] = deliver
	m.mu.Unlock()
	return &MemTransport{net: m, addr: addr}
}

// Leave 将地址移出网络，之后发往该地址的数据报丢失
func (m *MemNet) Leave(addr string) {
	m.mu.Lock()
	delete(m.members, addr)
	m.mu.Unlock()
}

// Wait 等待全部在途投递完成
func (m *MemNet) Wait() {
	m.wg.Wait()
}

// send 投递一个数据报
func (m *MemNet) send(from, to string, data []byte) error {
	m.mu.Lock()
	deliver, ok := m.members[to]
	drop := m.drop
	m.mu.Unlock()

	if !ok {
		return ErrUnknownAddr
	}
	if drop != nil && drop(from, to) {
		return nil
	}

	cp := append([]byte(nil), data...)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		deliver(from, cp)
	}()
	return nil
}

// MemTransport 单个成员的发送句柄
type MemTransport struct {
	net  *MemNet
	addr string
}

// Addr 返回成员自身地址
func (t *MemTransport) Addr() string {
	return t.addr
}

// Send 向指定地址发送一个数据报
func (t *MemTransport) Send(addr string, data []byte) error {
	return t.net.send(t.addr, addr, data)
}
