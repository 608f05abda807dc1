package enr

import (
	"encoding/binary"
	"net"
	"strconv"
)

// ============================================================================
//                              条目辅助函数
// ============================================================================

// IPEntry 将 IP 地址编码为条目值（IPv4 为 4 字节，IPv6 为 16 字节）
func IPEntry(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return []byte(ip.To16())
}

// PortEntry 将端口编码为 2 字节大端序条目值
func PortEntry(port uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	return b[:]
}

// IP 读取记录的 IP 地址条目
func (r *Record) IP() (net.IP, bool) {
	v, ok := r.Get(KeyIP)
	if !ok || (len(v) != 4 && len(v) != 16) {
		return nil, false
	}
	return net.IP(v), true
}

// UDPPort 读取记录的 UDP 端口条目
func (r *Record) UDPPort() (uint16, bool) {
	v, ok := r.Get(KeyUDP)
	if !ok || len(v) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// UDPAddr 组合 IP 与 UDP 端口条目为 host:port 地址
func (r *Record) UDPAddr() (string, bool) {
	ip, ok := r.IP()
	if !ok {
		return "", false
	}
	port, ok := r.UDPPort()
	if !ok {
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), true
}
