package discv5

// Transport 数据报发送接口
//
// 节点只负责编解码与协议状态，不拥有套接字；调用方把收到的
// 数据报交给 Node.HandlePacket，并以 Transport 实现发包。地址
// 为 host:port 形式的不透明字符串。
type Transport interface {
	// Send 向指定地址发送一个数据报
	Send(addr string, data []byte) error
}
