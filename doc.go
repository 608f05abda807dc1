// Package discv5 实现基于签名节点记录的对等节点发现引擎
//
// 引擎由五个部分组成：
//
//   - 节点记录：自描述、带签名与单调序号的身份与地址载体，
//     支持 secp256k1 与 ed25519 两种身份方案（pkg/enr）
//   - 会话层：质询-响应握手与认证加密，所有应用消息都在
//     会话内传输（internal/session）
//   - 路由表：按 XOR 距离分桶的 K 桶表，带存活状态与替换
//     队列（internal/table）
//   - 调度器：请求/响应关联、超时重试与多消息重组
//     （internal/dispatch）
//   - 查找引擎：面向目标的迭代并发查找（internal/lookup）
//
// 节点不拥有套接字。调用方自行收发 UDP 数据报，入站交给
// Node.HandlePacket，出站经注入的 Transport 发出：
//
//	id, _ := enr.GenerateV4(rand.Reader)
//	node, _ := discv5.New(id, transport)
//	node.SetEndpoint(net.ParseIP("198.51.100.7"), 30303)
//	node.AddSeedText("enr:...")
//	node.Start()
//	defer node.Close()
//
//	records := node.Lookup(ctx, target)
package discv5
