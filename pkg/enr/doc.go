// Package enr 实现签名节点记录的编解码与校验
//
// 节点记录是带序号的键值文档，宣告节点的身份、地址与能力：
//   - 规范二进制编码为 RLP 列表 [signature, seq, k1, v1, k2, v2, ...]，
//     键按字节序严格升序排列，总长度不超过 SizeLimit
//   - 签名覆盖 RLP([seq, k1, v1, ...])，按记录声明的身份方案校验
//   - 节点身份由公钥按身份方案派生，不信任任何外部提供的身份值
//
// 身份方案是封闭集合（v4 / ed25519），每个方案实现统一的
// 签名、校验、身份派生与密钥协商契约；新增方案即新增一个变体。
//
// 本包为纯函数集合：所有失败以错误值返回，由调用方决定处置。
package enr
