package enr

import "errors"

// 预定义错误
var (
	// ErrTooBig 记录编码超过大小上限
	ErrTooBig = errors.New("enr: record exceeds size limit")

	// ErrDecode 记录编码格式错误（非法 RLP、非规范编码、尾部冗余数据）
	ErrDecode = errors.New("enr: invalid record encoding")

	// ErrNotSorted 记录键未按字节序严格升序（含重复键）
	ErrNotSorted = errors.New("enr: entry keys not sorted or duplicated")

	// ErrInvalidSignature 签名校验失败
	ErrInvalidSignature = errors.New("enr: invalid signature")

	// ErrUnknownScheme 未知身份方案
	ErrUnknownScheme = errors.New("enr: unknown identity scheme")

	// ErrMissingKey 记录缺少身份方案要求的公钥条目
	ErrMissingKey = errors.New("enr: missing public key entry")

	// ErrInvalidKey 公钥条目格式错误
	ErrInvalidKey = errors.New("enr: invalid public key entry")

	// ErrInvalidText 文本形式格式错误
	ErrInvalidText = errors.New("enr: invalid textual form")

	// ErrNotSigned 记录尚未签名
	ErrNotSigned = errors.New("enr: record not signed")

	// ErrSeqOverflow 序号溢出
	ErrSeqOverflow = errors.New("enr: sequence number overflow")
)
