package discv5

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-discv5/pkg/enr"
)

// ============================================================================
//                              Fx 集成
// ============================================================================

// Params 节点构造依赖
type Params struct {
	fx.In

	// Identity 本地身份
	Identity enr.Identity

	// Transport 数据报发送实现
	Transport Transport

	// Options 附加配置选项
	Options []Option `optional:"true"`
}

// Result 节点构造产出
type Result struct {
	fx.Out

	Node *Node
}

// provideNode 构造节点并挂接生命周期
func provideNode(lc fx.Lifecycle, p Params) (Result, error) {
	node, err := New(p.Identity, p.Transport, p.Options...)
	if err != nil {
		return Result{}, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return node.Start() },
		OnStop:  func(context.Context) error { return node.Close() },
	})
	return Result{Node: node}, nil
}

// Module 供宿主应用装配的 Fx 模块
var Module = fx.Module("discv5", fx.Provide(provideNode))
