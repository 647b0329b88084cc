package oracle

import (
	"context"

	"custody-pipeline/internal/asset"
)

// ThreatVerdict 是威胁检测服务对单个资产的评估结果。
type ThreatVerdict struct {
	Score   int      `json:"score"`
	Signals []string `json:"signals,omitempty"`
}

// ThreatOracle 抽象外部威胁检测服务。
type ThreatOracle interface {
	Inspect(ctx context.Context, record *asset.Record) (ThreatVerdict, error)
}

// Valuation 是估价服务返回的公允价值评估。
type Valuation struct {
	ValueUSD   float64 `json:"value_usd"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes,omitempty"`
}

// ValueOracle 抽象按资产类型区分的估价服务。
type ValueOracle interface {
	Appraise(ctx context.Context, record *asset.Record) (Valuation, error)
}

// TransferRequest 描述一次对外转移。Payload 是提取时一次性解密出的
// 资产凭据，网关没有金库访问权，必须随请求送达才能执行变现。
type TransferRequest struct {
	AssetID     string
	VaultRef    string
	Destination string
	AmountUSD   float64
	Payload     []byte
}

// TransferReceipt 是外部转移网关的执行回执。
type TransferReceipt struct {
	Reference   string `json:"reference"`
	CompletedAt int64  `json:"completed_at"`
}

// TransferGateway 抽象外部转移网关。
type TransferGateway interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error)
}

// ValueRouter 按资产类型把估价请求分发到对应的 oracle。
type ValueRouter struct {
	byKind   map[asset.Kind]ValueOracle
	fallback ValueOracle
}

// NewValueRouter 构造估价路由。fallback 可以为 nil。
func NewValueRouter(byKind map[asset.Kind]ValueOracle, fallback ValueOracle) *ValueRouter {
	routes := make(map[asset.Kind]ValueOracle, len(byKind))
	for kind, o := range byKind {
		if o != nil {
			routes[kind] = o
		}
	}
	return &ValueRouter{byKind: routes, fallback: fallback}
}

// Appraise 实现 ValueOracle 接口。
func (r *ValueRouter) Appraise(ctx context.Context, record *asset.Record) (Valuation, error) {
	if o, ok := r.byKind[record.Kind]; ok {
		return o.Appraise(ctx, record)
	}
	if r.fallback != nil {
		return r.fallback.Appraise(ctx, record)
	}
	return Valuation{}, ErrNoOracleForKind
}

var _ ValueOracle = (*ValueRouter)(nil)
