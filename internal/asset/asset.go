package asset

import (
	xerrors "custody-pipeline/internal/errors"
)

// Stage 表示资产在管道生命周期中的状态。
type Stage string

const (
	StageAcquired         Stage = "acquired"
	StageScreened         Stage = "screened"
	StageVerified         Stage = "verified"
	StageHolding          Stage = "holding"
	StageHoldComplete     Stage = "hold_complete"
	StageVaulted          Stage = "vaulted"
	StageCashedOut        Stage = "cashed_out"
	StageQuarantineFailed Stage = "quarantine_failed"
	StageRejected         Stage = "rejected"
)

// Kind 表示资产类型，决定价值核验时使用的 oracle。
type Kind string

const (
	KindWallet             Kind = "wallet"
	KindGiftCard           Kind = "gift_card"
	KindLoyaltyPoints      Kind = "loyalty_points"
	KindPrepaidCard        Kind = "prepaid_card"
	KindDomain             Kind = "domain"
	KindNFT                Kind = "nft"
	KindAPIKey             Kind = "api_key"
	KindStoreCredit        Kind = "store_credit"
	KindPreciousMetalToken Kind = "precious_metal_token"
)

// RiskScoreUnset 表示风险分数尚未由筛查阶段写入。
const RiskScoreUnset = -1

// StageEvent 记录一次阶段处理的结果，按发生顺序只追加、不修改。
type StageEvent struct {
	Stage   Stage  `json:"stage"`
	Outcome string `json:"outcome"`
	Actor   string `json:"actor"`
	Detail  string `json:"detail,omitempty"`
	At      int64  `json:"at"`
}

// Record 是管道各阶段共享的资产记录。
type Record struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Kind        Kind   `json:"kind"`
	// Payload 仅在入库与核验阶段以明文存在；封存后必须清空。
	Payload           []byte       `json:"payload,omitempty"`
	SourceTag         string       `json:"source_tag"`
	AcquiredAt        int64        `json:"acquired_at"`
	Stage             Stage        `json:"stage"`
	RiskScore         int          `json:"risk_score"`
	RiskSignals       []string     `json:"risk_signals,omitempty"`
	EstimatedValueUSD float64      `json:"estimated_value_usd"`
	ValueConfidence   float64      `json:"value_confidence"`
	HoldStartedAt     int64        `json:"hold_started_at,omitempty"`
	HoldUntil         int64        `json:"hold_until,omitempty"`
	NextCheckAt       int64        `json:"next_check_at,omitempty"`
	VaultRef          string       `json:"vault_ref,omitempty"`
	PurgeAfter        int64        `json:"purge_after,omitempty"`
	Attempts          int          `json:"attempts"`
	MaxRetries        int          `json:"max_retries"`
	LastError         string       `json:"last_error,omitempty"`
	ErrorCode         string       `json:"error_code,omitempty"`
	Audit             []StageEvent `json:"audit,omitempty"`
	CreatedAt         int64        `json:"created_at"`
	UpdatedAt         int64        `json:"updated_at"`
}

var (
	// ErrAssetNotFound 表示指定的资产记录不存在。
	ErrAssetNotFound = xerrors.New(CodeAssetNotFound, "asset not found")
	// ErrAssetConflict 表示同一指纹已有活跃记录或记录重复创建。
	ErrAssetConflict = xerrors.New(CodeAssetConflict, "asset conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStageConflict 表示条件更新失败：记录已不在期望的阶段。
	ErrStageConflict = xerrors.New(CodeStageConflict, "stage precondition failed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAssetTerminal 表示记录处于终态，不能再流转。
	ErrAssetTerminal = xerrors.New(CodeAssetTerminal, "asset in terminal stage", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrIllegalTransition 表示请求的阶段流转不在状态机允许范围内。
	ErrIllegalTransition = xerrors.New(CodeIllegalTransition, "illegal stage transition", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAssetNotFound       xerrors.Code = "ASSET_NOT_FOUND"
	CodeAssetConflict       xerrors.Code = "ASSET_CONFLICT"
	CodeStageConflict       xerrors.Code = "ASSET_STAGE_CONFLICT"
	CodeAssetTerminal       xerrors.Code = "ASSET_TERMINAL"
	CodeIllegalTransition   xerrors.Code = "ASSET_ILLEGAL_TRANSITION"
	CodeValidationFailed    xerrors.Code = "ASSET_VALIDATION_FAILED"
	CodeThreatDetected      xerrors.Code = "THREAT_DETECTED"
	CodeOracleUnavailable   xerrors.Code = "ORACLE_UNAVAILABLE"
	CodeVerificationFailed  xerrors.Code = "VERIFICATION_FAILED"
	CodeHoldAnomaly         xerrors.Code = "HOLD_ANOMALY"
	CodeVaultIntegrity      xerrors.Code = "VAULT_INTEGRITY"
	CodeTransferDenied      xerrors.Code = "TRANSFER_DENIED"
	CodeGatewayFailure      xerrors.Code = "GATEWAY_FAILURE"
	CodeDispatchFailure     xerrors.Code = "ASSET_DISPATCH_FAILED"
)

func init() {
	xerrors.Register(CodeAssetNotFound, xerrors.Attributes{
		Message:   "asset not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAssetConflict, xerrors.Attributes{
		Message:   "asset conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStageConflict, xerrors.Attributes{
		Message:   "stage precondition failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAssetTerminal, xerrors.Attributes{
		Message:   "asset in terminal stage",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIllegalTransition, xerrors.Attributes{
		Message:   "illegal stage transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:   "submission rejected at the boundary",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeThreatDetected, xerrors.Attributes{
		Message:   "threat detected during screening",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOracleUnavailable, xerrors.Attributes{
		Message:   "oracle unavailable after retries",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVerificationFailed, xerrors.Attributes{
		Message:   "value verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeHoldAnomaly, xerrors.Attributes{
		Message:   "anomalous activity during hold",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVaultIntegrity, xerrors.Attributes{
		Message:   "vault entry failed integrity verification",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransferDenied, xerrors.Attributes{
		Message:   "transfer denied",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeGatewayFailure, xerrors.Attributes{
		Message:   "transfer gateway failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDispatchFailure, xerrors.Attributes{
		Message:   "asset dispatch failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// transitions 描述状态机允许的前向/降级流转。不在表内的流转一律拒绝。
var transitions = map[Stage][]Stage{
	StageAcquired:         {StageScreened, StageRejected},
	StageScreened:         {StageVerified, StageRejected},
	StageVerified:         {StageHolding, StageRejected},
	StageHolding:          {StageHoldComplete, StageQuarantineFailed},
	StageHoldComplete:     {StageVaulted},
	StageQuarantineFailed: {StageScreened, StageRejected},
	StageVaulted:          {StageCashedOut},
	StageRejected:         nil,
	StageCashedOut:        nil,
}

// CanTransition 判断从 from 到 to 的流转是否合法。
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断阶段是否为终态。
func (s Stage) IsTerminal() bool {
	return s == StageRejected || s == StageCashedOut
}

// IsValidStage 检查给定的阶段是否为支持的枚举值。
func IsValidStage(stage Stage) bool {
	_, ok := transitions[stage]
	return ok
}

// IsValidKind 检查给定的资产类型是否受支持。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindWallet, KindGiftCard, KindLoyaltyPoints, KindPrepaidCard,
		KindDomain, KindNFT, KindAPIKey, KindStoreCredit, KindPreciousMetalToken:
		return true
	default:
		return false
	}
}

// IsAssetError 判断错误是否为指定错误码的资产错误。
func IsAssetError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	e, ok := xerrors.From(err)
	if !ok {
		return false
	}
	return e.Code() == target
}

// IsLifecycleError 判断错误是否属于资产生命周期竞争：记录缺失、
// 阶段被并发推进或已到终态。这类错误对消费方是无害的，跳过即可。
func IsLifecycleError(err error) bool {
	if err == nil {
		return false
	}
	switch xerrors.CodeOf(err) {
	case CodeAssetNotFound, CodeStageConflict, CodeAssetTerminal, CodeIllegalTransition:
		return true
	default:
		return false
	}
}

// Clone 返回记录的深拷贝，避免调用方共享内部切片。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Payload != nil {
		clone.Payload = append([]byte(nil), r.Payload...)
	}
	if r.RiskSignals != nil {
		clone.RiskSignals = append([]string(nil), r.RiskSignals...)
	}
	if r.Audit != nil {
		clone.Audit = append([]StageEvent(nil), r.Audit...)
	}
	return &clone
}

// ClearPayload 不可逆地清除明文负载。
func (r *Record) ClearPayload() {
	for i := range r.Payload {
		r.Payload[i] = 0
	}
	r.Payload = nil
}
