package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Fingerprint 对原始负载计算 SHA-256 指纹，作为资产的规范化标识。
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewRecord 构造一条处于入库阶段的新资产记录。
func NewRecord(kind Kind, payload []byte, sourceTag string, maxRetries int) *Record {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := time.Now().Unix()
	return &Record{
		ID:          uuid.NewString(),
		Fingerprint: Fingerprint(payload),
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		SourceTag:   sourceTag,
		AcquiredAt:  now,
		Stage:       StageAcquired,
		RiskScore:   RiskScoreUnset,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
	}
}
