// Package approval 管理出库前的人工审批与多人会签。
package approval

import (
	xerrors "custody-pipeline/internal/errors"
)

// Decision 是审批人的裁决。
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Approval 是一条不可变的审批记录。
type Approval struct {
	ID        string   `json:"id"`
	AssetID   string   `json:"asset_id"`
	Approver  string   `json:"approver"`
	Decision  Decision `json:"decision"`
	Comment   string   `json:"comment,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

var (
	// ErrDuplicateApprover 表示同一审批人对同一资产重复表决。
	ErrDuplicateApprover = xerrors.New(CodeDuplicateApprover, "审批人已对该资产表决", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrApprovalNotFound 表示指定的审批记录不存在。
	ErrApprovalNotFound = xerrors.New(xerrors.CodeNotFound, "审批记录不存在")
)

const (
	CodeDuplicateApprover xerrors.Code = "APPROVAL_DUPLICATE"
)

func init() {
	xerrors.Register(CodeDuplicateApprover, xerrors.Attributes{
		Message:   "approver already voted on this asset",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidDecision 检查裁决值是否受支持。
func IsValidDecision(decision Decision) bool {
	return decision == DecisionApprove || decision == DecisionDeny
}

// Satisfied 判断审批集合是否满足 quorum：至少 quorum 个不同审批人投了同意票。
func Satisfied(approvals []*Approval, quorum int) bool {
	if quorum <= 0 {
		quorum = 1
	}
	seen := make(map[string]struct{}, len(approvals))
	for _, a := range approvals {
		if a == nil || a.Decision != DecisionApprove {
			continue
		}
		seen[a.Approver] = struct{}{}
	}
	return len(seen) >= quorum
}

// Denied 判断是否存在否决票。任何一张否决票都会阻断出库。
func Denied(approvals []*Approval) (*Approval, bool) {
	for _, a := range approvals {
		if a != nil && a.Decision == DecisionDeny {
			return a, true
		}
	}
	return nil, false
}
