package asset

// PipelineStats 聚合了各阶段的资产数量，常用于仪表盘或健康检查。
type PipelineStats struct {
	Total            int   `json:"total"`
	Acquired         int   `json:"acquired"`
	Screened         int   `json:"screened"`
	Verified         int   `json:"verified"`
	Holding          int   `json:"holding"`
	HoldComplete     int   `json:"hold_complete"`
	Vaulted          int   `json:"vaulted"`
	CashedOut        int   `json:"cashed_out"`
	QuarantineFailed int   `json:"quarantine_failed"`
	Rejected         int   `json:"rejected"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}

func (s *PipelineStats) count(stage Stage) {
	s.Total++
	switch stage {
	case StageAcquired:
		s.Acquired++
	case StageScreened:
		s.Screened++
	case StageVerified:
		s.Verified++
	case StageHolding:
		s.Holding++
	case StageHoldComplete:
		s.HoldComplete++
	case StageVaulted:
		s.Vaulted++
	case StageCashedOut:
		s.CashedOut++
	case StageQuarantineFailed:
		s.QuarantineFailed++
	case StageRejected:
		s.Rejected++
	}
}
