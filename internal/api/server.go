package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"custody-pipeline/internal/approval"
	"custody-pipeline/internal/asset"
	"custody-pipeline/internal/auth"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/observability/metrics"
	"custody-pipeline/internal/pipeline"
)

// Server 负责暴露 REST 接口，供外部采集源与操作员驱动资产管道。
type Server struct {
	addr    string
	service *pipeline.Service
	cashout *pipeline.CashoutController
	holding *pipeline.HoldingVault
	auth    *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *pipeline.Service, cashout *pipeline.CashoutController, holding *pipeline.HoldingVault, authSvc *auth.Service) *Server {
	return &Server{addr: addr, service: svc, cashout: cashout, holding: holding, auth: authSvc}
}

// Handler 返回完整路由，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/token", s.instrument("auth_token", s.handleToken))

	mux.Handle("POST /api/v1/assets", s.guard("assets_submit", auth.PermSubmit, s.handleSubmit))
	mux.Handle("GET /api/v1/assets", s.guard("assets_list", auth.PermRead, s.handleList))
	mux.Handle("GET /api/v1/assets/{id}", s.guard("assets_get", auth.PermRead, s.handleGet))
	mux.Handle("POST /api/v1/assets/{id}/approvals", s.guard("cashout_approve", auth.PermApprove, s.handleApprove))
	mux.Handle("POST /api/v1/assets/{id}/cashout", s.guard("cashout_execute", auth.PermCashout, s.handleCashout))
	mux.Handle("POST /api/v1/assets/{id}/release", s.guard("hold_release", auth.PermReleaseHold, s.handleReleaseHold))
	mux.Handle("GET /api/v1/stats", s.guard("stats", auth.PermStats, s.handleStats))

	mux.HandleFunc("GET /healthz", s.instrument("healthz", s.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// guard 为端点套上认证中间件与指标观测。
func (s *Server) guard(name, permission string, handler http.HandlerFunc) http.Handler {
	wrapped := http.HandlerFunc(s.instrument(name, handler))
	if s.auth == nil {
		return wrapped
	}
	middleware := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
		AuditEvent:          name,
	})
	return middleware(wrapped)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mw := &metricsWriter{ResponseWriter: w, status: http.StatusOK}
		handler(mw, r)
		metrics.ObserveHTTPRequest(name, r.Method, mw.status, time.Since(start))
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "认证未启用"})
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "请求体解析失败"})
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if stdErrors.Is(err, auth.ErrOperatorRevoked) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]string{"error": "认证失败"})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "请求体解析失败"})
		return
	}
	record, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redact(record))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(record))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]*asset.Record, 0, len(records))
	for _, record := range records {
		views = append(views, redact(record))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type approveRequest struct {
	Approver string `json:"approver,omitempty"`
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "请求体解析失败"})
		return
	}
	approver := operatorName(r, req.Approver)
	if approver == "" {
		writeError(w, xerrors.New(asset.CodeValidationFailed, "缺少审批人"))
		return
	}
	decision := approval.Decision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if err := s.service.Approve(r.Context(), r.PathValue("id"), approver, decision, req.Comment); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"asset_id": r.PathValue("id"),
		"approver": approver,
		"decision": string(decision),
	})
}

type cashoutRequest struct {
	Destination string  `json:"destination"`
	AmountUSD   float64 `json:"amount_usd"`
	Operator    string  `json:"operator,omitempty"`
}

func (s *Server) handleCashout(w http.ResponseWriter, r *http.Request) {
	if s.cashout == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "提取控制器未初始化"})
		return
	}
	var req cashoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "请求体解析失败"})
		return
	}
	result, err := s.cashout.Cashout(r.Context(), pipeline.CashoutRequest{
		AssetID:     r.PathValue("id"),
		Destination: req.Destination,
		AmountUSD:   req.AmountUSD,
		Operator:    operatorName(r, req.Operator),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type releaseRequest struct {
	Operator string `json:"operator,omitempty"`
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	if s.holding == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "持有监控未初始化"})
		return
	}
	var req releaseRequest
	if r.Body != nil {
		// 空请求体合法，操作员名可以完全来自令牌。
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	operator := operatorName(r, req.Operator)
	if err := s.holding.ReleaseHold(r.Context(), r.PathValue("id"), operator); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset_id": r.PathValue("id"), "released_by": operator})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// operatorName 优先取令牌主体，退回请求体字段。
func operatorName(r *http.Request, fallback string) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return strings.TrimSpace(fallback)
}

// redact 返回去除明文负载的记录副本，负载不离开管道内部。
func redact(record *asset.Record) *asset.Record {
	if record == nil {
		return nil
	}
	clone := *record
	clone.Payload = nil
	return &clone
}

func listOptionsFromQuery(r *http.Request) ([]asset.ListOption, error) {
	var opts []asset.ListOption
	query := r.URL.Query()
	if raw := query.Get("stage"); raw != "" {
		stage := asset.Stage(raw)
		if !asset.IsValidStage(stage) {
			return nil, xerrors.New(asset.CodeValidationFailed, "未知的阶段过滤值")
		}
		opts = append(opts, asset.WithStages(stage))
	}
	if raw := query.Get("kind"); raw != "" {
		kind := asset.Kind(raw)
		if !asset.IsValidKind(kind) {
			return nil, xerrors.New(asset.CodeValidationFailed, "未知的资产类型过滤值")
		}
		opts = append(opts, asset.WithKinds(kind))
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(asset.CodeValidationFailed, "limit 必须是正整数")
		}
		opts = append(opts, asset.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(asset.CodeValidationFailed, "offset 不能为负")
		}
		opts = append(opts, asset.WithOffset(offset))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, asset.WithQuery(raw))
	}
	return opts, nil
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// writeError 将管道错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case asset.CodeAssetNotFound:
		status = http.StatusNotFound
	case asset.CodeValidationFailed, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case asset.CodeAssetConflict, asset.CodeStageConflict, asset.CodeAssetTerminal,
		asset.CodeIllegalTransition, approval.CodeDuplicateApprover:
		status = http.StatusConflict
	case asset.CodeThreatDetected, asset.CodeVerificationFailed:
		status = http.StatusUnprocessableEntity
	case asset.CodeTransferDenied:
		status = http.StatusForbidden
	case asset.CodeOracleUnavailable, asset.CodeGatewayFailure:
		status = http.StatusBadGateway
	case xerrors.CodeStorageFailure, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// metricsWriter 捕获响应状态码用于指标记录。
type metricsWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
