package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
)

// HTTPClientConfig 描述基于 HTTP 的外部服务客户端。
type HTTPClientConfig struct {
	Name    string
	URL     string
	APIKey  string
	Timeout time.Duration
}

func (cfg *HTTPClientConfig) applyDefaults() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "oracle URL 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, cfg HTTPClientConfig, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("编码请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("服务返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// HTTPThreatOracle 通过 HTTP 调用外部威胁检测服务。
// 签名与启发式检测需要原始负载，随请求以 base64 上送。
type HTTPThreatOracle struct {
	cfg    HTTPClientConfig
	client *http.Client
}

// NewHTTPThreatOracle 创建威胁检测客户端。
func NewHTTPThreatOracle(cfg HTTPClientConfig) (*HTTPThreatOracle, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &HTTPThreatOracle{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type threatRequest struct {
	AssetID     string `json:"asset_id"`
	Fingerprint string `json:"fingerprint"`
	Kind        string `json:"kind"`
	SourceTag   string `json:"source_tag,omitempty"`
	Payload     string `json:"payload"`
}

// Inspect 实现 ThreatOracle 接口。
func (o *HTTPThreatOracle) Inspect(ctx context.Context, record *asset.Record) (ThreatVerdict, error) {
	var verdict ThreatVerdict
	_, err := postJSON(ctx, o.client, o.cfg, threatRequest{
		AssetID:     record.ID,
		Fingerprint: record.Fingerprint,
		Kind:        string(record.Kind),
		SourceTag:   record.SourceTag,
		Payload:     base64.StdEncoding.EncodeToString(record.Payload),
	}, &verdict)
	if err != nil {
		return ThreatVerdict{}, xerrors.Wrap(xerrors.CodeOracleFailure, err, "威胁检测服务调用失败")
	}
	return verdict, nil
}

// HTTPValueOracle 通过 HTTP 调用外部估价服务。
type HTTPValueOracle struct {
	cfg    HTTPClientConfig
	client *http.Client
}

// NewHTTPValueOracle 创建估价客户端。
func NewHTTPValueOracle(cfg HTTPClientConfig) (*HTTPValueOracle, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &HTTPValueOracle{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type valuationRequest struct {
	AssetID string `json:"asset_id"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// Appraise 实现 ValueOracle 接口。
func (o *HTTPValueOracle) Appraise(ctx context.Context, record *asset.Record) (Valuation, error) {
	var valuation Valuation
	_, err := postJSON(ctx, o.client, o.cfg, valuationRequest{
		AssetID: record.ID,
		Kind:    string(record.Kind),
		Payload: base64.StdEncoding.EncodeToString(record.Payload),
	}, &valuation)
	if err != nil {
		return Valuation{}, xerrors.Wrap(xerrors.CodeOracleFailure, err, "估价服务调用失败")
	}
	return valuation, nil
}

// HTTPTransferGateway 通过 HTTP 调用外部转移网关。
type HTTPTransferGateway struct {
	cfg    HTTPClientConfig
	client *http.Client
}

// NewHTTPTransferGateway 创建转移网关客户端。
func NewHTTPTransferGateway(cfg HTTPClientConfig) (*HTTPTransferGateway, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &HTTPTransferGateway{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type transferRequest struct {
	AssetID     string  `json:"asset_id"`
	VaultRef    string  `json:"vault_ref"`
	Destination string  `json:"destination"`
	AmountUSD   float64 `json:"amount_usd"`
	Payload     string  `json:"payload"`
}

// Transfer 实现 TransferGateway 接口。
// 4xx 视为网关明确拒绝，不可重试；其余失败可重试。
func (g *HTTPTransferGateway) Transfer(ctx context.Context, req TransferRequest) (TransferReceipt, error) {
	var receipt TransferReceipt
	status, err := postJSON(ctx, g.client, g.cfg, transferRequest{
		AssetID:     req.AssetID,
		VaultRef:    req.VaultRef,
		Destination: req.Destination,
		AmountUSD:   req.AmountUSD,
		Payload:     base64.StdEncoding.EncodeToString(req.Payload),
	}, &receipt)
	if err != nil {
		if status >= 400 && status < 500 {
			return TransferReceipt{}, xerrors.Wrap(asset.CodeTransferDenied, err, "转移网关拒绝请求", xerrors.WithRetryable(false))
		}
		return TransferReceipt{}, xerrors.Wrap(asset.CodeGatewayFailure, err, "转移网关调用失败")
	}
	if receipt.CompletedAt == 0 {
		receipt.CompletedAt = time.Now().Unix()
	}
	return receipt, nil
}

var (
	_ ThreatOracle    = (*HTTPThreatOracle)(nil)
	_ ValueOracle     = (*HTTPValueOracle)(nil)
	_ TransferGateway = (*HTTPTransferGateway)(nil)
)
