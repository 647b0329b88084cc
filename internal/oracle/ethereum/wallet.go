// Package ethereum appraises wallet assets by querying an EVM compatible chain.
package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"custody-pipeline/internal/asset"
	"custody-pipeline/internal/oracle"
)

// Config describes how to construct a wallet appraiser.
type Config struct {
	Name      string
	RPCURL    string
	USDPerETH float64
	// Confidence reported for live chain reads. Defaults to 0.9.
	Confidence float64
}

// BalanceReader mirrors the subset of ethclient used for appraisal.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// WalletOracle implements oracle.ValueOracle for wallet assets by reading
// the on-chain balance of the address carried in the payload.
type WalletOracle struct {
	name       string
	rpcClient  *gethrpc.Client
	eth        *ethclient.Client
	backend    BalanceReader
	usdPerETH  float64
	confidence float64
	mu         sync.Mutex
}

// NewWalletOracle dials the configured RPC endpoint and returns a ready-to-use appraiser.
func NewWalletOracle(ctx context.Context, cfg Config) (*WalletOracle, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.USDPerETH <= 0 {
		return nil, errors.New("未配置 ETH 参考价格")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	confidence := cfg.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.9
	}
	return &WalletOracle{
		name:       cfg.Name,
		rpcClient:  rpcClient,
		eth:        eth,
		backend:    eth,
		usdPerETH:  cfg.USDPerETH,
		confidence: confidence,
	}, nil
}

// NewSimulatedWalletOracle wraps an in-process backend for testing purposes.
func NewSimulatedWalletOracle(name string, backend BalanceReader, usdPerETH, confidence float64) *WalletOracle {
	if confidence <= 0 || confidence > 1 {
		confidence = 0.9
	}
	return &WalletOracle{
		name:       name,
		backend:    backend,
		usdPerETH:  usdPerETH,
		confidence: confidence,
	}
}

// Close releases network connections held by the appraiser.
func (o *WalletOracle) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.eth != nil {
		o.eth.Close()
		o.eth = nil
	}
	if o.rpcClient != nil {
		o.rpcClient.Close()
		o.rpcClient = nil
	}
}

type walletPayload struct {
	Address string `json:"address"`
}

// addressFromPayload 支持 JSON 负载（{"address": "0x.."}）与裸地址两种格式。
func addressFromPayload(payload []byte) (common.Address, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return common.Address{}, errors.New("钱包负载为空")
	}
	if strings.HasPrefix(trimmed, "{") {
		var decoded walletPayload
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return common.Address{}, fmt.Errorf("解析钱包负载失败: %w", err)
		}
		trimmed = strings.TrimSpace(decoded.Address)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("无效的钱包地址: %q", trimmed)
	}
	return common.HexToAddress(trimmed), nil
}

// Appraise 实现 oracle.ValueOracle 接口。
func (o *WalletOracle) Appraise(ctx context.Context, record *asset.Record) (oracle.Valuation, error) {
	if o == nil || o.backend == nil {
		return oracle.Valuation{}, errors.New("未初始化的钱包估价客户端")
	}
	address, err := addressFromPayload(record.Payload)
	if err != nil {
		return oracle.Valuation{}, err
	}
	balance, err := o.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return oracle.Valuation{}, fmt.Errorf("查询余额失败: %w", err)
	}

	// wei -> ETH，保留浮点近似即可，估价本身带有置信度。
	ethValue := new(big.Float).Quo(new(big.Float).SetInt(balance), big.NewFloat(1e18))
	ethFloat, _ := ethValue.Float64()

	return oracle.Valuation{
		ValueUSD:   ethFloat * o.usdPerETH,
		Confidence: o.confidence,
		Notes:      fmt.Sprintf("balance %s wei via %s", balance.String(), o.name),
	}, nil
}

var _ oracle.ValueOracle = (*WalletOracle)(nil)
