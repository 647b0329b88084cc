package ethereum

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"custody-pipeline/internal/asset"
)

type fakeBalanceReader struct {
	balances map[common.Address]*big.Int
	err      error
}

func (f *fakeBalanceReader) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	balance, ok := f.balances[account]
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func TestWalletOracleAppraise(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	backend := &fakeBalanceReader{balances: map[common.Address]*big.Int{
		// 2 ETH
		addr: new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)),
	}}
	oracleClient := NewSimulatedWalletOracle("sim", backend, 2500, 0.9)

	record := asset.NewRecord(asset.KindWallet, []byte(`{"address":"`+addr.Hex()+`"}`), "drop", 3)
	valuation, err := oracleClient.Appraise(context.Background(), record)
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if valuation.ValueUSD != 5000 {
		t.Fatalf("expected 5000 USD, got %f", valuation.ValueUSD)
	}
	if valuation.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %f", valuation.Confidence)
	}
}

func TestWalletOracleAppraiseRawAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	backend := &fakeBalanceReader{balances: map[common.Address]*big.Int{}}
	oracleClient := NewSimulatedWalletOracle("sim", backend, 2500, 0.9)

	record := asset.NewRecord(asset.KindWallet, []byte(addr.Hex()), "drop", 3)
	valuation, err := oracleClient.Appraise(context.Background(), record)
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if valuation.ValueUSD != 0 {
		t.Fatalf("expected empty wallet to appraise at 0, got %f", valuation.ValueUSD)
	}
}

func TestWalletOracleRejectsBadPayload(t *testing.T) {
	oracleClient := NewSimulatedWalletOracle("sim", &fakeBalanceReader{}, 2500, 0.9)
	record := asset.NewRecord(asset.KindWallet, []byte("not-an-address"), "drop", 3)
	if _, err := oracleClient.Appraise(context.Background(), record); err == nil {
		t.Fatalf("expected error for invalid payload")
	} else if !strings.Contains(err.Error(), "无效的钱包地址") {
		t.Fatalf("unexpected error: %v", err)
	}
}
