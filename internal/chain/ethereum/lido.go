package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

// stETH 合约中用到的方法
const stETHABI = `[
  {"name":"submit","type":"function","stateMutability":"payable","inputs":[{"name":"_referral","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"_account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"sharesOf","type":"function","stateMutability":"view","inputs":[{"name":"_account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getSharesByPooledEth","type":"function","stateMutability":"view","inputs":[{"name":"_ethAmount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getPooledEthByShares","type":"function","stateMutability":"view","inputs":[{"name":"_sharesAmount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const unstakeGuidance = "Lido has no direct unstake path through this interface, swap stETH to ETH on an external liquidity venue such as Curve"

// 节点客户端中用到的方法，*ethclient.Client 实现了该接口
type rpcClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

type Config struct {
	RpcURL          string
	ContractAddress string
	DefaultReferral string
	// 打包后需要的区块确认数，至少为1
	Confirmations uint64
	PollInterval  time.Duration
}

// LidoBackend 账户模型链：通过 stETH 合约质押
type LidoBackend struct {
	cfg      Config
	signer   chain.Signer
	contract common.Address
	abi      abi.ABI
	dial     func(ctx context.Context, url string) (rpcClient, error)

	mu      sync.RWMutex
	client  rpcClient
	chainID *big.Int
}

var _ chain.Backend = (*LidoBackend)(nil)

func NewLidoBackend(cfg Config, signer chain.Signer) (*LidoBackend, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid stETH contract address: %q", cfg.ContractAddress)
	}
	if cfg.DefaultReferral != "" && !common.IsHexAddress(cfg.DefaultReferral) {
		return nil, fmt.Errorf("invalid referral address: %q", cfg.DefaultReferral)
	}
	parsed, err := abi.JSON(strings.NewReader(stETHABI))
	if err != nil {
		return nil, fmt.Errorf("parse stETH abi: %w", err)
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &LidoBackend{
		cfg:      cfg,
		signer:   signer,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
		dial: func(ctx context.Context, url string) (rpcClient, error) {
			return ethclient.DialContext(ctx, url)
		},
	}, nil
}

func (b *LidoBackend) ChainID() model.ChainID { return model.ChainEthereum }

func (b *LidoBackend) Kind() model.ChainKind { return model.AccountBased }

func (b *LidoBackend) Capabilities() chain.Capabilities {
	return chain.Capabilities{DirectUnstake: false, UnstakeGuidance: unstakeGuidance}
}

func (b *LidoBackend) Connect(ctx context.Context) error {
	client, err := b.dial(ctx, b.cfg.RpcURL)
	if err != nil {
		return fmt.Errorf("dial ethereum rpc: %w", err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("query chain id: %w", err)
	}

	b.mu.Lock()
	old := b.client
	b.client, b.chainID = client, id
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	logger.Infof("[LidoBackend] connected, chain id %s, contract %s", id, b.contract.Hex())
	return nil
}

func (b *LidoBackend) rpc() (rpcClient, *big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, nil, errors.New("ethereum backend not connected")
	}
	return b.client, b.chainID, nil
}

// 调用只读方法，返回 uint256
func (b *LidoBackend) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	client, _, err := b.rpc()
	if err != nil {
		return nil, err
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := client.CallContract(ctx, goethereum.CallMsg{To: &b.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	res, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	v, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected result type %T", method, res[0])
	}
	return v, nil
}

func (b *LidoBackend) GetBalance(ctx context.Context, holder string) (decimal.Decimal, error) {
	addr, err := parseAddress(holder)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := b.callUint(ctx, "balanceOf", addr)
	if err != nil {
		return decimal.Zero, err
	}
	return chain.FromBaseUnits(v, chain.EtherDecimals), nil
}

// DeriveAmount 份额换算都交给合约，客户端不做估算
func (b *LidoBackend) DeriveAmount(ctx context.Context, q chain.DeriveQuery) (decimal.Decimal, error) {
	var shares *big.Int
	var err error
	if q.Holder != "" {
		addr, perr := parseAddress(q.Holder)
		if perr != nil {
			return decimal.Zero, perr
		}
		shares, err = b.callUint(ctx, "sharesOf", addr)
	} else {
		shares, err = b.callUint(ctx, "getSharesByPooledEth", chain.ToBaseUnits(q.Amount, chain.EtherDecimals))
	}
	if err != nil {
		return decimal.Zero, err
	}
	pooled, err := b.callUint(ctx, "getPooledEthByShares", shares)
	if err != nil {
		return decimal.Zero, err
	}
	return chain.FromBaseUnits(pooled, chain.EtherDecimals), nil
}

func (b *LidoBackend) SubmitAndConfirm(ctx context.Context, spec *chain.TxSpec) (*chain.TxResult, error) {
	if spec.Kind != model.Stake {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotBroadcast, unstakeGuidance)
	}
	client, chainID, err := b.rpc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrNotBroadcast, err)
	}

	tx, err := b.buildSubmitTx(ctx, client, chainID, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: build tx: %v", chain.ErrNotBroadcast, err)
	}
	signed, err := b.sign(ctx, chainID, spec.Holder, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: sign tx: %v", chain.ErrNotBroadcast, err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send tx: %v", chain.ErrNotBroadcast, err)
	}

	result := &chain.TxResult{TxID: signed.Hash().Hex()}
	logger.Infof("[LidoBackend] submit sent, op %s tx %s value %s ETH", spec.OperationID, result.TxID, spec.Amount)

	receipt, err := b.waitMined(ctx, client, signed.Hash())
	if err != nil {
		return result, err
	}
	result.Block = receipt.BlockNumber.Uint64()
	if receipt.Status != types.ReceiptStatusSuccessful {
		return result, chain.ErrReverted
	}
	result.ConfirmedAt = time.Now()
	return result, nil
}

// 构建 submit(referral) 的 EIP-1559 交易
func (b *LidoBackend) buildSubmitTx(ctx context.Context, client rpcClient, chainID *big.Int, spec *chain.TxSpec) (*types.Transaction, error) {
	from, err := parseAddress(spec.Holder)
	if err != nil {
		return nil, err
	}
	referral := spec.Referral
	if referral == "" {
		referral = b.cfg.DefaultReferral
	}
	var referralAddr common.Address
	if referral != "" {
		if referralAddr, err = parseAddress(referral); err != nil {
			return nil, err
		}
	}
	data, err := b.abi.Pack("submit", referralAddr)
	if err != nil {
		return nil, err
	}
	value := chain.ToBaseUnits(spec.Amount, chain.EtherDecimals)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip cap: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	if head.BaseFee == nil {
		return nil, errors.New("chain has no base fee, london fork required")
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	gas, err := client.EstimateGas(ctx, goethereum.CallMsg{From: from, To: &b.contract, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &b.contract,
		Value:     value,
		Data:      data,
	}), nil
}

// 交易哈希交给外部签名服务签名
func (b *LidoBackend) sign(ctx context.Context, chainID *big.Int, holder string, tx *types.Transaction) (*types.Transaction, error) {
	s := types.LatestSignerForChainID(chainID)
	sig, err := b.signer.Sign(ctx, model.ChainEthereum, holder, s.Hash(tx).Bytes())
	if err != nil {
		return nil, err
	}
	signed, err := tx.WithSignature(s, sig)
	if err != nil {
		return nil, err
	}
	sender, err := types.Sender(s, signed)
	if err != nil {
		return nil, err
	}
	if sender != common.HexToAddress(holder) {
		return nil, fmt.Errorf("signature recovers %s, expected %s", sender.Hex(), holder)
	}
	return signed, nil
}

// 轮询回执直到达到确认数或ctx结束
func (b *LidoBackend) waitMined(ctx context.Context, client rpcClient, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if b.cfg.Confirmations <= 1 {
				return receipt, nil
			}
			head, herr := client.BlockNumber(ctx)
			if herr == nil && head+1 >= receipt.BlockNumber.Uint64()+b.cfg.Confirmations {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, goethereum.NotFound):
			logger.Warnf("[LidoBackend] receipt query for %s failed: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *LidoBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid ethereum address: %q", s)
	}
	return common.HexToAddress(s), nil
}
