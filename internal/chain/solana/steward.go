package solana

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

// 节点客户端中用到的方法，*rpc.Client 实现了该接口
type rpcClient interface {
	GetHealth(ctx context.Context) (string, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	Close() error
}

type Config struct {
	RpcURL string
	// 质押目标程序（steward）
	ProgramID string
	// 回执代币 mint，配置后按 mint 过滤 token 账户，否则按程序过滤
	Mint string
	// stake pool 账户，用于读取链上汇率；为空时按 1:1 换算
	StakePool     string
	TokenDecimals int32
	Commitment    string
	PollInterval  time.Duration
}

// StewardBackend token模型链：原生转账到质押程序，回执为 token 账户余额
type StewardBackend struct {
	cfg        Config
	signer     chain.Signer
	program    solana.PublicKey
	mint       *solana.PublicKey
	pool       *solana.PublicKey
	commitment rpc.ConfirmationStatusType
	newClient  func(url string) rpcClient

	mu     sync.RWMutex
	client rpcClient
}

var _ chain.Backend = (*StewardBackend)(nil)

func NewStewardBackend(cfg Config, signer chain.Signer) (*StewardBackend, error) {
	program, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", cfg.ProgramID, err)
	}
	b := &StewardBackend{
		cfg:     cfg,
		signer:  signer,
		program: program,
		newClient: func(url string) rpcClient {
			return rpc.New(url)
		},
	}
	if cfg.Mint != "" {
		mint, err := solana.PublicKeyFromBase58(cfg.Mint)
		if err != nil {
			return nil, fmt.Errorf("invalid mint %q: %w", cfg.Mint, err)
		}
		b.mint = &mint
	}
	if cfg.StakePool != "" {
		pool, err := solana.PublicKeyFromBase58(cfg.StakePool)
		if err != nil {
			return nil, fmt.Errorf("invalid stake pool %q: %w", cfg.StakePool, err)
		}
		b.pool = &pool
	}
	if b.commitment, err = ParseCommitment(cfg.Commitment); err != nil {
		return nil, err
	}
	if b.cfg.TokenDecimals == 0 {
		b.cfg.TokenDecimals = chain.LamportsDecimals
	}
	if b.cfg.PollInterval == 0 {
		b.cfg.PollInterval = 500 * time.Millisecond
	}
	return b, nil
}

// ParseCommitment 解析确认级别，为空时使用 processed
func ParseCommitment(s string) (rpc.ConfirmationStatusType, error) {
	switch s {
	case "", string(rpc.ConfirmationStatusProcessed):
		return rpc.ConfirmationStatusProcessed, nil
	case string(rpc.ConfirmationStatusConfirmed):
		return rpc.ConfirmationStatusConfirmed, nil
	case string(rpc.ConfirmationStatusFinalized):
		return rpc.ConfirmationStatusFinalized, nil
	}
	return "", fmt.Errorf("unknown confirmation commitment %q", s)
}

func commitmentRank(s rpc.ConfirmationStatusType) int {
	switch s {
	case rpc.ConfirmationStatusProcessed:
		return 1
	case rpc.ConfirmationStatusConfirmed:
		return 2
	case rpc.ConfirmationStatusFinalized:
		return 3
	}
	return 0
}

func (b *StewardBackend) ChainID() model.ChainID { return model.ChainSolana }

func (b *StewardBackend) Kind() model.ChainKind { return model.TokenBased }

func (b *StewardBackend) Capabilities() chain.Capabilities {
	return chain.Capabilities{DirectUnstake: true}
}

func (b *StewardBackend) Connect(ctx context.Context) error {
	client := b.newClient(b.cfg.RpcURL)
	health, err := client.GetHealth(ctx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("solana rpc health: %w", err)
	}
	b.mu.Lock()
	old := b.client
	b.client = client
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	logger.Infof("[StewardBackend] connected, health %s, program %s", health, b.program)
	return nil
}

func (b *StewardBackend) rpc() (rpcClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, errors.New("solana backend not connected")
	}
	return b.client, nil
}

// jsonParsed 编码下 token 账户的数据结构
type parsedTokenAccount struct {
	Parsed struct {
		Info struct {
			Mint        string `json:"mint"`
			TokenAmount struct {
				Amount   string `json:"amount"`
				Decimals *int32 `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

// GetBalance 汇总持有人在目标程序/mint下的 token 账户余额，没有账户时余额为0
func (b *StewardBackend) GetBalance(ctx context.Context, holder string) (decimal.Decimal, error) {
	client, err := b.rpc()
	if err != nil {
		return decimal.Zero, err
	}
	owner, err := solana.PublicKeyFromBase58(holder)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid holder %q: %w", holder, err)
	}
	conf := &rpc.GetTokenAccountsConfig{}
	if b.mint != nil {
		conf.Mint = b.mint
	} else {
		conf.ProgramId = &b.program
	}
	out, err := client.GetTokenAccountsByOwner(ctx, owner, conf, &rpc.GetTokenAccountsOpts{
		Encoding: solana.EncodingJSONParsed,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get token accounts: %w", err)
	}
	if out == nil {
		return decimal.Zero, nil
	}

	total := decimal.Zero
	for _, acc := range out.Value {
		if acc == nil || acc.Account.Data == nil {
			continue
		}
		amount, err := parseTokenAmount(acc.Account.Data.GetRawJSON(), b.cfg.TokenDecimals)
		if err != nil {
			return decimal.Zero, fmt.Errorf("token account %s: %w", acc.Pubkey, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func parseTokenAmount(raw []byte, fallbackDecimals int32) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Zero, errors.New("account data is not jsonParsed")
	}
	var acc parsedTokenAccount
	if err := json.Unmarshal(raw, &acc); err != nil {
		return decimal.Zero, err
	}
	ta := acc.Parsed.Info.TokenAmount
	if ta.Amount == "" {
		return decimal.Zero, nil
	}
	v, ok := new(big.Int).SetString(ta.Amount, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid token amount %q", ta.Amount)
	}
	// 只有缺少 decimals 字段时才用默认精度，0 位精度的 mint 照原样换算
	decimals := fallbackDecimals
	if ta.Decimals != nil {
		decimals = *ta.Decimals
	}
	return chain.FromBaseUnits(v, decimals), nil
}

// stake pool 账户头部，只解析到汇率需要的字段
type stakePoolHeader struct {
	AccountType           uint8
	Manager               solana.PublicKey
	Staker                solana.PublicKey
	StakeDepositAuthority solana.PublicKey
	StakeWithdrawBumpSeed uint8
	ValidatorList         solana.PublicKey
	ReserveStake          solana.PublicKey
	PoolMint              solana.PublicKey
	ManagerFeeAccount     solana.PublicKey
	TokenProgramID        solana.PublicKey
	TotalLamports         uint64
	PoolTokenSupply       uint64
}

func decodePoolRate(data []byte) (decimal.Decimal, error) {
	var h stakePoolHeader
	if err := bin.NewBorshDecoder(data).Decode(&h); err != nil {
		return decimal.Zero, fmt.Errorf("decode stake pool: %w", err)
	}
	if h.PoolTokenSupply == 0 {
		return decimal.NewFromInt(1), nil
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(h.TotalLamports), 0).
		Div(decimal.NewFromBigInt(new(big.Int).SetUint64(h.PoolTokenSupply), 0)), nil
}

// 回执代币换算为原生币的汇率
func (b *StewardBackend) poolRate(ctx context.Context) (decimal.Decimal, error) {
	if b.pool == nil {
		return decimal.NewFromInt(1), nil
	}
	client, err := b.rpc()
	if err != nil {
		return decimal.Zero, err
	}
	out, err := client.GetAccountInfo(ctx, *b.pool)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get stake pool: %w", err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return decimal.Zero, errors.New("stake pool account not found")
	}
	return decodePoolRate(out.Value.Data.GetBinary())
}

// DeriveAmount 回执代币按链上汇率换算为原生币
func (b *StewardBackend) DeriveAmount(ctx context.Context, q chain.DeriveQuery) (decimal.Decimal, error) {
	amount := q.Amount
	if q.Holder != "" {
		bal, err := b.GetBalance(ctx, q.Holder)
		if err != nil {
			return decimal.Zero, err
		}
		amount = bal
	}
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	rate, err := b.poolRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

func (b *StewardBackend) SubmitAndConfirm(ctx context.Context, spec *chain.TxSpec) (*chain.TxResult, error) {
	client, err := b.rpc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrNotBroadcast, err)
	}
	tx, err := b.buildTransfer(ctx, client, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: build tx: %v", chain.ErrNotBroadcast, err)
	}
	if err := b.sign(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: sign tx: %v", chain.ErrNotBroadcast, err)
	}
	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: send tx: %v", chain.ErrNotBroadcast, err)
	}

	result := &chain.TxResult{TxID: sig.String()}
	logger.Infof("[StewardBackend] %s sent, op %s sig %s amount %s SOL", spec.Kind, spec.OperationID, result.TxID, spec.Amount)

	slot, err := b.waitConfirmed(ctx, client, sig)
	result.Block = slot
	if err != nil {
		return result, err
	}
	result.ConfirmedAt = time.Now()
	return result, nil
}

// 构建原生转账：质押为 持有人 -> 程序，赎回为 程序 -> 持有人，手续费由持有人支付
func (b *StewardBackend) buildTransfer(ctx context.Context, client rpcClient, spec *chain.TxSpec) (*solana.Transaction, error) {
	holder, err := solana.PublicKeyFromBase58(spec.Holder)
	if err != nil {
		return nil, fmt.Errorf("invalid holder %q: %w", spec.Holder, err)
	}
	target := b.program
	if spec.Target != "" {
		if target, err = solana.PublicKeyFromBase58(spec.Target); err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", spec.Target, err)
		}
	}
	lamports := chain.ToBaseUnits(spec.Amount, chain.LamportsDecimals)
	if !lamports.IsUint64() || lamports.Sign() <= 0 {
		return nil, fmt.Errorf("amount %s out of range", spec.Amount)
	}

	from, to := holder, target
	if spec.Kind == model.Unstake {
		from, to = target, holder
	}

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, errors.New("latest blockhash: empty result")
	}

	return solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports.Uint64(), from, to).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(holder),
	)
}

// 消息交给外部签名服务，按消息要求的签名者依次签名
func (b *StewardBackend) sign(ctx context.Context, tx *solana.Transaction) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		return errors.New("malformed message header")
	}
	sigs := make([]solana.Signature, 0, n)
	for _, key := range tx.Message.AccountKeys[:n] {
		raw, err := b.signer.Sign(ctx, model.ChainSolana, key.String(), msg)
		if err != nil {
			return fmt.Errorf("signer %s: %w", key, err)
		}
		if len(raw) != len(solana.Signature{}) {
			return fmt.Errorf("signer %s returned %d bytes", key, len(raw))
		}
		var s solana.Signature
		copy(s[:], raw)
		sigs = append(sigs, s)
	}
	tx.Signatures = sigs
	return nil
}

// 轮询签名状态直到达到配置的确认级别或ctx结束
func (b *StewardBackend) waitConfirmed(ctx context.Context, client rpcClient, sig solana.Signature) (uint64, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	want := commitmentRank(b.commitment)
	for {
		out, err := client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			logger.Warnf("[StewardBackend] status query for %s failed: %v", sig, err)
		} else if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return st.Slot, fmt.Errorf("%w: %v", chain.ErrReverted, st.Err)
			}
			if commitmentRank(st.ConfirmationStatus) >= want {
				return st.Slot, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *StewardBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
	}
}
