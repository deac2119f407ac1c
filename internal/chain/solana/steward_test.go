package solana

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
)

type fakeRPC struct {
	mu       sync.Mutex
	accounts string
	pool     []byte
	sent     []*solana.Transaction
	statuses []*rpc.SignatureStatusesResult
	polls    int
	sendErr  error
}

func (f *fakeRPC) GetHealth(ctx context.Context) (string, error) { return "ok", nil }

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}, LastValidBlockHeight: 100},
	}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st *rpc.SignatureStatusesResult
	if f.polls < len(f.statuses) {
		st = f.statuses[f.polls]
	}
	f.polls++
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{st}}, nil
}

func (f *fakeRPC) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	out := &rpc.GetTokenAccountsResult{}
	if f.accounts == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(f.accounts), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if f.pool == nil {
		return nil, errors.New("account not found")
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(f.pool)}}, nil
}

func (f *fakeRPC) Close() error { return nil }

type keySigner struct {
	keys map[string]solana.PrivateKey
}

func (s *keySigner) Sign(ctx context.Context, chainID model.ChainID, holder string, payload []byte) ([]byte, error) {
	key, ok := s.keys[holder]
	if !ok {
		return nil, fmt.Errorf("no key for %s", holder)
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}

func tokenAccountsJSON(amounts ...string) string {
	items := ""
	for i, a := range amounts {
		if i > 0 {
			items += ","
		}
		items += fmt.Sprintf(`{"pubkey":"%s","account":{"lamports":2039280,"owner":"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA","executable":false,"rentEpoch":0,
"data":{"program":"spl-token","space":165,"parsed":{"type":"account","info":{"mint":"J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn",
"tokenAmount":{"amount":"%s","decimals":9,"uiAmountString":""}}}}}}`, solana.NewWallet().PublicKey(), a)
	}
	return `{"context":{"slot":1},"value":[` + items + `]}`
}

func poolAccount(totalLamports, supply uint64) []byte {
	data := make([]byte, 258+16)
	binary.LittleEndian.PutUint64(data[258:], totalLamports)
	binary.LittleEndian.PutUint64(data[266:], supply)
	return data
}

func newTestBackend(t *testing.T, cfg Config, signer chain.Signer) (*StewardBackend, *fakeRPC) {
	if cfg.ProgramID == "" {
		cfg.ProgramID = solana.NewWallet().PublicKey().String()
	}
	cfg.PollInterval = 5 * time.Millisecond
	b, err := NewStewardBackend(cfg, signer)
	require.NoError(t, err)
	node := &fakeRPC{}
	b.newClient = func(url string) rpcClient { return node }
	require.NoError(t, b.Connect(context.Background()))
	return b, node
}

func TestParseCommitment(t *testing.T) {
	c, err := ParseCommitment("")
	require.NoError(t, err)
	require.Equal(t, rpc.ConfirmationStatusProcessed, c)

	c, err = ParseCommitment("finalized")
	require.NoError(t, err)
	require.Greater(t, commitmentRank(c), commitmentRank(rpc.ConfirmationStatusConfirmed))

	_, err = ParseCommitment("max")
	require.Error(t, err)
}

func TestParseTokenAmount(t *testing.T) {
	raw := []byte(`{"parsed":{"info":{"tokenAmount":{"amount":"1500000000","decimals":9}}}}`)
	v, err := parseTokenAmount(raw, 9)
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.RequireFromString("1.5")), v.String())

	// 0 位精度的 mint 不套用默认精度
	v, err = parseTokenAmount([]byte(`{"parsed":{"info":{"tokenAmount":{"amount":"42","decimals":0}}}}`), 9)
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.NewFromInt(42)), v.String())

	// 缺少 decimals 字段时用默认精度
	v, err = parseTokenAmount([]byte(`{"parsed":{"info":{"tokenAmount":{"amount":"2000000000"}}}}`), 9)
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.NewFromInt(2)), v.String())

	_, err = parseTokenAmount(nil, 9)
	require.Error(t, err)
	_, err = parseTokenAmount([]byte(`{"parsed":{"info":{"tokenAmount":{"amount":"x1"}}}}`), 9)
	require.Error(t, err)
}

func TestDecodePoolRate(t *testing.T) {
	rate, err := decodePoolRate(poolAccount(1_200_000_000, 1_000_000_000))
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("1.2")), rate.String())

	rate, err = decodePoolRate(poolAccount(5, 0))
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.NewFromInt(1)))

	_, err = decodePoolRate(make([]byte, 10))
	require.Error(t, err)
}

func TestStewardBackend_GetBalance(t *testing.T) {
	b, node := newTestBackend(t, Config{}, nil)
	holder := solana.NewWallet().PublicKey().String()

	// 没有 token 账户时余额为0
	bal, err := b.GetBalance(context.Background(), holder)
	require.NoError(t, err)
	require.True(t, bal.IsZero())

	node.accounts = tokenAccountsJSON("1000000000", "250000000")
	bal, err = b.GetBalance(context.Background(), holder)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("1.25")), bal.String())

	_, err = b.GetBalance(context.Background(), "not base58 !")
	require.Error(t, err)
}

func TestStewardBackend_DeriveAmount(t *testing.T) {
	pool := solana.NewWallet().PublicKey().String()
	b, node := newTestBackend(t, Config{StakePool: pool}, nil)
	node.pool = poolAccount(1_100_000_000, 1_000_000_000)
	node.accounts = tokenAccountsJSON("2000000000")

	staked, err := b.DeriveAmount(context.Background(), chain.DeriveQuery{Holder: solana.NewWallet().PublicKey().String()})
	require.NoError(t, err)
	require.True(t, staked.Equal(decimal.RequireFromString("2.2")), staked.String())

	v, err := b.DeriveAmount(context.Background(), chain.DeriveQuery{Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.NewFromInt(11)), v.String())

	node.pool = nil
	_, err = b.DeriveAmount(context.Background(), chain.DeriveQuery{Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
}

func TestStewardBackend_Stake(t *testing.T) {
	holderKey := solana.NewWallet().PrivateKey
	holder := holderKey.PublicKey().String()
	b, node := newTestBackend(t, Config{Commitment: "confirmed"}, &keySigner{keys: map[string]solana.PrivateKey{holder: holderKey}})
	node.statuses = []*rpc.SignatureStatusesResult{
		nil,
		{Slot: 9, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
		{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
	}

	res, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{
		Holder: holder,
		Kind:   model.Stake,
		Amount: decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.Block)
	require.Len(t, node.sent, 1)

	tx := node.sent[0]
	require.Equal(t, res.TxID, tx.Signatures[0].String())
	require.Equal(t, holderKey.PublicKey(), tx.Message.AccountKeys[0])
	require.NoError(t, tx.VerifySignatures())
}

func TestStewardBackend_UnstakeSignsForProgram(t *testing.T) {
	holderKey := solana.NewWallet().PrivateKey
	programKey := solana.NewWallet().PrivateKey
	holder := holderKey.PublicKey().String()
	signer := &keySigner{keys: map[string]solana.PrivateKey{
		holder:                          holderKey,
		programKey.PublicKey().String(): programKey,
	}}
	b, node := newTestBackend(t, Config{ProgramID: programKey.PublicKey().String()}, signer)
	node.statuses = []*rpc.SignatureStatusesResult{{Slot: 3, ConfirmationStatus: rpc.ConfirmationStatusProcessed}}

	_, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{Holder: holder, Kind: model.Unstake, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.Len(t, node.sent[0].Signatures, 2)
	require.NoError(t, node.sent[0].VerifySignatures())
}

func TestStewardBackend_Failures(t *testing.T) {
	holderKey := solana.NewWallet().PrivateKey
	holder := holderKey.PublicKey().String()
	signer := &keySigner{keys: map[string]solana.PrivateKey{holder: holderKey}}
	spec := &chain.TxSpec{Holder: holder, Kind: model.Stake, Amount: decimal.NewFromInt(1)}

	t.Run("send error", func(t *testing.T) {
		b, node := newTestBackend(t, Config{}, signer)
		node.sendErr = errors.New("blockhash not found")
		_, err := b.SubmitAndConfirm(context.Background(), spec)
		require.ErrorIs(t, err, chain.ErrNotBroadcast)
	})

	t.Run("missing key", func(t *testing.T) {
		b, node := newTestBackend(t, Config{}, &keySigner{})
		_, err := b.SubmitAndConfirm(context.Background(), spec)
		require.ErrorIs(t, err, chain.ErrNotBroadcast)
		require.Empty(t, node.sent)
	})

	t.Run("failed on chain", func(t *testing.T) {
		b, node := newTestBackend(t, Config{}, signer)
		node.statuses = []*rpc.SignatureStatusesResult{{Slot: 5, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}}
		res, err := b.SubmitAndConfirm(context.Background(), spec)
		require.ErrorIs(t, err, chain.ErrReverted)
		require.NotEmpty(t, res.TxID)
	})

	t.Run("deadline", func(t *testing.T) {
		b, _ := newTestBackend(t, Config{}, signer)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		res, err := b.SubmitAndConfirm(ctx, spec)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.NotEmpty(t, res.TxID)
	})
}
