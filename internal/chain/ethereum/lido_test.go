package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
)

const testContract = "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84"

// 模拟 stETH 合约：1 share = 1.1 ETH
type fakeNode struct {
	t       *testing.T
	backend *LidoBackend

	mu            sync.Mutex
	balances      map[common.Address]*big.Int
	shares        map[common.Address]*big.Int
	sent          []*types.Transaction
	receiptAfter  int
	receiptPolls  int
	receiptStatus uint64
	neverMined    bool
	callErr       error
}

func newFakeNode(t *testing.T, b *LidoBackend) *fakeNode {
	return &fakeNode{
		t:             t,
		backend:       b,
		balances:      map[common.Address]*big.Int{},
		shares:        map[common.Address]*big.Int{},
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeNode) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeNode) CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := f.backend.abi.MethodById(msg.Data[:4])
	require.NoError(f.t, err)
	args, err := method.Inputs.Unpack(msg.Data[4:])
	require.NoError(f.t, err)

	var out *big.Int
	switch method.Name {
	case "balanceOf":
		out = f.balances[args[0].(common.Address)]
	case "sharesOf":
		out = f.shares[args[0].(common.Address)]
	case "getSharesByPooledEth":
		out = new(big.Int).Div(new(big.Int).Mul(args[0].(*big.Int), big.NewInt(10)), big.NewInt(11))
	case "getPooledEthByShares":
		out = new(big.Int).Div(new(big.Int).Mul(args[0].(*big.Int), big.NewInt(11)), big.NewInt(10))
	}
	if out == nil {
		out = new(big.Int)
	}
	return method.Outputs.Pack(out)
}

func (f *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeNode) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeNode) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)}, nil
}

func (f *fakeNode) EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeNode) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.neverMined || f.receiptPolls <= f.receiptAfter {
		return nil, goethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus, TxHash: txHash, BlockNumber: big.NewInt(101)}, nil
}

func (f *fakeNode) BlockNumber(ctx context.Context) (uint64, error) { return 101, nil }

func (f *fakeNode) Close() {}

func (f *fakeNode) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type keySigner struct {
	key *ecdsa.PrivateKey
	err error
}

func (s *keySigner) Sign(ctx context.Context, chainID model.ChainID, holder string, payload []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return crypto.Sign(payload, s.key)
}

func newTestBackend(t *testing.T, signer chain.Signer) (*LidoBackend, *fakeNode) {
	b, err := NewLidoBackend(Config{
		ContractAddress: testContract,
		PollInterval:    5 * time.Millisecond,
	}, signer)
	require.NoError(t, err)
	node := newFakeNode(t, b)
	b.dial = func(ctx context.Context, url string) (rpcClient, error) { return node, nil }
	require.NoError(t, b.Connect(context.Background()))
	return b, node
}

func TestNewLidoBackend_InvalidAddress(t *testing.T) {
	_, err := NewLidoBackend(Config{ContractAddress: "not-an-address"}, nil)
	require.Error(t, err)
}

func TestLidoBackend_NotConnected(t *testing.T) {
	b, err := NewLidoBackend(Config{ContractAddress: testContract}, nil)
	require.NoError(t, err)
	_, err = b.GetBalance(context.Background(), testContract)
	require.Error(t, err)
}

func TestLidoBackend_BalanceAndDerive(t *testing.T) {
	b, node := newTestBackend(t, nil)
	holder := common.HexToAddress("0x1111111111111111111111111111111111111111")
	node.balances[holder], _ = new(big.Int).SetString("2500000000000000000", 10)
	node.shares[holder], _ = new(big.Int).SetString("2000000000000000000", 10)

	bal, err := b.GetBalance(context.Background(), holder.Hex())
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("2.5")), bal.String())

	staked, err := b.DeriveAmount(context.Background(), chain.DeriveQuery{Holder: holder.Hex()})
	require.NoError(t, err)
	require.True(t, staked.Equal(decimal.RequireFromString("2.2")), staked.String())

	// 份额换算的舍入由合约决定
	credited, err := b.DeriveAmount(context.Background(), chain.DeriveQuery{Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.True(t, credited.Equal(decimal.RequireFromString("0.999999999999999999")), credited.String())

	_, err = b.GetBalance(context.Background(), "bad")
	require.Error(t, err)
}

func TestLidoBackend_SubmitAndConfirm(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	holder := crypto.PubkeyToAddress(key.PublicKey)
	b, node := newTestBackend(t, &keySigner{key: key})
	node.receiptAfter = 2

	res, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{
		OperationID: "op-1",
		Holder:      holder.Hex(),
		Kind:        model.Stake,
		Amount:      decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(101), res.Block)
	require.Equal(t, 1, node.sentCount())

	tx := node.sent[0]
	require.Equal(t, res.TxID, tx.Hash().Hex())
	require.Equal(t, common.HexToAddress(testContract), *tx.To())
	require.Equal(t, "1500000000000000000", tx.Value().String())
	require.Equal(t, uint64(7), tx.Nonce())
	method, err := b.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "submit", method.Name)
}

func TestLidoBackend_Reverted(t *testing.T) {
	key, _ := crypto.GenerateKey()
	b, node := newTestBackend(t, &keySigner{key: key})
	node.receiptStatus = types.ReceiptStatusFailed

	res, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{
		Holder: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Kind:   model.Stake,
		Amount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, chain.ErrReverted)
	require.NotEmpty(t, res.TxID)
}

func TestLidoBackend_ConfirmationDeadline(t *testing.T) {
	key, _ := crypto.GenerateKey()
	b, node := newTestBackend(t, &keySigner{key: key})
	node.neverMined = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := b.SubmitAndConfirm(ctx, &chain.TxSpec{
		Holder: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Kind:   model.Stake,
		Amount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	require.NotEmpty(t, res.TxID)
	require.NotErrorIs(t, err, chain.ErrNotBroadcast)
}

func TestLidoBackend_NotBroadcast(t *testing.T) {
	key, _ := crypto.GenerateKey()
	holder := crypto.PubkeyToAddress(key.PublicKey).Hex()

	t.Run("signer error", func(t *testing.T) {
		b, node := newTestBackend(t, &keySigner{err: errors.New("rejected")})
		_, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{Holder: holder, Kind: model.Stake, Amount: decimal.NewFromInt(1)})
		require.ErrorIs(t, err, chain.ErrNotBroadcast)
		require.Equal(t, 0, node.sentCount())
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := crypto.GenerateKey()
		b, node := newTestBackend(t, &keySigner{key: other})
		_, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{Holder: holder, Kind: model.Stake, Amount: decimal.NewFromInt(1)})
		require.ErrorIs(t, err, chain.ErrNotBroadcast)
		require.Equal(t, 0, node.sentCount())
	})

	t.Run("unstake", func(t *testing.T) {
		b, node := newTestBackend(t, &keySigner{key: key})
		_, err := b.SubmitAndConfirm(context.Background(), &chain.TxSpec{Holder: holder, Kind: model.Unstake, Amount: decimal.NewFromInt(1)})
		require.ErrorIs(t, err, chain.ErrNotBroadcast)
		require.Equal(t, 0, node.sentCount())
	})
}
