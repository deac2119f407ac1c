package staking

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stakeflow/internal/chain"
	"stakeflow/internal/dao"
	"stakeflow/internal/model"
	"stakeflow/internal/position"
	"stakeflow/pkg/errors/ecode"
)

type apiResp struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fakeOps struct {
	query  dao.OperationQuery
	purged string
}

func (f *fakeOps) List(ctx context.Context, q dao.OperationQuery) ([]model.OperationRecord, error) {
	f.query = q
	return []model.OperationRecord{{OperationID: "op-1", ChainID: q.ChainID}}, nil
}

func (f *fakeOps) PurgeHolder(ctx context.Context, chainID model.ChainID, holder string) (int64, error) {
	f.purged = holder
	return 3, nil
}

type fakeSnapshots struct{ deleted []model.ChainID }

func (f *fakeSnapshots) Delete(ctx context.Context, chainID model.ChainID) error {
	f.deleted = append(f.deleted, chainID)
	return nil
}

type testEnv struct {
	engine    *gin.Engine
	orch      *position.Orchestrator
	eth       *chain.SimulatedBackend
	sol       *chain.SimulatedBackend
	ops       *fakeOps
	snapshots *fakeSnapshots
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	eth := chain.NewSimulatedBackend(model.ChainEthereum, model.AccountBased)
	sol := chain.NewSimulatedBackend(model.ChainSolana, model.TokenBased)
	orch := position.NewOrchestrator(position.NewStore(), position.NewHub(), position.Options{
		ConfirmationTimeout: time.Second,
		ReadTimeout:         time.Second,
	}, eth, sol)
	require.NoError(t, orch.Start(context.Background()))

	env := &testEnv{orch: orch, eth: eth, sol: sol, ops: &fakeOps{}, snapshots: &fakeSnapshots{}}
	h := NewHandler(orch, env.ops, env.snapshots, 2*time.Second)

	g := gin.New()
	g.GET("/positions", h.PositionList())
	g.GET("/positions/:chain", h.PositionGet())
	g.GET("/positions/:chain/capabilities", h.CapabilitiesGet())
	g.POST("/positions/:chain/refresh", h.PositionRefresh())
	g.POST("/wallet/connect", h.WalletConnect())
	g.POST("/wallet/disconnect", h.WalletDisconnect())
	g.POST("/stake", h.Stake())
	g.POST("/unstake", h.Unstake())
	g.GET("/operations", h.OperationList())
	env.engine = g
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, apiResp) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var resp apiResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestHandler_ConnectAndStake(t *testing.T) {
	env := newTestEnv(t)
	env.sol.SetRate(decimalOf(t, "2"))

	code, resp := env.do(t, http.MethodPost, "/wallet/connect", ConnectReq{Chain: "solana", Address: "holder-1"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, ecode.Success, resp.Code)

	code, resp = env.do(t, http.MethodPost, "/stake", map[string]any{"chain": "solana", "amount": "4", "wait": true})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var op OperationResp
	require.NoError(t, json.Unmarshal(resp.Data, &op))
	require.Equal(t, "confirmed", op.Status)
	require.NotEmpty(t, op.TxID)

	code, resp = env.do(t, http.MethodGet, "/positions/solana", nil)
	require.Equal(t, http.StatusOK, code)
	var pos model.Position
	require.NoError(t, json.Unmarshal(resp.Data, &pos))
	require.Equal(t, "holder-1", pos.Holder)
	require.True(t, pos.StakedAmount.Equal(decimalOf(t, "4")), pos.StakedAmount.String())
	require.True(t, pos.DerivedBalance.Equal(decimalOf(t, "2")), pos.DerivedBalance.String())
	require.Nil(t, pos.PendingOp)
}

func TestHandler_SubmitErrors(t *testing.T) {
	env := newTestEnv(t)

	// 未连接钱包
	code, resp := env.do(t, http.MethodPost, "/stake", map[string]any{"chain": "ethereum", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, ecode.ValidationErr, resp.Code)

	// 缺少必填字段
	code, resp = env.do(t, http.MethodPost, "/stake", map[string]any{"amount": "1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, ecode.ParamErr, resp.Code)

	_, err := env.orch.Connect(context.Background(), model.ChainEthereum, "0xabc")
	require.NoError(t, err)

	code, resp = env.do(t, http.MethodPost, "/unstake", map[string]any{"chain": "ethereum", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, ecode.UnsupportedErr, resp.Code)
	require.Zero(t, env.eth.Calls("SubmitAndConfirm"))

	env.eth.SetConfirmDelay(300 * time.Millisecond)
	code, _ = env.do(t, http.MethodPost, "/stake", map[string]any{"chain": "ethereum", "amount": "1"})
	require.Equal(t, http.StatusOK, code)
	code, resp = env.do(t, http.MethodPost, "/stake", map[string]any{"chain": "ethereum", "amount": "1"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, ecode.ConflictErr, resp.Code)
}

func TestHandler_CapabilitiesAndUnknownChain(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/positions/ethereum/capabilities", nil)
	require.Equal(t, http.StatusOK, code)
	var caps CapabilitiesResp
	require.NoError(t, json.Unmarshal(resp.Data, &caps))
	require.False(t, caps.DirectUnstake)
	require.NotEmpty(t, caps.UnstakeGuidance)
	require.Equal(t, model.AccountBased, caps.Kind)

	code, resp = env.do(t, http.MethodGet, "/positions/bitcoin", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, ecode.NotFoundErr, resp.Code)

	code, resp = env.do(t, http.MethodGet, "/positions", nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.Position
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 2)
}

func TestHandler_RefreshReadError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Connect(context.Background(), model.ChainSolana, "holder-1")
	require.NoError(t, err)

	env.sol.SetReadError(context.DeadlineExceeded)
	code, resp := env.do(t, http.MethodPost, "/positions/solana/refresh", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, ecode.ReadErr, resp.Code)
}

func TestHandler_DisconnectPurgesHistory(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Connect(context.Background(), model.ChainSolana, "holder-1")
	require.NoError(t, err)

	code, resp := env.do(t, http.MethodPost, "/wallet/disconnect", DisconnectReq{Chain: "solana", Purge: true})
	require.Equal(t, http.StatusOK, code, resp.Message)
	require.Equal(t, "holder-1", env.ops.purged)
	require.Equal(t, []model.ChainID{model.ChainSolana}, env.snapshots.deleted)

	pos, _ := env.orch.Position(model.ChainSolana)
	require.Empty(t, pos.Holder)
}

func TestHandler_OperationList(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/operations?chain=ethereum&limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, model.ChainEthereum, env.ops.query.ChainID)
	require.Equal(t, 5, env.ops.query.Limit)
	var list []model.OperationRecord
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)

	code, resp = env.do(t, http.MethodGet, "/operations?limit=500", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, ecode.ParamErr, resp.Code)
}

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
