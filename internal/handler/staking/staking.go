package staking

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"stakeflow/internal/dao"
	"stakeflow/internal/model"
	"stakeflow/internal/position"
	"stakeflow/pkg/errors"
	"stakeflow/pkg/errors/ecode"
	"stakeflow/pkg/logger"
	"stakeflow/pkg/response"
	"stakeflow/pkg/validator"
)

type OperationStore interface {
	List(ctx context.Context, q dao.OperationQuery) ([]model.OperationRecord, error)
	PurgeHolder(ctx context.Context, chainID model.ChainID, holder string) (int64, error)
}

type SnapshotDeleter interface {
	Delete(ctx context.Context, chainID model.ChainID) error
}

type Handler struct {
	orch      *position.Orchestrator
	ops       OperationStore
	snapshots SnapshotDeleter
	// wait=true 时最长等待时间
	maxWait time.Duration
}

// ops 和 snapshots 可以为 nil（未配置数据库/redis）
func NewHandler(orch *position.Orchestrator, ops OperationStore, snapshots SnapshotDeleter, maxWait time.Duration) *Handler {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Handler{orch: orch, ops: ops, snapshots: snapshots, maxWait: maxWait}
}

func (h *Handler) PositionList() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		response.JSON(ctx, nil, h.orch.Positions())
	}
}

func (h *Handler) PositionGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		pos, ok := h.orch.Position(model.ChainID(ctx.Param("chain")))
		if !ok {
			response.JSON(ctx, errors.WithCode(ecode.NotFoundErr, "unknown chain"), nil)
			return
		}
		response.JSON(ctx, nil, pos)
	}
}

func (h *Handler) CapabilitiesGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		chainID := model.ChainID(ctx.Param("chain"))
		caps, ok := h.orch.Capabilities(chainID)
		if !ok {
			response.JSON(ctx, errors.WithCode(ecode.NotFoundErr, "unknown chain"), nil)
			return
		}
		pos, _ := h.orch.Position(chainID)
		response.JSON(ctx, nil, CapabilitiesResp{
			Chain:           chainID,
			Kind:            pos.Kind,
			DirectUnstake:   caps.DirectUnstake,
			UnstakeGuidance: caps.UnstakeGuidance,
		})
	}
}

// PositionRefresh 手动对账
func (h *Handler) PositionRefresh() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		pos, err := h.orch.Reconciler().Refresh(ctx, model.ChainID(ctx.Param("chain")))
		if err != nil {
			response.JSON(ctx, toApiErr(err), pos)
			return
		}
		response.JSON(ctx, nil, pos)
	}
}

func (h *Handler) WalletConnect() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req ConnectReq
		if err := ctx.ShouldBindJSON(&req); err != nil {
			response.JSON(ctx, errors.WithCode(ecode.ParamErr, validator.Translate(err)), nil)
			return
		}
		pos, err := h.orch.Connect(ctx, model.ChainID(req.Chain), req.Address)
		if err != nil {
			response.JSON(ctx, toApiErr(err), pos)
			return
		}
		response.JSON(ctx, nil, pos)
	}
}

// WalletDisconnect 断开钱包并删除缓存的快照
func (h *Handler) WalletDisconnect() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req DisconnectReq
		if err := ctx.ShouldBindJSON(&req); err != nil {
			response.JSON(ctx, errors.WithCode(ecode.ParamErr, validator.Translate(err)), nil)
			return
		}
		chainID := model.ChainID(req.Chain)
		prev, _ := h.orch.Position(chainID)
		pos, err := h.orch.Disconnect(chainID)
		if err != nil {
			response.JSON(ctx, toApiErr(err), nil)
			return
		}
		if h.snapshots != nil {
			if err := h.snapshots.Delete(ctx, chainID); err != nil {
				logger.Warnf("[Staking] delete snapshot of %s: %v", chainID, err)
			}
		}
		if req.Purge && h.ops != nil && prev.Holder != "" {
			n, err := h.ops.PurgeHolder(ctx, chainID, prev.Holder)
			if err != nil {
				response.JSON(ctx, errors.Wrap(err, ecode.UnknownErr, "purge history failed"), pos)
				return
			}
			logger.Infof("[Staking] purged %d operations of %s on %s", n, prev.Holder, chainID)
		}
		response.JSON(ctx, nil, pos)
	}
}

func (h *Handler) Stake() gin.HandlerFunc {
	return h.submit(model.Stake)
}

func (h *Handler) Unstake() gin.HandlerFunc {
	return h.submit(model.Unstake)
}

func (h *Handler) submit(kind model.OpKind) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req OperationReq
		if err := ctx.ShouldBindJSON(&req); err != nil {
			response.JSON(ctx, errors.WithCode(ecode.ParamErr, validator.Translate(err)), nil)
			return
		}
		op, err := h.orch.Submit(ctx, model.OperationRequest{
			ChainID: model.ChainID(req.Chain),
			Kind:    kind,
			Amount:  req.Amount,
		})
		if err != nil {
			response.JSON(ctx, toApiErr(err), nil)
			return
		}
		resp := OperationResp{
			OperationID: op.ID,
			Chain:       op.ChainID,
			Kind:        op.Kind,
			Amount:      op.Amount,
			SubmittedAt: op.SubmittedAt,
			Status:      string(model.OperationPending),
		}
		if !req.Wait {
			response.JSON(ctx, nil, resp)
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, h.maxWait)
		defer cancel()
		res, err := op.Wait(waitCtx)
		if err != nil {
			// 等待超时，操作仍在进行，通过状态推送获取结果
			response.JSON(ctx, nil, resp)
			return
		}
		resp.TxID = res.TxID
		if res.Err != nil {
			resp.Status = string(model.OperationFailed)
			resp.Error = res.Err.Error()
			response.JSON(ctx, toApiErr(res.Err), resp)
			return
		}
		resp.Status = string(model.OperationConfirmed)
		response.JSON(ctx, nil, resp)
	}
}

func (h *Handler) OperationList() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if h.ops == nil {
			response.JSON(ctx, errors.WithCode(ecode.NotFoundErr, "operation journal disabled"), nil)
			return
		}
		var req OperationListReq
		if err := ctx.ShouldBindQuery(&req); err != nil {
			response.JSON(ctx, errors.WithCode(ecode.ParamErr, validator.Translate(err)), nil)
			return
		}
		list, err := h.ops.List(ctx, dao.OperationQuery{
			ChainID: model.ChainID(req.Chain),
			Holder:  req.Holder,
			Limit:   req.Limit,
		})
		if err != nil {
			response.JSON(ctx, errors.Wrap(err, ecode.UnknownErr, "接口调用失败"), nil)
			return
		}
		response.JSON(ctx, nil, list)
	}
}
