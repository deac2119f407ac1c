package api

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"stakeflow/conf"
	"stakeflow/internal/chain"
	"stakeflow/internal/chain/ethereum"
	"stakeflow/internal/chain/solana"
	"stakeflow/internal/dao"
	"stakeflow/internal/handler/staking"
	"stakeflow/internal/handler/status"
	"stakeflow/internal/model"
	"stakeflow/internal/position"
	"stakeflow/internal/router"
	"stakeflow/internal/signer"
	"stakeflow/internal/sink"
	"stakeflow/pkg/cache"
	"stakeflow/pkg/kafka"
	"stakeflow/pkg/logger"
	"stakeflow/pkg/recorder"
)

// App 组装好的服务：路由和关闭时需要释放的资源
type App struct {
	Router Router
	Orch   *position.Orchestrator

	cancel  context.CancelFunc
	sinks   []*sink.Async
	closers []func() error
}

// InitApp datasource 为 nil 时不记录操作流水
func InitApp(cfg *conf.Config, datasource *gorm.DB) (*App, error) {
	backends, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no chain enabled")
	}

	st := cfg.Staking
	orch := position.NewOrchestrator(position.NewStore(), position.NewHub(), position.Options{
		ConfirmationTimeout: st.ConfirmationTimeout,
		ReadTimeout:         st.ReadTimeout,
		DefaultReferral:     st.DefaultReferral,
		DefaultTarget:       st.DefaultTarget,
	}, backends...)

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{Orch: orch, cancel: cancel}

	// 节点暂时不可用时仍然启动，读写会返回错误并由对账重试
	if err := orch.Start(ctx); err != nil {
		logger.Warnf("[Init] connect backends: %v", err)
	}

	// 状态事件出口
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := sink.NewMetrics(reg)
	if err != nil {
		cancel()
		return nil, err
	}
	orch.OnStatus(metrics.Observe)

	ws := status.NewHandler(orch)
	orch.OnStatus(ws.Broadcast)

	var ops *dao.OperationDao
	if datasource != nil {
		ops = dao.NewOperationDao(datasource)
		app.attach(orch, sink.NewJournal(ops))
	}

	var snapshots *sink.SnapshotCache
	if cache.Enabled() {
		snapshots = sink.NewSnapshotCache(cache.GetRedisClient(), time.Duration(cfg.Redis.SnapshotTTL)*time.Second)
		restore(ctx, orch, snapshots, backends)
		app.attach(orch, snapshots)
	}

	switch {
	case cfg.Kafka.Broker != "":
		producer := kafka.NewKafkaProducer(cfg.Kafka.Broker, cfg.Kafka.Topic)
		app.closers = append(app.closers, producer.Close)
		app.attach(orch, sink.NewPublisher(producer))
	case cfg.RecorderPath != "":
		rec := recorder.NewJSONFileRecorder(cfg.RecorderPath)
		app.closers = append(app.closers, rec.Close)
		app.attach(orch, sink.NewRecorder(rec))
	}

	go func() {
		if err := orch.Reconciler().RefreshAll(ctx); err != nil {
			logger.Warnf("[Init] initial reconciliation: %v", err)
		}
		orch.Reconciler().Run(ctx, st.ReconciliationInterval)
	}()

	// 接口层的可选依赖保持为 nil 接口
	var (
		opsStore staking.OperationStore
		deleter  staking.SnapshotDeleter
	)
	if ops != nil {
		opsStore = ops
	}
	if snapshots != nil {
		deleter = snapshots
	}
	sh := staking.NewHandler(orch, opsStore, deleter, st.ConfirmationTimeout)
	app.Router = router.NewApiRouter(sh, ws, orch, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return app, nil
}

func (a *App) attach(orch *position.Orchestrator, s sink.Sink) {
	as := sink.NewAsync(s, 1024, 5*time.Second)
	orch.OnStatus(as.Publish)
	a.sinks = append(a.sinks, as)
}

// Shutdown 停止对账，等待进行中的操作，再写完剩余的状态事件
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()
	err := a.Orch.Shutdown(ctx)
	for _, s := range a.sinks {
		err = multierr.Append(err, s.Close(ctx))
	}
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	return err
}

func restore(ctx context.Context, orch *position.Orchestrator, snapshots *sink.SnapshotCache, backends []chain.Backend) {
	ids := make([]model.ChainID, 0, len(backends))
	for _, b := range backends {
		ids = append(ids, b.ChainID())
	}
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snaps, err := snapshots.LoadAll(readCtx, ids...)
	if err != nil {
		logger.Warnf("[Init] load position snapshots: %v", err)
		return
	}
	if n := orch.Restore(snaps); n > 0 {
		logger.Infof("[Init] restored %d positions from cache", n)
	}
}

func buildBackends(cfg *conf.Config) ([]chain.Backend, error) {
	st := cfg.Staking
	if cfg.Simulated {
		logger.Warnf("[Init] simulated mode, no transaction reaches a real chain")
		var backends []chain.Backend
		if st.Ethereum.Enabled {
			eth := chain.NewSimulatedBackend(model.ChainEthereum, model.AccountBased)
			eth.SetRate(decimal.RequireFromString("0.98"))
			backends = append(backends, eth)
		}
		if st.Solana.Enabled {
			sol := chain.NewSimulatedBackend(model.ChainSolana, model.TokenBased)
			sol.SetRate(decimal.RequireFromString("1.25"))
			backends = append(backends, sol)
		}
		return backends, nil
	}

	sg, err := signer.NewRemoteSigner(st.Signer.URL, st.Signer.Timeout)
	if err != nil {
		return nil, err
	}
	var backends []chain.Backend
	if st.Ethereum.Enabled {
		eth, err := ethereum.NewLidoBackend(ethereum.Config{
			RpcURL:          st.Ethereum.RpcURL,
			ContractAddress: st.Ethereum.ContractAddress,
			DefaultReferral: st.DefaultReferral,
			Confirmations:   st.Ethereum.Confirmations,
			PollInterval:    st.Ethereum.PollInterval,
		}, sg)
		if err != nil {
			return nil, fmt.Errorf("ethereum backend: %w", err)
		}
		backends = append(backends, eth)
	}
	if st.Solana.Enabled {
		sol, err := solana.NewStewardBackend(solana.Config{
			RpcURL:        st.Solana.RpcURL,
			ProgramID:     st.Solana.ProgramID,
			Mint:          st.Solana.Mint,
			StakePool:     st.Solana.StakePool,
			TokenDecimals: st.Solana.TokenDecimals,
			Commitment:    st.ConfirmationCommitment,
			PollInterval:  st.Solana.PollInterval,
		}, sg)
		if err != nil {
			return nil, fmt.Errorf("solana backend: %w", err)
		}
		backends = append(backends, sol)
	}
	return backends, nil
}

