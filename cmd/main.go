package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"stakeflow/cmd/stakeflow"
	"stakeflow/conf"
	"stakeflow/pkg/cache"
	"stakeflow/pkg/db"
	"stakeflow/pkg/jwt"
	"stakeflow/pkg/kafka"
	"stakeflow/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "stakeflow",
		Short:         "Staking position service for Lido (Ethereum) and Jito (Solana)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// 加载配置文件
			if err := conf.LoadConfig(configPath); err != nil {
				return err
			}
			logger.InitLogger(&conf.AppConfig.Log, conf.AppConfig.AppName)
			return nil
		},
		RunE: serve,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "conf/config.yaml", "config file")
	root.AddCommand(tokenCommand(), watchCommand())

	if err := root.Execute(); err != nil {
		log.Fatalf("stakeflow: %v", err)
	}
}

// 启动服务
func serve(*cobra.Command, []string) error {
	defer logger.Sync()
	appCfg := conf.AppConfig

	// 数据库和redis都是可选的
	var datasource *gorm.DB
	if appCfg.Host != "" {
		conn, err := db.Init(db.NewConfig(appCfg.Username, appCfg.Db.Password, appCfg.Host, appCfg.Port, appCfg.DbName))
		if err != nil {
			logger.Warnf("database disabled: %v", err)
		} else {
			datasource = conn
		}
	}
	if appCfg.Redis.Addr != "" {
		if err := cache.InitRedis(appCfg.Redis); err != nil {
			logger.Warnf("redis disabled: %v", err)
		}
	}

	app, err := api.InitApp(&appCfg, datasource)
	if err != nil {
		cache.CloseRedis()
		db.Close()
		return err
	}

	// 创建并启动服务
	srv := api.NewServer(&appCfg)
	srv.RegisterOnShutdown(func(ctx context.Context) {
		if err := app.Shutdown(ctx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
		cache.CloseRedis()
		db.Close()
	})
	return srv.Run(app.Router)
}

func tokenCommand() *cobra.Command {
	var (
		operator string
		readOnly bool
		ttl      time.Duration
	)
	c := &cobra.Command{
		Use:   "token",
		Short: "Prints a signed API token",
		RunE: func(c *cobra.Command, _ []string) error {
			if ttl <= 0 {
				ttl = time.Duration(conf.AppConfig.Jwt.JwtTtl) * time.Second
			}
			s, err := jwt.GenToken(jwt.BuildClaims(time.Now().Add(ttl), operator, readOnly), conf.AppConfig.Jwt.Secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), s)
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&operator, "operator", "admin", "operator name stored in the token")
	flags.BoolVar(&readOnly, "readonly", false, "issue a read-only token")
	flags.DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to jwt.ttl from the config")
	return c
}

func watchCommand() *cobra.Command {
	var group string
	c := &cobra.Command{
		Use:   "watch",
		Short: "Tails staking status events from kafka",
		RunE: func(c *cobra.Command, _ []string) error {
			broker := conf.AppConfig.Kafka.Broker
			if broker == "" {
				return fmt.Errorf("kafka.broker is not configured")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.Watch(ctx, kafka.NewKafkaConsumer(broker), conf.AppConfig.Kafka.Topic, group, c.OutOrStdout())
		},
	}
	c.Flags().StringVar(&group, "group", "stakeflow-watch", "kafka consumer group")
	return c
}
