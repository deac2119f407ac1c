package conf

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// 配置加载（链节点、签名服务、日志、缓存等）

type Db struct {
	DbName   string `yaml:"dbname"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	FileName   string `yaml:"file-name"`
	TimeFormat string `yaml:"time-format"`
	MaxSize    int    `yaml:"max-size"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAge     int    `yaml:"max-age"`
	Compress   bool   `yaml:"compress"`
	LocalTime  bool   `yaml:"local-time"`
	Console    bool   `yaml:"console"`
}

// RedisConfig is used to configure redis
type RedisConfig struct {
	Addr         string `yaml:"address"`
	Password     string `yaml:"password"`
	Db           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool-size"`
	MinIdleConns int    `yaml:"min-idle-conns"`
	IdleTimeout  int    `yaml:"idle-timeout"`
	// 仓位快照的过期时间（秒）
	SnapshotTTL int `yaml:"snapshot-ttl"`
}

type JwtConfig struct {
	Secret string `yaml:"secret"`
	JwtTtl int64  `yaml:"ttl"` // token 有效期（秒）
}

type KafkaConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// 以太坊（账户模型链，Lido）
type EthereumConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RpcURL          string `yaml:"rpc-url"`
	ContractAddress string `yaml:"contract-address"` // stETH 合约
	// 交易被打包后需要等待的区块确认数
	Confirmations uint64        `yaml:"confirmations"`
	PollInterval  time.Duration `yaml:"poll-interval"`
}

// Solana（原生转账 + token 账户模型）
type SolanaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RpcURL        string        `yaml:"rpc-url"`
	ProgramID     string        `yaml:"program-id"`      // steward 程序地址
	Mint          string        `yaml:"mint"`            // JitoSOL mint，可选
	StakePool     string        `yaml:"stake-pool"`      // stake pool 账户，用于换算汇率，可选
	TokenDecimals int32         `yaml:"token-decimals"`  // 回执代币精度
	PollInterval  time.Duration `yaml:"poll-interval"`
}

type SignerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// 质押编排相关配置
type StakingConfig struct {
	// 确认级别：processed / confirmed / finalized
	ConfirmationCommitment string        `yaml:"confirmation-commitment"`
	ConfirmationTimeout    time.Duration `yaml:"confirmation-timeout"`
	ReconciliationInterval time.Duration `yaml:"reconciliation-interval"`
	ReadTimeout            time.Duration `yaml:"read-timeout"`
	DefaultReferral        string        `yaml:"default-referral"`
	DefaultTarget          string        `yaml:"default-target"`

	Ethereum EthereumConfig `yaml:"ethereum"`
	Solana   SolanaConfig   `yaml:"solana"`
	Signer   SignerConfig   `yaml:"signer"`
}

type Config struct {
	AppName      string `yaml:"app_name"`
	Listen       string `yaml:"listen"`
	Mode         string `yaml:"mode"`
	Language     string `yaml:"language"`
	MaxPingCount int    `yaml:"max-ping-count"`
	// 模拟环境，不连接真实链
	Simulated bool `yaml:"simulated"`
	// 没有配置kafka时，状态事件写入该文件
	RecorderPath string `yaml:"recorder-path"`

	Db      `yaml:"database"`
	Staking StakingConfig `yaml:"staking"`
	Log     LogConfig     `yaml:"log"`
	Jwt     JwtConfig     `yaml:"jwt"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

var AppConfig Config

func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("Read config file error %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("Unmarshal config yaml error: %w", err)
	}
	c.applyDefaults()
	c.applyEnv()
	AppConfig = c
	return nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "stakeflow"
	}
	if c.Listen == "" {
		c.Listen = ":12180"
	}
	if c.MaxPingCount == 0 {
		c.MaxPingCount = 10
	}
	s := &c.Staking
	if s.ConfirmationCommitment == "" {
		s.ConfirmationCommitment = "processed"
	}
	if s.ConfirmationTimeout == 0 {
		s.ConfirmationTimeout = 90 * time.Second
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.Ethereum.Confirmations == 0 {
		s.Ethereum.Confirmations = 1
	}
	if s.Ethereum.PollInterval == 0 {
		s.Ethereum.PollInterval = 2 * time.Second
	}
	if s.Solana.PollInterval == 0 {
		s.Solana.PollInterval = 500 * time.Millisecond
	}
	if s.Solana.TokenDecimals == 0 {
		s.Solana.TokenDecimals = 9
	}
	if s.Signer.Timeout == 0 {
		s.Signer.Timeout = 30 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "staking_status"
	}
	if c.Redis.SnapshotTTL == 0 {
		c.Redis.SnapshotTTL = 3600
	}
}

// 环境变量优先于配置文件（部署时注入密钥和节点地址）
func (c *Config) applyEnv() {
	if v := os.Getenv("DB_USER"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Db.Password = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.DbName = v
	}
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host != "" && port != "" {
		c.Redis.Addr = fmt.Sprintf("%s:%s", host, port)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKER"); v != "" {
		c.Kafka.Broker = v
	}
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		c.Staking.Ethereum.RpcURL = v
	}
	if v := os.Getenv("SOL_RPC_URL"); v != "" {
		c.Staking.Solana.RpcURL = v
	}
	if v := os.Getenv("SIGNER_URL"); v != "" {
		c.Staking.Signer.URL = v
	}
	if v := os.Getenv("STAKEFLOW_SIMULATED"); v != "" {
		c.Simulated = cast.ToBool(v)
	}
	if v := os.Getenv("CONFIRMATION_TIMEOUT_MS"); v != "" {
		c.Staking.ConfirmationTimeout = time.Duration(cast.ToInt64(v)) * time.Millisecond
	}
	if v := os.Getenv("RECONCILIATION_INTERVAL_MS"); v != "" {
		c.Staking.ReconciliationInterval = time.Duration(cast.ToInt64(v)) * time.Millisecond
	}
}
