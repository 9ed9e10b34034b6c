// Package config 后台节点配置：YAML 文件加载后再以环境变量覆盖。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/weisyn/wallet-extension-go/client"
	"github.com/weisyn/wallet-extension-go/node"
	"github.com/weisyn/wallet-extension-go/wallet"
)

// Config 后台节点配置
type Config struct {
	// Listen 消息总线 websocket 监听地址
	Listen string `yaml:"listen" env:"WALLET_LISTEN"`

	// DBPath sqlite 数据库路径（预授权、设备记录）
	DBPath string `yaml:"db_path" env:"WALLET_DB_PATH"`

	// KeystoreDir 账户 keystore 目录
	KeystoreDir string `yaml:"keystore_dir" env:"WALLET_KEYSTORE_DIR"`

	// LogLevel debug / info / warn / error
	LogLevel string `yaml:"log_level" env:"WALLET_LOG_LEVEL"`

	Node     NodeConfig     `yaml:"node" envPrefix:"WALLET_NODE_"`
	Cosigner CosignerConfig `yaml:"cosigner" envPrefix:"WALLET_COSIGNER_"`

	// Accounts 启动时载入会话的账户，第一个为默认选中账户
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig 账户
type AccountConfig struct {
	Address  string `yaml:"address"`
	Guardian string `yaml:"guardian,omitempty"`
	Network  struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		ChainID string `yaml:"chain_id"`
		NodeURL string `yaml:"node_url,omitempty"`
	} `yaml:"network"`
	Deployment *struct {
		ClassHash           string   `yaml:"class_hash"`
		Salt                string   `yaml:"salt"`
		ConstructorCalldata []string `yaml:"constructor_calldata,omitempty"`
	} `yaml:"deployment,omitempty"`
}

// NodeConfig 节点 RPC 配置
type NodeConfig struct {
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// MaxFee 十进制或 0x 十六进制
	MaxFee string `yaml:"max_fee" env:"MAX_FEE"`
}

// CosignerConfig 联合签名服务配置
type CosignerConfig struct {
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	Protocol string        `yaml:"protocol" env:"PROTOCOL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Debug    bool          `yaml:"debug" env:"DEBUG"`

	// Audience 设备 JWT 的 aud
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Default 默认配置
func Default() *Config {
	nodeCfg := node.DefaultConfig()
	clientCfg := client.DefaultConfig()
	return &Config{
		Listen:      "127.0.0.1:8545",
		DBPath:      "wallet.db",
		KeystoreDir: "keystore",
		LogLevel:    "info",
		Node: NodeConfig{
			Endpoint: nodeCfg.Endpoint,
			Timeout:  nodeCfg.Timeout,
			MaxFee:   nodeCfg.MaxFee.String(),
		},
		Cosigner: CosignerConfig{
			Endpoint: clientCfg.Endpoint,
			Protocol: string(clientCfg.Protocol),
			Timeout:  clientCfg.Timeout,
		},
	}
}

// Load 读取配置：默认值 → YAML 文件（path 为空时跳过）→ 环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := c.Node.maxFee(); err != nil {
		errs = append(errs, err)
	}
	switch client.Protocol(c.Cosigner.Protocol) {
	case client.ProtocolHTTP, client.ProtocolGRPC:
	default:
		errs = append(errs, fmt.Errorf("unsupported cosigner protocol %q", c.Cosigner.Protocol))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	for i, acc := range c.Accounts {
		if strings.TrimSpace(acc.Address) == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: address is required", i))
		}
	}
	return errors.Join(errs...)
}

func (n NodeConfig) maxFee() (*big.Int, error) {
	if n.MaxFee == "" {
		return nil, nil
	}
	fee, ok := new(big.Int).SetString(n.MaxFee, 0)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("invalid node max_fee %q", n.MaxFee)
	}
	return fee, nil
}

// NodeConfig 转换为 node.Config
func (c *Config) NodeConfig() *node.Config {
	cfg := node.DefaultConfig()
	if c.Node.Endpoint != "" {
		cfg.Endpoint = c.Node.Endpoint
	}
	if c.Node.Timeout > 0 {
		cfg.Timeout = c.Node.Timeout
	}
	if fee, err := c.Node.maxFee(); err == nil && fee != nil {
		cfg.MaxFee = fee
	}
	return cfg
}

// ClientConfig 转换为 client.Config（不含 Tokens / Logger）
func (c *Config) ClientConfig() *client.Config {
	cfg := client.DefaultConfig()
	if c.Cosigner.Endpoint != "" {
		cfg.Endpoint = c.Cosigner.Endpoint
	}
	if c.Cosigner.Protocol != "" {
		cfg.Protocol = client.Protocol(c.Cosigner.Protocol)
	}
	if c.Cosigner.Timeout > 0 {
		cfg.Timeout = c.Cosigner.Timeout
	}
	cfg.Debug = c.Cosigner.Debug
	return cfg
}

// WalletAccounts 转换为会话账户
func (c *Config) WalletAccounts() []wallet.Account {
	out := make([]wallet.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		acc := wallet.Account{
			Address:  a.Address,
			Guardian: a.Guardian,
			Network: wallet.Network{
				ID:      a.Network.ID,
				Name:    a.Network.Name,
				ChainID: a.Network.ChainID,
				NodeURL: a.Network.NodeURL,
			},
		}
		if d := a.Deployment; d != nil {
			acc.Deployment = &wallet.Deployment{
				ClassHash:           d.ClassHash,
				Salt:                d.Salt,
				ConstructorCalldata: d.ConstructorCalldata,
			}
		}
		out = append(out, acc)
	}
	return out
}
