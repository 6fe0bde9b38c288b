package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderEvents string `mapstructure:"order_events"`
}

// BusinessConfig 业务参数
//
// 费率和自动取消窗口是对账的基准，改动前必须评估存量订单
type BusinessConfig struct {
	FeeRate                  float64 `mapstructure:"fee_rate"`                   // 服务费率（如 0.05）
	AutoCancelSeconds        int     `mapstructure:"auto_cancel_seconds"`        // 未接单自动取消窗口（秒）
	MaxQuantity              int     `mapstructure:"max_quantity"`               // 单笔订单最大购买数量
	GatewayMaxRetries        int     `mapstructure:"gateway_max_retries"`        // 支付网关瞬时错误最大重试次数
	GatewayBackoffMillis     int     `mapstructure:"gateway_backoff_millis"`     // 支付网关重试基础退避（毫秒）
	SweepIntervalSeconds     int     `mapstructure:"sweep_interval_seconds"`     // 超时订单扫描间隔（秒）
	ReconcileIntervalSeconds int     `mapstructure:"reconcile_interval_seconds"` // 对账任务间隔（秒）
	MaxRetryCount            int     `mapstructure:"max_retry_count"`            // outbox 消息最大重试次数
}

func (b *BusinessConfig) AutoCancelWindow() time.Duration {
	return time.Duration(b.AutoCancelSeconds) * time.Second
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// DefaultBusiness 测试和兜底用的业务参数
func DefaultBusiness() BusinessConfig {
	return BusinessConfig{
		FeeRate:                  0.05,
		AutoCancelSeconds:        600,
		MaxQuantity:              99,
		GatewayMaxRetries:        3,
		GatewayBackoffMillis:     50,
		SweepIntervalSeconds:     30,
		ReconcileIntervalSeconds: 60,
		MaxRetryCount:            5,
	}
}
