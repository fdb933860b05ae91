package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Provider ProviderConfig `mapstructure:"provider"`
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
	JobResult     string `mapstructure:"job_result"`
	PaymentResult string `mapstructure:"payment_result"`
}

// ProviderConfig 支付渠道配置
// 渠道对核心是不透明的：只需要一个拼支付链接的地址和一个回调签名密钥
type ProviderConfig struct {
	PayBaseURL    string `mapstructure:"pay_base_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type BusinessConfig struct {
	MaxRetryCount     int    `mapstructure:"max_retry_count"`     // 乐观锁冲突的有界重试次数
	JobRetryLimit     int    `mapstructure:"job_retry_limit"`     // 单条任务链的最大重试次数
	JobTimeoutMinutes int    `mapstructure:"job_timeout_minutes"` // RUNNING 超时，补偿任务按失败退款
	PlanSweepCron     string `mapstructure:"plan_sweep_cron"`     // 套餐过期清理的 cron 表达式
	SweepBatchSize    int    `mapstructure:"sweep_batch_size"`    // 批量清理单次处理上限
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
