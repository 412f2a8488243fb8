package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。启动时读取一次，之后不可变。
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Relay    RelayConfig
	Database DatabaseConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	up, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Upstream: up,
		Relay:    relay,
		Database: DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// UpstreamConfig 描述实时语音模型服务的连接配置。
type UpstreamConfig struct {
	Endpoint     string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
}

// loadUpstreamConfig 解析上游服务配置，端点与密钥为必填项。
func loadUpstreamConfig() (UpstreamConfig, error) {
	cfg := UpstreamConfig{
		Endpoint:     strings.TrimSpace(os.Getenv("UPSTREAM_ENDPOINT")),
		APIKey:       strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY")),
		Model:        strings.TrimSpace(os.Getenv("UPSTREAM_MODEL")),
		Voice:        strings.TrimSpace(os.Getenv("UPSTREAM_VOICE")),
		Instructions: strings.TrimSpace(os.Getenv("UPSTREAM_INSTRUCTIONS")),
	}

	var missing []string
	if cfg.Endpoint == "" {
		missing = append(missing, "UPSTREAM_ENDPOINT")
	}
	if cfg.APIKey == "" {
		missing = append(missing, "UPSTREAM_API_KEY")
	}
	if len(missing) > 0 {
		return UpstreamConfig{}, fmt.Errorf("missing env vars: %s", strings.Join(missing, ", "))
	}

	if cfg.Instructions == "" {
		cfg.Instructions = "You are a helpful assistant."
	}

	return cfg, nil
}

// RelayConfig 描述会话中继的运行参数。
type RelayConfig struct {
	IdleTimeout    time.Duration // 无帧活动超过该时长即回收会话
	ConnectRetries int           // 上游握手失败后的额外重试次数
}

// loadRelayConfig 解析中继参数，提供保守默认值。
func loadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{
		IdleTimeout:    60 * time.Second,
		ConnectRetries: 1,
	}

	if raw := strings.TrimSpace(os.Getenv("SESSION_IDLE_TIMEOUT")); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return RelayConfig{}, fmt.Errorf("invalid SESSION_IDLE_TIMEOUT value: %q", raw)
		}
		cfg.IdleTimeout = time.Duration(seconds) * time.Second
	}

	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_CONNECT_RETRIES")); raw != "" {
		retries, err := strconv.Atoi(raw)
		if err != nil || retries < 0 {
			return RelayConfig{}, fmt.Errorf("invalid UPSTREAM_CONNECT_RETRIES value: %q", raw)
		}
		cfg.ConnectRetries = retries
	}

	return cfg, nil
}

// DatabaseConfig 描述转录持久化配置，URL 为空时退化为内存存储。
type DatabaseConfig struct {
	URL string
}
