package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file loaded before the environment.
const ConfigFileEnv = "POPCHAT_CONFIG"

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Reply      ReplyConfig      `yaml:"reply"`
	Quote      QuoteConfig      `yaml:"quote"`
	Speech     SpeechConfig     `yaml:"speech"`
	Attachment AttachmentConfig `yaml:"attachment"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// ReplyConfig controls how canned replies render time and date.
type ReplyConfig struct {
	TimeLayout string `yaml:"timeLayout"`
	DateLayout string `yaml:"dateLayout"`
	TimeZone   string `yaml:"timeZone"`
}

// QuoteConfig 名言接口配置
type QuoteConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// SpeechConfig 描述语音识别相关配置
type SpeechConfig struct {
	AppID          string `yaml:"appId"`
	AccessToken    string `yaml:"accessToken"`
	APIKey         string `yaml:"apiKey"`
	BaseURL        string `yaml:"baseUrl"`
	ConcurrentMode bool   `yaml:"concurrentMode"`
	ASRModel       string `yaml:"asrModel"`
	AudioFormat    string `yaml:"audioFormat"`
	SampleRate     int    `yaml:"sampleRate"`
	Timeout        int    `yaml:"timeout"`
	Enabled        bool   `yaml:"-"`
}

// AttachmentConfig 附件配置
type AttachmentConfig struct {
	MaxBytes int64 `yaml:"maxBytes"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Reply: ReplyConfig{
			TimeLayout: "3:04:05 PM",
			DateLayout: "1/2/2006",
		},
		Quote: QuoteConfig{Endpoint: "https://api.quotable.io/random"},
		Speech: SpeechConfig{
			AudioFormat: "pcm",
			SampleRate:  16000,
			Timeout:     30,
		},
		Attachment: AttachmentConfig{MaxBytes: 32 << 20},
	}
}

// Load 从可选的 YAML 文件和环境变量加载配置，环境变量优先。
func Load() (*Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Speech.Enabled = cfg.Speech.AppID != "" && (cfg.Speech.AccessToken != "" || cfg.Speech.APIKey != "")
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	addr, err := loadServerAddr(cfg.Server.Addr)
	if err != nil {
		return err
	}
	cfg.Server.Addr = addr

	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)

	cfg.Reply.TimeLayout = getEnvOrDefault("REPLY_TIME_LAYOUT", cfg.Reply.TimeLayout)
	cfg.Reply.DateLayout = getEnvOrDefault("REPLY_DATE_LAYOUT", cfg.Reply.DateLayout)
	cfg.Reply.TimeZone = getEnvOrDefault("REPLY_TIMEZONE", cfg.Reply.TimeZone)

	cfg.Quote.Endpoint = getEnvOrDefault("QUOTE_ENDPOINT", cfg.Quote.Endpoint)

	if err := applySpeechEnv(&cfg.Speech); err != nil {
		return err
	}

	maxBytes, err := parseOptionalIntEnv("ATTACHMENT_MAX_BYTES")
	if err != nil {
		return err
	}
	if maxBytes != nil {
		if *maxBytes < 1 {
			return fmt.Errorf("invalid ATTACHMENT_MAX_BYTES value %d: must be positive", *maxBytes)
		}
		cfg.Attachment.MaxBytes = int64(*maxBytes)
	}
	return nil
}

// loadServerAddr 解析服务器监听地址。
func loadServerAddr(current string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return current, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

func applySpeechEnv(sc *SpeechConfig) error {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return err
	}
	if timeout != nil {
		sc.Timeout = *timeout
	}

	rate, err := parseOptionalIntEnv("SPEECH_SAMPLE_RATE")
	if err != nil {
		return err
	}
	if rate != nil {
		sc.SampleRate = *rate
	}

	concurrent, err := parseBoolEnv("SPEECH_CONCURRENT_MODE", sc.ConcurrentMode)
	if err != nil {
		return err
	}
	sc.ConcurrentMode = concurrent

	sc.AppID = getEnvOrDefault("SPEECH_APP_ID", sc.AppID)
	sc.AccessToken = getEnvOrDefault("SPEECH_ACCESS_TOKEN", sc.AccessToken)
	sc.APIKey = getEnvOrDefault("SPEECH_API_KEY", sc.APIKey)
	if sc.AccessToken == "" {
		sc.AccessToken = sc.APIKey
	}
	sc.BaseURL = getEnvOrDefault("SPEECH_BASE_URL", sc.BaseURL)
	sc.ASRModel = getEnvOrDefault("SPEECH_ASR_MODEL", sc.ASRModel)
	sc.AudioFormat = getEnvOrDefault("SPEECH_AUDIO_FORMAT", sc.AudioFormat)
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
