package agent

import (
	"fmt"
	"os"

	"github.com/oscardvs/CE-voice-TAF/pkg/configutil"
	"github.com/spf13/viper"
)

// defaultSystemPrompt defines the assistant persona for the live call.
const defaultSystemPrompt = "You are a helpful and friendly travel assistant. " +
	"Help the caller plan a flight: collect the departure city, the arrival city " +
	"and the travel date, confirm the request back to them, and keep answers short " +
	"and natural for a phone conversation."

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Twilio    TwilioConfig    `mapstructure:"twilio"`
	Flights   FlightsConfig   `mapstructure:"flights"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	RedactPII bool            `mapstructure:"redact_pii"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	PublicURL string `mapstructure:"public_url"`
	VoicePath string `mapstructure:"voice_path"`
	WSPath    string `mapstructure:"ws_path"`
}

type OpenAIConfig struct {
	APIKey          string `mapstructure:"api_key"`
	RealtimeModel   string `mapstructure:"realtime_model"`
	CompletionModel string `mapstructure:"completion_model"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

type FlightsConfig struct {
	URL string `mapstructure:"url"`
}

type AssistantConfig struct {
	Voice        string  `mapstructure:"voice"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Temperature  float64 `mapstructure:"temperature"`
	Greeting     string  `mapstructure:"greeting"`
}

// LoadConfig reads the YAML config file, applying defaults and env
// fallbacks for credentials.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":5050")
	v.SetDefault("server.voice_path", "/voice")
	v.SetDefault("server.ws_path", "/media-stream")
	v.SetDefault("openai.realtime_model", "gpt-4o-realtime-preview-2024-10-01")
	v.SetDefault("openai.completion_model", "gpt-4o")
	v.SetDefault("assistant.voice", "alloy")
	v.SetDefault("assistant.system_prompt", defaultSystemPrompt)
	v.SetDefault("assistant.temperature", 0.8)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Twilio.AuthToken == "" {
		cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	return cfg, cfg.Validate()
}

// Validate enforces the startup invariants: the service cannot run without
// the speech/completion credential or a flights endpoint.
func (c Config) Validate() error {
	if err := configutil.RequireString(c.OpenAI.APIKey, "openai.api_key"); err != nil {
		return err
	}
	return configutil.RequireString(c.Flights.URL, "flights.url")
}
