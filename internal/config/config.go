package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DialogueServerConfig struct {
	HTTPAddr          string
	DBDSN             string
	IntentConfigPath  string
	IntentConfigWatch bool

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	RecognizerBaseURL string
	RecognizerTimeout time.Duration
	ExtractorBaseURL  string
	ExtractorTimeout  time.Duration

	ConfidenceThreshold    float64
	AmbiguityMargin        float64
	AmbiguityFloor         float64
	AmbiguityMaxCandidates int
	AmbiguityMaxTurns      int
	TransferOverrideMargin float64

	MaxTurns        int
	SlotMaxAttempts int

	SessionIdleTimeout   time.Duration
	IdleSweepInterval    time.Duration
	CacheSweepInterval   time.Duration
	ConfigCacheTTL       time.Duration
	RecognitionCacheTTL  time.Duration
	UserContextTTL       time.Duration
	ActionDefaultTimeout time.Duration

	LogFormat string
	LogLevel  string
}

func LoadDialogueServerConfig() (DialogueServerConfig, error) {
	cfg := DialogueServerConfig{
		HTTPAddr:          getenvDefault("DIALOGUE_HTTP_ADDR", ":9020"),
		DBDSN:             os.Getenv("DB_DSN"),
		IntentConfigPath:  getenvDefault("INTENT_CONFIG_PATH", "configs/intents.yaml"),
		IntentConfigWatch: getenvBoolDefault("INTENT_CONFIG_WATCH", true),

		MQTTBrokerURL:   os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:    getenvDefault("MQTT_CLIENT_ID", "dialogue-server"),
		MQTTUsername:    os.Getenv("MQTT_USERNAME"),
		MQTTPassword:    os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "dialog"),

		RecognizerBaseURL: strings.TrimRight(os.Getenv("RECOGNIZER_BASE_URL"), "/"),
		RecognizerTimeout: time.Duration(getenvIntDefault("RECOGNIZER_TIMEOUT_MS", 3000)) * time.Millisecond,
		ExtractorBaseURL:  strings.TrimRight(os.Getenv("EXTRACTOR_BASE_URL"), "/"),
		ExtractorTimeout:  time.Duration(getenvIntDefault("EXTRACTOR_TIMEOUT_MS", 3000)) * time.Millisecond,

		ConfidenceThreshold:    getenvFloatDefault("CONFIDENCE_THRESHOLD", 0.7),
		AmbiguityMargin:        getenvFloatDefault("AMBIGUITY_MARGIN", 0.1),
		AmbiguityFloor:         getenvFloatDefault("AMBIGUITY_CANDIDATE_FLOOR", 0.3),
		AmbiguityMaxCandidates: getenvIntDefault("AMBIGUITY_MAX_CANDIDATES", 3),
		AmbiguityMaxTurns:      getenvIntDefault("AMBIGUITY_MAX_TURNS", 3),
		TransferOverrideMargin: getenvFloatDefault("TRANSFER_OVERRIDE_MARGIN", 0.05),

		MaxTurns:        getenvIntDefault("MAX_TURNS", 50),
		SlotMaxAttempts: getenvIntDefault("SLOT_MAX_ATTEMPTS", 3),

		SessionIdleTimeout:   getenvSecondsDefault("SESSION_IDLE_TIMEOUT_SECONDS", 1800),
		IdleSweepInterval:    getenvSecondsDefault("IDLE_SWEEP_INTERVAL_SECONDS", 60),
		CacheSweepInterval:   getenvSecondsDefault("CACHE_SWEEP_INTERVAL_SECONDS", 60),
		ConfigCacheTTL:       getenvSecondsDefault("CONFIG_CACHE_TTL_SECONDS", 300),
		RecognitionCacheTTL:  getenvSecondsDefault("RECOGNITION_CACHE_TTL_SECONDS", 120),
		UserContextTTL:       getenvSecondsDefault("USER_CONTEXT_TTL_SECONDS", 86400),
		ActionDefaultTimeout: getenvSecondsDefault("ACTION_DEFAULT_TIMEOUT_SECONDS", 10),

		LogFormat: strings.ToLower(getenvDefault("LOG_FORMAT", "text")),
		LogLevel:  strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
	}

	if cfg.DBDSN == "" && cfg.IntentConfigPath == "" {
		return DialogueServerConfig{}, fmt.Errorf("INTENT_CONFIG_PATH is required when DB_DSN is empty")
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		return DialogueServerConfig{}, fmt.Errorf("CONFIDENCE_THRESHOLD must be in (0, 1], got %v", cfg.ConfidenceThreshold)
	}
	if cfg.AmbiguityMargin < 0 || cfg.AmbiguityMargin >= 1 {
		return DialogueServerConfig{}, fmt.Errorf("AMBIGUITY_MARGIN must be in [0, 1), got %v", cfg.AmbiguityMargin)
	}
	if cfg.AmbiguityMaxCandidates < 2 {
		return DialogueServerConfig{}, fmt.Errorf("AMBIGUITY_MAX_CANDIDATES must be at least 2")
	}
	if cfg.MaxTurns <= 0 {
		return DialogueServerConfig{}, fmt.Errorf("MAX_TURNS must be positive")
	}
	if cfg.SlotMaxAttempts <= 0 {
		return DialogueServerConfig{}, fmt.Errorf("SLOT_MAX_ATTEMPTS must be positive")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return DialogueServerConfig{}, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

type ChatClientConfig struct {
	ServerURL string
	SessionID string
	Timeout   time.Duration
}

func LoadChatClientConfig() ChatClientConfig {
	return ChatClientConfig{
		ServerURL: strings.TrimRight(getenvDefault("DIALOGUE_SERVER_URL", "http://localhost:9020"), "/"),
		SessionID: os.Getenv("DIALOGUE_SESSION_ID"),
		Timeout:   getenvSecondsDefault("DIALOGUE_CLIENT_TIMEOUT_SECONDS", 30),
	}
}

func getenvDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func getenvIntDefault(key string, val int) int {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return val
	}
	return n
}

func getenvFloatDefault(key string, val float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return val
	}
	return f
}

func getenvBoolDefault(key string, val bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return val
	}
	return b
}

func getenvSecondsDefault(key string, val int) time.Duration {
	return time.Duration(getenvIntDefault(key, val)) * time.Second
}
