package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

// Classifier strategies for the intent drift monitor.
const (
	ClassifierLLM      = "llm"
	ClassifierEndpoint = "endpoint"
	ClassifierNone     = "none"
)

// Embedding providers for the knowledge indexes.
const (
	EmbeddingOpenAI = "openai"
	EmbeddingGenAI  = "genai"
)

// Config holds process configuration. Every field is read from a RELAY_*
// environment variable named after its key, e.g. RELAY_MODEL_ENDPOINT.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// ModelEndpoint is the websocket URL of the realtime model, including any
	// deployment or api-version query parameters.
	ModelEndpoint string `mapstructure:"model_endpoint"`
	ModelAPIKey   string `mapstructure:"model_api_key"`
	// ModelAuthHeader is "authorization" (Bearer token) or "api-key".
	ModelAuthHeader string `mapstructure:"model_auth_header"`

	// OpenAI-compatible REST API used for chat classification and embeddings.
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key"`

	ClassifierStrategy string        `mapstructure:"classifier_strategy"`
	ClassifierModel    string        `mapstructure:"classifier_model"`
	ClassifierEndpoint string        `mapstructure:"classifier_endpoint"`
	ClassifierAPIKey   string        `mapstructure:"classifier_api_key"`
	ClassifierTimeout  time.Duration `mapstructure:"classifier_timeout"`
	DriftEvery         int           `mapstructure:"drift_every"`
	DriftWindow        int           `mapstructure:"drift_window"`

	EmbeddingProvider string `mapstructure:"embedding_provider"`
	EmbeddingModel    string `mapstructure:"embedding_model"`
	GenAIAPIKey       string `mapstructure:"genai_api_key"`
	GenAIBaseURL      string `mapstructure:"genai_base_url"`

	// Knowledge corpora carry vectors from EmbeddingModel, so there is no
	// usable default.
	HotelKnowledgePath   string `mapstructure:"hotel_knowledge_path"`
	AirlineKnowledgePath string `mapstructure:"airline_knowledge_path"`
	DatabasePath         string `mapstructure:"database_path"`

	PersonaFile     string `mapstructure:"persona_file"`
	PrimaryAgent    string `mapstructure:"primary_agent"`
	BackupAgent     string `mapstructure:"backup_agent"`
	ClassifierAgent string `mapstructure:"classifier_agent"`

	CustomerID   string `mapstructure:"customer_id"`
	CustomerName string `mapstructure:"customer_name"`

	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	DrainGrace      time.Duration `mapstructure:"drain_grace"`

	LogFile string `mapstructure:"log_file"`
	Debug   bool   `mapstructure:"debug"`
}

var defaults = map[string]any{
	"listen_addr":            "localhost:8765",
	"model_endpoint":         "",
	"model_api_key":          "",
	"model_auth_header":      "authorization",
	"openai_base_url":        "https://api.openai.com/v1",
	"openai_api_key":         "",
	"classifier_strategy":    ClassifierLLM,
	"classifier_model":       "gpt-4o-mini",
	"classifier_endpoint":    "",
	"classifier_api_key":     "",
	"classifier_timeout":     5 * time.Second,
	"drift_every":            2,
	"drift_window":           6,
	"embedding_provider":     EmbeddingOpenAI,
	"embedding_model":        "text-embedding-3-small",
	"genai_api_key":          "",
	"genai_base_url":         "",
	"hotel_knowledge_path":   "",
	"airline_knowledge_path": "",
	"database_path":          "data/bookings.db",
	"persona_file":           "data/personas.yaml",
	"primary_agent":          "hotel_agent",
	"backup_agent":           "flight_agent",
	"classifier_agent":       "classifier_agent",
	"customer_id":            "",
	"customer_name":          "",
	"dispatch_timeout":       20 * time.Second,
	"drain_grace":            3 * time.Second,
	"log_file":               "",
	"debug":                  false,
}

// Load reads the configuration from the environment through v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees keys viper knows about, so bind each one.
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ModelAuthHeader = strings.ToLower(strings.TrimSpace(cfg.ModelAuthHeader))
	cfg.ClassifierStrategy = strings.ToLower(strings.TrimSpace(cfg.ClassifierStrategy))
	cfg.EmbeddingProvider = strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once. A non-nil
// result is fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s_%s is required", envPrefix, strings.ToUpper(key)))
		}
	}

	require(c.ModelEndpoint, "model_endpoint")
	require(c.ModelAPIKey, "model_api_key")
	switch c.ModelAuthHeader {
	case "authorization", "api-key":
	default:
		errs = append(errs, fmt.Errorf("unsupported model auth header %q", c.ModelAuthHeader))
	}

	switch c.ClassifierStrategy {
	case ClassifierLLM:
		require(c.OpenAIAPIKey, "openai_api_key")
	case ClassifierEndpoint:
		require(c.ClassifierEndpoint, "classifier_endpoint")
	case ClassifierNone:
	default:
		errs = append(errs, fmt.Errorf("unsupported classifier strategy %q", c.ClassifierStrategy))
	}

	switch c.EmbeddingProvider {
	case EmbeddingOpenAI:
		require(c.OpenAIAPIKey, "openai_api_key")
	case EmbeddingGenAI:
		require(c.GenAIAPIKey, "genai_api_key")
	default:
		errs = append(errs, fmt.Errorf("unsupported embedding provider %q", c.EmbeddingProvider))
	}

	require(c.HotelKnowledgePath, "hotel_knowledge_path")
	require(c.AirlineKnowledgePath, "airline_knowledge_path")
	require(c.PersonaFile, "persona_file")
	require(c.PrimaryAgent, "primary_agent")
	require(c.BackupAgent, "backup_agent")
	if c.PrimaryAgent != "" && c.PrimaryAgent == c.BackupAgent {
		errs = append(errs, errors.New("primary and backup agents must differ"))
	}
	if c.DriftEvery <= 0 {
		errs = append(errs, errors.New("drift_every must be positive"))
	}
	if c.DriftWindow <= 0 {
		errs = append(errs, errors.New("drift_window must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("dispatch_timeout must be positive"))
	}
	if c.DrainGrace < 0 {
		errs = append(errs, errors.New("drain_grace must not be negative"))
	}
	return errors.Join(errs...)
}
