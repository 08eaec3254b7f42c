package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ExpertStreamPolicy selects what the client sees while an expert
// consultation is in flight.
type ExpertStreamPolicy string

const (
	// ExpertPolicyForward relays expert chunks directly; the expert answer
	// becomes the assistant text and synthesis is skipped.
	ExpertPolicyForward ExpertStreamPolicy = "forward"
	// ExpertPolicySynthesize buffers the expert answer and streams only the
	// synthesis pass grounded on it.
	ExpertPolicySynthesize ExpertStreamPolicy = "synthesize"
)

type Config struct {
	Host    string
	Port    string
	GinMode string

	// Database
	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// LLM provider
	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64
	LLMBaseURL     string
	LLMTimeout     int // in seconds

	// Expert consultation (upstream SSE service)
	ExpertAPIBaseURL         string
	ExpertAPIKey             string
	ExpertAPITimeout         int // in seconds
	EnableExpertConsultation bool
	ExpertStreamPolicy       ExpertStreamPolicy

	// Device expert (external collaborator; only the gate is local)
	EnableDeviceExpert bool

	// Weather service (OpenWeatherMap)
	OpenWeatherAPIKey      string
	OpenWeatherBaseURL     string
	WeatherDefaultLocation string
	EnableWeatherService   bool

	// Web search (Serper)
	SerperAPIKey        string
	SerperBaseURL       string
	WebSearchNumResults int
	WebSearchTimeout    int // in seconds
	EnableWebSearch     bool

	// Session server
	InboundQueueSize    int
	HistoryWindow       int
	StorageTimeout      int // in seconds
	InitTimeout         int // in seconds
	ShutdownTimeout     int // in seconds
	WriteTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string

	// Prompt overrides (optional YAML file)
	Prompts PromptOverrides
}

var AppConfig *Config

// LoadConfig reads environment variables (and an optional .env file) into
// the process-wide config snapshot. The snapshot is immutable after load.
func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Host:    getEnvOrDefault("HOST", "0.0.0.0"),
		Port:    getEnvOrDefault("PORT", "8000"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		MySQLHost:     getEnvOrDefault("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnvAsInt("MYSQL_PORT", 3306),
		MySQLUser:     getEnvOrDefault("MYSQL_USER", "root"),
		MySQLPassword: getEnvOrDefault("MYSQL_PASSWORD", ""),
		MySQLDatabase: getEnvOrDefault("MYSQL_DATABASE", "aquaculture"),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// LLM provider
		LLMAPIKey:      getEnvOrDefault("LLM_API_KEY", ""),
		LLMModel:       getEnvOrDefault("LLM_MODEL", "anthropic/claude-sonnet-4.5"),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMBaseURL:     getEnvOrDefault("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMTimeout:     getEnvAsInt("LLM_TIMEOUT_SECONDS", 60),

		// Expert consultation
		ExpertAPIBaseURL:         getEnvOrDefault("EXPERT_API_BASE_URL", ""),
		ExpertAPIKey:             getEnvOrDefault("EXPERT_API_KEY", ""),
		ExpertAPITimeout:         getEnvAsInt("EXPERT_API_TIMEOUT", 60),
		EnableExpertConsultation: getEnvOrDefault("ENABLE_EXPERT_CONSULTATION", "true") == "true",
		ExpertStreamPolicy:       parseStreamPolicy(getEnvOrDefault("EXPERT_STREAM_POLICY", "synthesize")),

		// Device expert
		EnableDeviceExpert: getEnvOrDefault("ENABLE_DEVICE_EXPERT", "false") == "true",

		// Weather service
		OpenWeatherAPIKey:      getEnvOrDefault("OPENWEATHER_API_KEY", ""),
		OpenWeatherBaseURL:     getEnvOrDefault("OPENWEATHER_BASE_URL", "https://api.openweathermap.org/data/2.5/weather"),
		WeatherDefaultLocation: getEnvOrDefault("WEATHER_DEFAULT_LOCATION", "Tsukuba"),
		EnableWeatherService:   getEnvOrDefault("ENABLE_WEATHER_SERVICE", "true") == "true",

		// Web search
		SerperAPIKey:        getEnvOrDefault("SERPER_API_KEY", ""),
		SerperBaseURL:       getEnvOrDefault("SERPER_BASE_URL", "https://google.serper.dev/search"),
		WebSearchNumResults: getEnvAsInt("WEB_SEARCH_NUM_RESULTS", 5),
		WebSearchTimeout:    getEnvAsInt("WEB_SEARCH_TIMEOUT_SECONDS", 10),
		EnableWebSearch:     getEnvOrDefault("ENABLE_WEB_SEARCH", "true") == "true",

		// Session server
		InboundQueueSize:    getEnvAsInt("INBOUND_QUEUE_SIZE", 4),
		HistoryWindow:       getEnvAsInt("HISTORY_WINDOW", 20),
		StorageTimeout:      getEnvAsInt("STORAGE_TIMEOUT_SECONDS", 5),
		InitTimeout:         getEnvAsInt("INIT_TIMEOUT_SECONDS", 10),
		ShutdownTimeout:     getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		WriteTimeoutSeconds: getEnvAsInt("WS_WRITE_TIMEOUT_SECONDS", 10),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional prompt override file. Missing file is fine; a broken one is not.
	promptFile := getEnvOrDefault("PROMPT_FILE", "")
	if promptFile != "" {
		f, err := os.Open(promptFile)
		if err != nil {
			log.Fatalf("Failed to open prompt file %s: %v", promptFile, err)
		}
		defer f.Close()

		if err := LoadPromptOverrides(f, &AppConfig.Prompts); err != nil {
			log.Fatalf("Failed to load prompt file %s: %v", promptFile, err)
		}
		log.Printf("Loaded prompt overrides from %s", promptFile)
	}

	if AppConfig.LLMAPIKey == "" {
		log.Println("Warning: LLM API key is missing. Please set LLM_API_KEY environment variable.")
	}

	if AppConfig.EnableExpertConsultation && AppConfig.ExpertAPIBaseURL == "" {
		log.Println("Warning: expert consultation enabled but EXPERT_API_BASE_URL is unset; consultations will be skipped.")
	}

	if AppConfig.OpenWeatherAPIKey == "" {
		log.Println("Warning: OpenWeatherMap API key is missing; weather context is disabled.")
	}
}

// MySQLDSN builds the go-sql-driver DSN from the MYSQL_* settings.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.MySQLUser, c.MySQLPassword, c.MySQLHost, c.MySQLPort, c.MySQLDatabase)
}

// ExpertTimeout returns the expert call deadline as a duration.
func (c *Config) ExpertTimeout() time.Duration {
	return time.Duration(c.ExpertAPITimeout) * time.Second
}

// SearchTimeout returns the web search deadline as a duration.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.WebSearchTimeout) * time.Second
}

// StorageOpTimeout returns the per-operation storage deadline as a duration.
func (c *Config) StorageOpTimeout() time.Duration {
	return time.Duration(c.StorageTimeout) * time.Second
}

func parseStreamPolicy(v string) ExpertStreamPolicy {
	switch v {
	case string(ExpertPolicyForward):
		return ExpertPolicyForward
	case string(ExpertPolicySynthesize):
		return ExpertPolicySynthesize
	default:
		log.Printf("Warning: unknown EXPERT_STREAM_POLICY %q, using %q", v, ExpertPolicySynthesize)
		return ExpertPolicySynthesize
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
