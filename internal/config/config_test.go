package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPromptOverrides(t *testing.T) {
	yaml := `
system_prompt: "custom system"
intent: "custom intent %s"
`
	var overrides PromptOverrides
	require.NoError(t, LoadPromptOverrides(strings.NewReader(yaml), &overrides))

	assert.Equal(t, "custom system", overrides.SystemPrompt)
	assert.Equal(t, "custom intent %s", overrides.Intent)
	assert.Empty(t, overrides.Routing, "untouched fields stay empty")
}

func TestLoadPromptOverridesRejectsBrokenYAML(t *testing.T) {
	var overrides PromptOverrides
	err := LoadPromptOverrides(strings.NewReader(":\n  - ["), &overrides)
	assert.Error(t, err)
}

func TestParseStreamPolicy(t *testing.T) {
	assert.Equal(t, ExpertPolicyForward, parseStreamPolicy("forward"))
	assert.Equal(t, ExpertPolicySynthesize, parseStreamPolicy("synthesize"))
	assert.Equal(t, ExpertPolicySynthesize, parseStreamPolicy("bogus"))
}

func TestMySQLDSN(t *testing.T) {
	cfg := &Config{
		MySQLUser:     "app",
		MySQLPassword: "secret",
		MySQLHost:     "db.internal",
		MySQLPort:     3306,
		MySQLDatabase: "aquaculture",
	}
	dsn := cfg.MySQLDSN()
	assert.Equal(t, "app:secret@tcp(db.internal:3306)/aquaculture?parseTime=true&charset=utf8mb4&loc=UTC", dsn)
}

func TestLoadConfigDefaults(t *testing.T) {
	LoadConfig()

	assert.Equal(t, "8000", AppConfig.Port)
	assert.Equal(t, 4, AppConfig.InboundQueueSize)
	assert.Equal(t, 20, AppConfig.HistoryWindow)
	assert.Equal(t, ExpertPolicySynthesize, AppConfig.ExpertStreamPolicy)
	assert.Equal(t, "Tsukuba", AppConfig.WeatherDefaultLocation)
	assert.Equal(t, "https://google.serper.dev/search", AppConfig.SerperBaseURL)
	assert.Equal(t, 5, AppConfig.WebSearchNumResults)
	assert.Equal(t, 5*time.Second, AppConfig.StorageOpTimeout())
}
