// Package weather enriches turns with current weather when the user's
// question depends on it. Every failure here is soft: the turn proceeds
// without weather context.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
)

const gatePrompt = `你是一个判断助手。判断用户的问题是否需要实时天气信息才能更好地回答（例如涉及投喂时机、换水、增氧、露天池塘管理等与天气相关的养殖决策）。
只回答"是"或"否"，不要输出其他内容。

用户问题：%s`

const cityPrompt = `从用户的问题中提取城市名称（英文）。如果问题中没有提到城市，回答"NONE"。
只输出城市名称或NONE，不要输出其他内容。

用户问题：%s`

// Conditions is the subset of the OpenWeatherMap response the gateway uses.
type Conditions struct {
	City        string
	Description string
	TempC       float64
	FeelsLikeC  float64
	Humidity    int
	WindSpeed   float64
}

// Service decides whether a query needs weather and fetches it.
type Service struct {
	llm         llm.Client
	apiKey      string
	baseURL     string
	defaultCity string
	model       string
	enabled     bool
	http        *http.Client
	logger      *logger.Logger
}

// NewService builds a weather service. An empty apiKey or enabled=false
// disables it; MaybeGetContext then always returns "".
func NewService(client llm.Client, apiKey, baseURL, defaultCity, model string, enabled bool, log *logger.Logger) *Service {
	return &Service{
		llm:         client,
		apiKey:      apiKey,
		baseURL:     baseURL,
		defaultCity: defaultCity,
		model:       model,
		enabled:     enabled,
		http:        &http.Client{Timeout: 10 * time.Second},
		logger:      log.WithComponent("weather"),
	}
}

// MaybeGetContext returns a formatted weather line for the prompt when the
// query needs one, or "" when it does not or anything fails.
func (s *Service) MaybeGetContext(ctx context.Context, query string) string {
	if !s.enabled || s.apiKey == "" {
		return ""
	}

	needed, err := s.needsWeather(ctx, query)
	if err != nil {
		s.logger.Warn("weather gate failed", slog.String("error", err.Error()))
		return ""
	}
	if !needed {
		return ""
	}

	city := s.extractCity(ctx, query)
	cond, err := s.Fetch(ctx, city)
	if err != nil {
		s.logger.Warn("weather fetch failed",
			slog.String("city", city),
			slog.String("error", err.Error()))
		return ""
	}
	return FormatForContext(cond)
}

// needsWeather asks the LLM whether the query depends on current weather.
func (s *Service) needsWeather(ctx context.Context, query string) (bool, error) {
	answer, _, err := s.llm.Call(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(gatePrompt, query)},
	}, llm.CallOptions{Config: llm.Config{Model: s.model, Temperature: 0}})
	if err != nil {
		return false, err
	}
	return strings.Contains(answer, "是"), nil
}

// extractCity pulls a city name from the query, falling back to the
// configured default location.
func (s *Service) extractCity(ctx context.Context, query string) string {
	answer, _, err := s.llm.Call(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(cityPrompt, query)},
	}, llm.CallOptions{Config: llm.Config{Model: s.model, Temperature: 0}})
	if err != nil {
		s.logger.Warn("city extraction failed", slog.String("error", err.Error()))
		return s.defaultCity
	}

	city := strings.TrimSpace(answer)
	if city == "" || strings.EqualFold(city, "NONE") {
		return s.defaultCity
	}
	return city
}

// openWeatherResponse mirrors the fields we read from the API.
type openWeatherResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// Fetch queries OpenWeatherMap for current conditions in the given city.
func (s *Service) Fetch(ctx context.Context, city string) (Conditions, error) {
	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", s.apiKey)
	params.Set("units", "metric")
	params.Set("lang", "zh_cn")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Conditions{}, fmt.Errorf("failed to build weather request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return Conditions{}, fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Conditions{}, fmt.Errorf("weather API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded openWeatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Conditions{}, fmt.Errorf("failed to decode weather response: %w", err)
	}

	cond := Conditions{
		City:       decoded.Name,
		TempC:      decoded.Main.Temp,
		FeelsLikeC: decoded.Main.FeelsLike,
		Humidity:   decoded.Main.Humidity,
		WindSpeed:  decoded.Wind.Speed,
	}
	if len(decoded.Weather) > 0 {
		cond.Description = decoded.Weather[0].Description
	}
	if cond.City == "" {
		cond.City = city
	}
	return cond, nil
}

// FormatForContext renders conditions as one prompt line.
func FormatForContext(c Conditions) string {
	return fmt.Sprintf("当前天气：%s，%s，气温%.1f°C（体感%.1f°C），湿度%d%%，风速%.1fm/s",
		c.City, c.Description, c.TempC, c.FeelsLikeC, c.Humidity, c.WindSpeed)
}
