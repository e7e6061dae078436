package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/threatgraph/internal/models"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxPulseTime      = "2006-01-02T15:04:05.000000"
)

// OTXConfig configures the AlienVault OTX feed.
type OTXConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	PulseLimit        int           `yaml:"pulse_limit"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// DefaultOTXConfig returns the public OTX endpoint and its documented
// request budget.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		BaseURL:           otxDefaultBaseURL,
		APIKeyEnv:         "OTX_API_KEY",
		Timeout:           30 * time.Second,
		PulseLimit:        50,
		RequestsPerMinute: 60, // OTX allows ~60 requests/minute
	}
}

// OTXSource reads subscribed pulses from OTX.
type OTXSource struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewOTXSource returns ErrNoAPIKey when the key env var is empty.
func NewOTXSource(config OTXConfig, logger *zap.Logger) (*OTXSource, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("otx (env %s): %w", config.APIKeyEnv, ErrNoAPIKey)
	}
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.PulseLimit <= 0 {
		config.PulseLimit = 50
	}
	return &OTXSource{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    newLimiter(config.RequestsPerMinute),
		logger:     logger.With(zap.String("feed", "otx")),
	}, nil
}

func (s *OTXSource) Name() string { return "otx" }

// Fetch returns one campaign item per pulse and one IOC item per
// supported indicator, for pulses modified since the given time.
func (s *OTXSource) Fetch(ctx context.Context, since time.Time) ([]Item, error) {
	path := fmt.Sprintf("/pulses/subscribed?modified_since=%s&limit=%d",
		url.QueryEscape(since.UTC().Format(time.RFC3339)),
		s.config.PulseLimit,
	)

	var pulseResp otxPulseListResponse
	if err := s.get(ctx, path, &pulseResp); err != nil {
		return nil, err
	}

	var items []Item
	skipped := 0
	for _, pulse := range pulseResp.Results {
		items = append(items, s.pulseToCampaign(pulse))
		for _, ind := range pulse.Indicators {
			iocType := otxTypeToIOCType(ind.Type)
			if iocType == "" {
				skipped++
				continue
			}
			items = append(items, s.indicatorToItem(ind, iocType, pulse))
		}
	}

	s.logger.Info("Fetched OTX pulses",
		zap.Int("pulses", len(pulseResp.Results)),
		zap.Int("items", len(items)),
		zap.Int("unsupported_indicators", skipped),
	)
	return items, nil
}

// HealthCheck verifies the API key against /user/me.
func (s *OTXSource) HealthCheck(ctx context.Context) error {
	return s.get(ctx, "/user/me", nil)
}

func (s *OTXSource) get(ctx context.Context, path string, dst any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for otx rate limit: %w", err)
	}

	fullURL := strings.TrimSuffix(s.config.BaseURL, "/") + otxAPIPath + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", s.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "threatgraph/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("otx request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("otx authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("otx returned %d: %s", resp.StatusCode, string(body))
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding otx response: %w", err)
	}
	return nil
}

func (s *OTXSource) pulseToCampaign(pulse otxPulse) Item {
	created, _ := time.Parse(otxPulseTime, pulse.Created)
	item := Item{
		"id":                "otx_pulse_" + pulse.ID,
		"type":              KindCampaign,
		"name":              pulse.Name,
		"description":       pulse.Description,
		"status":            string(models.CampaignActive),
		"start_date":        formatTime(created),
		"target_industries": nonNil(pulse.Industries),
		"target_countries":  nonNil(pulse.Countries),
		"tags":              nonNil(pulse.Tags),
		"source":            "otx",
		"confidence":        0.7,
		"context": map[string]any{
			"reference": "https://otx.alienvault.com/pulse/" + pulse.ID,
			"author":    pulse.Author.Username,
			"adversary": pulse.Adversary,
		},
	}
	return item
}

func (s *OTXSource) indicatorToItem(ind otxIndicator, iocType models.IOCType, pulse otxPulse) Item {
	created, _ := time.Parse("2006-01-02T15:04:05", ind.Created)
	modified, _ := time.Parse(otxPulseTime, pulse.Modified)
	if modified.IsZero() {
		modified = created
	}

	return Item{
		"id":          ItemID("otx", iocType, ind.Indicator),
		"type":        string(iocType),
		"value":       ind.Indicator,
		"category":    string(categoryFromTags(pulse.Tags)),
		"confidence":  0.7,
		"first_seen":  formatTime(created),
		"last_seen":   formatTime(modified),
		"source":      "otx",
		"tags":        nonNil(pulse.Tags),
		"description": ind.Description,
		"context": map[string]any{
			"pulse_id":   pulse.ID,
			"pulse_name": pulse.Name,
			"otx_type":   ind.Type,
		},
	}
}

// otxTypeToIOCType returns "" for indicator kinds the graph does not model.
func otxTypeToIOCType(otxType string) models.IOCType {
	switch otxType {
	case "IPv4", "IPv6":
		return models.IOCTypeIP
	case "domain", "hostname":
		return models.IOCTypeDomain
	case "URL", "URI":
		return models.IOCTypeURL
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return models.IOCTypeHash
	case "email":
		return models.IOCTypeEmail
	case "filepath":
		return models.IOCTypeFilePath
	case "Mutex":
		return models.IOCTypeMutex
	default:
		return ""
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

type otxPulseListResponse struct {
	Results []otxPulse `json:"results"`
	Count   int        `json:"count"`
	Next    string     `json:"next,omitempty"`
}

type otxPulse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Author      otxAuthor      `json:"author"`
	Created     string         `json:"created"`
	Modified    string         `json:"modified"`
	Tags        []string       `json:"tags"`
	Adversary   string         `json:"adversary,omitempty"`
	Industries  []string       `json:"industries,omitempty"`
	Countries   []string       `json:"targeted_countries,omitempty"`
	Indicators  []otxIndicator `json:"indicators,omitempty"`
}

type otxAuthor struct {
	Username string `json:"username"`
}

type otxIndicator struct {
	ID          json.Number `json:"id"`
	Indicator   string      `json:"indicator"`
	Type        string      `json:"type"`
	Created     string      `json:"created"`
	Description string      `json:"description,omitempty"`
}
