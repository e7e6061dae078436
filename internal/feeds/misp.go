package feeds

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/threatgraph/internal/models"
)

// MISPConfig configures a MISP instance feed.
type MISPConfig struct {
	BaseURL           string           `yaml:"base_url"`
	APIKeyEnv         string           `yaml:"api_key_env"`
	Timeout           time.Duration    `yaml:"timeout"`
	VerifySSL         bool             `yaml:"verify_ssl"`
	PublishedOnly     bool             `yaml:"published_only"`
	Types             []models.IOCType `yaml:"types"`
	Limit             int              `yaml:"limit"`
	RequestsPerMinute int              `yaml:"requests_per_minute"`
}

// DefaultMISPConfig returns defaults; BaseURL must still be set.
func DefaultMISPConfig() MISPConfig {
	return MISPConfig{
		APIKeyEnv:     "MISP_API_KEY",
		Timeout:       30 * time.Second,
		VerifySSL:     true,
		PublishedOnly: true,
		Types: []models.IOCType{
			models.IOCTypeIP, models.IOCTypeDomain, models.IOCTypeURL,
			models.IOCTypeHash, models.IOCTypeEmail,
		},
		Limit:             500,
		RequestsPerMinute: 120,
	}
}

// MISPSource searches MISP attributes by indicator type.
type MISPSource struct {
	config     MISPConfig
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewMISPSource returns ErrNoAPIKey when the key env var is empty.
func NewMISPSource(config MISPConfig, logger *zap.Logger) (*MISPSource, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("misp (env %s): %w", config.APIKeyEnv, ErrNoAPIKey)
	}
	if config.BaseURL == "" {
		return nil, errors.New("misp base URL is required")
	}
	if len(config.Types) == 0 {
		config.Types = DefaultMISPConfig().Types
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-hosted MISP with private CA
	}

	return &MISPSource{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
		limiter:    newLimiter(config.RequestsPerMinute),
		logger:     logger.With(zap.String("feed", "misp")),
	}, nil
}

func (s *MISPSource) Name() string { return "misp" }

// Fetch runs one attribute search per configured type. A failing type is
// logged and skipped; Fetch fails only when every search fails.
func (s *MISPSource) Fetch(ctx context.Context, since time.Time) ([]Item, error) {
	var (
		items []Item
		errs  []error
	)
	for _, iocType := range s.config.Types {
		mispType := toMISPType(iocType)
		if mispType == "" {
			continue
		}
		attrs, err := s.search(ctx, mispAttributeSearchRequest{
			Type:      mispType,
			Timestamp: since.Unix(),
			Published: s.config.PublishedOnly,
			Limit:     s.config.Limit,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("MISP search failed", zap.String("ioc_type", string(iocType)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, attr := range attrs {
			items = append(items, s.attributeToItem(attr, iocType))
		}
	}

	if len(items) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	s.logger.Info("Fetched MISP attributes", zap.Int("items", len(items)))
	return items, nil
}

// HealthCheck verifies connectivity to MISP.
func (s *MISPSource) HealthCheck(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("misp health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("misp returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *MISPSource) search(ctx context.Context, searchReq mispAttributeSearchRequest) ([]mispAttribute, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("misp search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("misp returned %d: %s", resp.StatusCode, string(b))
	}

	var searchResp mispAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding misp response: %w", err)
	}
	return searchResp.Response.Attribute, nil
}

func (s *MISPSource) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(s.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *MISPSource) attributeToItem(attr mispAttribute, iocType models.IOCType) Item {
	var firstSeen, lastSeen time.Time
	if attr.FirstSeen > 0 {
		firstSeen = time.Unix(attr.FirstSeen, 0)
	}
	lastSeen = firstSeen
	if attr.LastSeen > 0 {
		lastSeen = time.Unix(attr.LastSeen, 0)
	}

	tags := make([]string, 0, len(attr.Tag))
	for _, t := range attr.Tag {
		tags = append(tags, t.Name)
	}

	category := mispCategory(attr.Category)
	if category == "" {
		category = categoryFromTags(tags)
	}

	return Item{
		"id":          ItemID("misp", iocType, attr.Value),
		"type":        string(iocType),
		"value":       attr.Value,
		"category":    string(category),
		"confidence":  threatLevelToConfidence(attr.Event.ThreatLevelID),
		"first_seen":  formatTime(firstSeen),
		"last_seen":   formatTime(lastSeen),
		"source":      "misp",
		"tags":        tags,
		"description": attr.Comment,
		"context": map[string]any{
			"misp_uuid":  attr.UUID,
			"event_id":   attr.EventID,
			"event_info": attr.Event.Info,
			"reference":  fmt.Sprintf("%s/events/view/%s", strings.TrimSuffix(s.config.BaseURL, "/"), attr.EventID),
			"to_ids":     attr.ToIDS,
		},
	}
}

func toMISPType(iocType models.IOCType) string {
	switch iocType {
	case models.IOCTypeIP:
		return "ip-src|ip-dst"
	case models.IOCTypeDomain:
		return "domain"
	case models.IOCTypeURL:
		return "url"
	case models.IOCTypeHash:
		return "md5|sha1|sha256"
	case models.IOCTypeEmail:
		return "email-src|email-dst"
	case models.IOCTypeMutex:
		return "mutex"
	case models.IOCTypeRegistryKey:
		return "regkey"
	default:
		return ""
	}
}

// mispCategory returns "" when the MISP category says nothing useful.
func mispCategory(category string) models.IOCCategory {
	switch category {
	case "Network activity":
		return models.CategoryC2
	case "Payload delivery", "Artifacts dropped", "Payload installation":
		return models.CategoryMalware
	case "Persistence mechanism":
		return models.CategoryCompromised
	default:
		return ""
	}
}

// threatLevelToConfidence maps MISP threat_level_id (1=high .. 4=undefined).
func threatLevelToConfidence(level string) float64 {
	switch level {
	case "1":
		return 0.9
	case "2":
		return 0.7
	case "3":
		return 0.5
	default:
		return 0.3
	}
}

type mispAttributeSearchRequest struct {
	Value     string `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Published bool   `json:"published,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type mispAttributeSearchResponse struct {
	Response struct {
		Attribute []mispAttribute `json:"Attribute"`
	} `json:"response"`
}

type mispAttribute struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	FirstSeen int64     `json:"first_seen"`
	LastSeen  int64     `json:"last_seen"`
	ToIDS     bool      `json:"to_ids"`
	Tag       []mispTag `json:"Tag,omitempty"`
	Event     mispEvent `json:"Event,omitempty"`
}

type mispTag struct {
	Name string `json:"name"`
}

type mispEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
}
