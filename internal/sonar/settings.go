package sonar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

const (
	settingForceAuth    = "sonar.forceAuthentication"
	settingVisibility   = "projects.default.visibility"
	settingCrossProject = "sonar.cpd.cross_project"
	settingBaseURL      = "sonar.core.serverBaseURL"
)

// GlobalSettings reads and writes the server-wide configuration: the
// settings store plus the global webhooks. There is exactly one per
// server, so the service doubles as the object.
type GlobalSettings struct {
	client *client.Client
	logger Logger
}

func NewGlobalSettings(c *client.Client, logger Logger) *GlobalSettings {
	return &GlobalSettings{client: c, logger: logger}
}

func (s *GlobalSettings) ObjectType() string  { return TypeSettings }
func (s *GlobalSettings) SectionName() string { return "settings" }

type settingsValuesResponse struct {
	Settings []struct {
		Key       string   `json:"key"`
		Value     string   `json:"value"`
		Values    []string `json:"values"`
		Inherited bool     `json:"inherited"`
	} `json:"settings"`
}

type webhookListResponse struct {
	Webhooks []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"webhooks"`
}

// Webhook is one global webhook, without its secret: the platform never
// returns secrets.
type Webhook struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Values returns every explicit global setting. Secured settings are
// dropped: the server redacts their values, exporting the bare keys
// would only produce unusable documents.
func (s *GlobalSettings) Values(ctx context.Context) (map[string]interface{}, error) {
	var resp settingsValuesResponse
	if err := s.client.Get(ctx, "api/settings/values", nil, &resp); err != nil {
		return nil, fmt.Errorf("reading global settings: %w", err)
	}

	values := make(map[string]interface{}, len(resp.Settings))
	for _, setting := range resp.Settings {
		if strings.HasSuffix(setting.Key, ".secured") {
			continue
		}
		if len(setting.Values) > 0 {
			values[setting.Key] = setting.Values
			continue
		}
		values[setting.Key] = setting.Value
	}

	s.logger.Debug("global settings read", "count", len(values))
	return values, nil
}

// Set writes one global setting. Multi-value settings pass a slice.
func (s *GlobalSettings) Set(ctx context.Context, key string, value interface{}) error {
	params := url.Values{}
	params.Set("key", key)

	switch v := value.(type) {
	case string:
		params.Set("value", v)
	case []string:
		for _, item := range v {
			params.Add("values", item)
		}
	case []interface{}:
		for _, item := range v {
			params.Add("values", fmt.Sprintf("%v", item))
		}
	default:
		params.Set("value", fmt.Sprintf("%v", v))
	}

	if err := s.client.Post(ctx, "api/settings/set", params); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Webhooks returns the global webhooks.
func (s *GlobalSettings) Webhooks(ctx context.Context) ([]Webhook, error) {
	var resp webhookListResponse
	if err := s.client.Get(ctx, "api/webhooks/list", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}

	webhooks := make([]Webhook, 0, len(resp.Webhooks))
	for _, data := range resp.Webhooks {
		webhooks = append(webhooks, Webhook{Name: data.Name, URL: data.URL})
	}
	return webhooks, nil
}

// CreateWebhook registers a global webhook. Secrets are never part of
// configuration documents, so none is set.
func (s *GlobalSettings) CreateWebhook(ctx context.Context, name, target string) error {
	params := url.Values{}
	params.Set("name", name)
	params.Set("url", target)

	if err := s.client.Post(ctx, "api/webhooks/create", params); err != nil {
		return fmt.Errorf("creating webhook %s: %w", name, err)
	}
	s.logger.Info("webhook created", "webhook", name)
	return nil
}

func (s *GlobalSettings) webURL() string {
	return s.client.WebURL("admin/settings", nil)
}

// AuditBatch returns the single platform-wide settings check.
func (s *GlobalSettings) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	return []audit.Task{{
		Key:        TypeSettings,
		Collection: true,
		Run:        s.auditSettings,
	}}, nil
}

func (s *GlobalSettings) auditSettings(ctx context.Context) ([]audit.Problem, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}
	webhooks, err := s.Webhooks(ctx)
	if err != nil {
		return nil, err
	}

	var problems []audit.Problem

	if stringValue(values, settingForceAuth) == "false" {
		problems = append(problems,
			audit.SettingForceAuth.ProblemWithURL(settingForceAuth, s.webURL()))
	}
	if visibility := stringValue(values, settingVisibility); visibility == "public" {
		problems = append(problems,
			audit.SettingDefaultVisibility.ProblemWithURL(settingVisibility, s.webURL(), visibility))
	}
	if stringValue(values, settingCrossProject) == "true" {
		problems = append(problems,
			audit.SettingCrossProjectDuplication.ProblemWithURL(settingCrossProject, s.webURL()))
	}
	if stringValue(values, settingBaseURL) == "" {
		problems = append(problems,
			audit.SettingBaseURL.ProblemWithURL(settingBaseURL, s.webURL()))
	}

	for _, webhook := range webhooks {
		if strings.HasPrefix(webhook.URL, "https://") {
			continue
		}
		problems = append(problems,
			audit.WebhookInsecureURL.ProblemWithURL(webhook.Name, s.webURL(), webhook.Name, webhook.URL))
	}
	return problems, nil
}

func stringValue(values map[string]interface{}, key string) string {
	value, ok := values[key]
	if !ok {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return text
}

// SettingsExport is the settings section of an export document.
type SettingsExport struct {
	Values   map[string]interface{} `json:"values"`
	Webhooks []Webhook              `json:"webhooks,omitempty"`
}

// Export serializes the global configuration.
func (s *GlobalSettings) Export(ctx context.Context) (interface{}, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}
	webhooks, err := s.Webhooks(ctx)
	if err != nil {
		return nil, err
	}
	return SettingsExport{Values: values, Webhooks: webhooks}, nil
}

// ExportTasks returns the single settings export task.
func (s *GlobalSettings) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	return []engine.Task{{
		Key: TypeSettings,
		Op: func(taskCtx context.Context) (interface{}, error) {
			return s.Export(taskCtx)
		},
	}}, nil
}

// Prepare writes the settings and registers missing webhooks (pass 1).
// Settings go first so everything created later, projects included,
// sees the right defaults. Per-key failures are logged and skipped.
func (s *GlobalSettings) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entry SettingsExport
	if err := json.Unmarshal(section, &entry); err != nil {
		return 0, 0, fmt.Errorf("reading settings section: %w", err)
	}

	applied, failed := 0, 0

	settingKeys := make([]string, 0, len(entry.Values))
	for key := range entry.Values {
		settingKeys = append(settingKeys, key)
	}
	sort.Strings(settingKeys)

	for _, key := range settingKeys {
		if strings.HasSuffix(key, ".secured") || (keys != nil && !keys.MatchString(key)) {
			continue
		}
		if err := s.Set(ctx, key, entry.Values[key]); err != nil {
			s.logger.Warn("cannot write setting", "key", key, "error", err.Error())
			failed++
			continue
		}
		applied++
	}

	existing, err := s.Webhooks(ctx)
	if err != nil {
		return applied, failed, err
	}
	present := make(map[string]bool, len(existing))
	for _, webhook := range existing {
		present[webhook.Name] = true
	}

	for _, webhook := range entry.Webhooks {
		if webhook.Name == "" || present[webhook.Name] || (keys != nil && !keys.MatchString(webhook.Name)) {
			continue
		}
		if err := s.CreateWebhook(ctx, webhook.Name, webhook.URL); err != nil {
			s.logger.Warn("cannot create webhook", "webhook", webhook.Name, "error", err.Error())
			failed++
			continue
		}
		applied++
	}
	return applied, failed, nil
}

// Apply is a no-op: global settings carry no cross-references, pass 1
// already wrote everything.
func (s *GlobalSettings) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	return 0, 0, nil
}
