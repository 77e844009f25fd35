// Package settings loads the tenant configuration: business details, canned messages,
// the menu flow and the dialogue tunables.
package settings

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidSettings wraps every hard validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is one immutable snapshot of the tenant configuration.
type Settings struct {
	BusinessName   string           `yaml:"businessName" json:"businessName"`
	DefaultChannel models.Channel   `yaml:"defaultChannel" json:"defaultChannel"`
	WhatsApp       WhatsAppSettings `yaml:"whatsapp" json:"whatsapp"`
	Hours          HoursSettings    `yaml:"hours" json:"hours"`
	Messages       MessageSettings  `yaml:"messages" json:"messages"`
	Orders         OrderSettings    `yaml:"orders" json:"orders"`
	API            APISettings      `yaml:"api" json:"api"`
	Flow           models.FlowGraph `yaml:"flow" json:"flow"`
	Session        SessionSettings  `yaml:"session" json:"session"`
	AI             AISettings       `yaml:"ai" json:"ai"`
	// CatalogPath replaces the built-in catalog when set. It is read at startup only.
	CatalogPath string `yaml:"catalogPath" json:"catalogPath"`
}

type WhatsAppSettings struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	PhoneNumberID string `yaml:"phoneNumberId" json:"phoneNumberId"`
	AccessToken   string `yaml:"accessToken" json:"-"`
	VerifyToken   string `yaml:"verifyToken" json:"-"`
	ChatbotNumber string `yaml:"chatbotNumber" json:"chatbotNumber"`
	// NotificationPhones receive a message for every confirmed order.
	NotificationPhones []string `yaml:"notificationPhones" json:"notificationPhones"`
}

type HoursSettings struct {
	Timezone string `yaml:"timezone" json:"timezone"`
	Weekdays string `yaml:"weekdays" json:"weekdays"`
	Saturday string `yaml:"saturday" json:"saturday"`
	Sunday   string `yaml:"sunday" json:"sunday"`
}

type MessageSettings struct {
	Welcome    string `yaml:"welcome" json:"welcome"`
	Inactivity string `yaml:"inactivity" json:"inactivity"`
	Handoff    string `yaml:"handoff" json:"handoff"`
	Closing    string `yaml:"closing" json:"closing"`
}

type OrderSettings struct {
	AllowOrders         bool `yaml:"allowOrders" json:"allowOrders"`
	RequireConfirmation bool `yaml:"requireConfirmation" json:"requireConfirmation"`
}

type APISettings struct {
	// PublicBaseURL prefixes media links handed to transports, e.g. https://bot.example.cl.
	PublicBaseURL string `yaml:"publicBaseUrl" json:"publicBaseUrl"`
	WebhookSecret string `yaml:"webhookSecret" json:"-"`
}

type SessionSettings struct {
	InactivityTimeout time.Duration `yaml:"inactivityTimeout" json:"inactivityTimeout"`
	PauseWindow       time.Duration `yaml:"pauseWindow" json:"pauseWindow"`
	InterruptKeywords []string      `yaml:"interruptKeywords" json:"interruptKeywords"`
}

type AISettings struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold" json:"confidenceThreshold"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	Model               string        `yaml:"model" json:"model"`
}

// Default returns the built-in settings.
func Default() *Settings {
	s := &Settings{}
	if err := yaml.Unmarshal(defaultsYAML, s); err != nil {
		panic(fmt.Sprintf("settings: built-in defaults do not parse: %v", err))
	}
	return s
}

// Load reads a settings file on top of the defaults.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings from %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes YAML on top of the defaults. Keys absent from raw keep their default;
// a file that defines flow nodes replaces the default tree as a whole. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func Parse(raw []byte) (*Settings, error) {
	s := Default()
	defaultNodes := s.Flow.Nodes
	s.Flow.Nodes = nil

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.Flow.Nodes == nil {
		s.Flow.Nodes = defaultNodes
	}
	if _, err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate returns configuration warnings and, for settings that cannot be used at all,
// an error wrapping ErrInvalidSettings.
func (s *Settings) Validate() ([]string, error) {
	var problems []string
	if s.Session.InactivityTimeout < 0 {
		problems = append(problems, "session.inactivityTimeout must not be negative")
	}
	if s.Session.PauseWindow < 0 {
		problems = append(problems, "session.pauseWindow must not be negative")
	}
	if s.AI.ConfidenceThreshold < 0 || s.AI.ConfidenceThreshold > 1 {
		problems = append(problems, "ai.confidenceThreshold must be between 0 and 1")
	}
	if s.AI.Timeout < 0 {
		problems = append(problems, "ai.timeout must not be negative")
	}
	if s.DefaultChannel != "" && !s.DefaultChannel.IsValid() {
		problems = append(problems, fmt.Sprintf("defaultChannel %q is not a known channel", s.DefaultChannel))
	}
	if s.Hours.Timezone != "" {
		if _, err := time.LoadLocation(s.Hours.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("hours.timezone %q: %v", s.Hours.Timezone, err))
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
	}
	return s.flowWarnings(), nil
}

func (s *Settings) flowWarnings() []string {
	g := s.Flow
	if !g.Active {
		return nil
	}
	var warnings []string
	if _, ok := g.Node(g.Root()); !ok {
		warnings = append(warnings, fmt.Sprintf("flow root node %q does not exist", g.Root()))
	}
	for _, d := range g.DanglingReferences() {
		warnings = append(warnings, "flow "+d.String())
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.Nodes[id]
		if n.ID != "" && n.ID != id {
			warnings = append(warnings, fmt.Sprintf("flow node %q declares id %q", id, n.ID))
		}
		seen := make(map[string]bool)
		for _, opt := range n.Options {
			if seen[opt.ID] {
				warnings = append(warnings, fmt.Sprintf("flow node %q repeats option id %q", id, opt.ID))
			}
			seen[opt.ID] = true
			if strings.TrimSpace(opt.Label) == "" {
				warnings = append(warnings, fmt.Sprintf("flow node %q option %q has no label", id, opt.ID))
			}
			if opt.Action == models.ActionLink && opt.Target == "" {
				warnings = append(warnings, fmt.Sprintf("flow node %q option %q links nowhere", id, opt.ID))
			}
		}
	}
	return warnings
}

// HoursText renders the opening hours for replies.
func (s *Settings) HoursText() string {
	h := s.Hours
	var parts []string
	if h.Weekdays != "" {
		parts = append(parts, "Lunes a viernes: "+h.Weekdays)
	}
	if h.Saturday != "" {
		parts = append(parts, "Sábado: "+h.Saturday)
	}
	if h.Sunday != "" {
		parts = append(parts, "Domingo: "+h.Sunday)
	}
	return strings.Join(parts, "\n")
}

// MediaURL returns the public URL the media endpoint serves a node's inline image at.
func (s *Settings) MediaURL(nodeID string) string {
	base := strings.TrimRight(s.API.PublicBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/media/" + nodeID
}
