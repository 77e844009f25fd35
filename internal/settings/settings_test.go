package settings

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

func TestDefault(t *testing.T) {
	s := Default()
	if s.BusinessName != "Delicias Porteñas" {
		t.Errorf("business name = %q", s.BusinessName)
	}
	if s.Session.InactivityTimeout != 5*time.Minute || s.Session.PauseWindow != 30*time.Minute {
		t.Errorf("session tunables = %+v", s.Session)
	}
	if s.AI.ConfidenceThreshold != 0.5 || s.AI.Timeout != 8*time.Second {
		t.Errorf("ai tunables = %+v", s.AI)
	}
	if !s.Orders.AllowOrders || !s.Orders.RequireConfirmation {
		t.Errorf("orders = %+v", s.Orders)
	}

	welcome, ok := s.Flow.Node("welcome")
	if !ok || len(welcome.Options) != 3 {
		t.Fatalf("welcome node = %+v", welcome)
	}
	if welcome.Options[0].Action != models.ActionTemplate || welcome.Options[0].Target != "node_1" {
		t.Errorf("first welcome option = %+v", welcome.Options[0])
	}
	link := s.Flow.Nodes["node_3"].Options[0]
	if link.Action != models.ActionLink || link.Target != "https://wa.me/56931069911" {
		t.Errorf("node_3 link = %+v", link)
	}

	warnings, err := s.Validate()
	if err != nil || len(warnings) != 0 {
		t.Errorf("defaults should validate cleanly, got %v, %v", warnings, err)
	}
}

func TestParseOverridesOnlyGivenKeys(t *testing.T) {
	s, err := Parse([]byte(`
businessName: Pastelería Prueba
orders:
  requireConfirmation: false
session:
  pauseWindow: 10m
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.BusinessName != "Pastelería Prueba" || s.Session.PauseWindow != 10*time.Minute {
		t.Errorf("overrides not applied: %+v", s)
	}
	if s.Orders.RequireConfirmation || !s.Orders.AllowOrders {
		t.Errorf("orders = %+v", s.Orders)
	}
	if s.Session.InactivityTimeout != 5*time.Minute || len(s.Flow.Nodes) != 4 {
		t.Error("keys absent from the file must keep their defaults")
	}
}

func TestParseReplacesFlowNodes(t *testing.T) {
	s, err := Parse([]byte(`
flow:
  nodes:
    welcome:
      id: welcome
      text: Hola
      options:
        - { id: a, label: Catálogo, action: template, target: catalogo }
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(s.Flow.Nodes) != 1 || !s.Flow.Active {
		t.Fatalf("nodes = %v active = %v", s.Flow.Nodes, s.Flow.Active)
	}
	warnings, err := s.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], `missing node "catalogo"`) {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":    "bussinessName: typo\n",
		"bad threshold":  "ai:\n  confidenceThreshold: 1.5\n",
		"negative pause": "session:\n  pauseWindow: -1m\n",
		"bad channel":    "defaultChannel: fax\n",
		"bad action":     "flow:\n  nodes:\n    welcome:\n      options:\n        - { id: x, label: X, action: teleport }\n",
		"bad timezone":   "hours:\n  timezone: Mars/Olympus\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	s, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if s.BusinessName != Default().BusinessName {
		t.Error("empty file should yield the defaults")
	}
}

func TestFlowWarnings(t *testing.T) {
	s := Default()
	s.Flow.RootNodeID = "inicio"
	s.Flow.Nodes = map[string]models.FlowNode{
		"menu": {ID: "menu", Options: []models.FlowOption{
			{ID: "a", Label: "Web", Action: models.ActionLink},
			{ID: "a", Label: " ", Action: models.ActionBack},
		}},
	}
	warnings, err := s.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	joined := strings.Join(warnings, "\n")
	for _, want := range []string{`root node "inicio"`, "links nowhere", `repeats option id "a"`, "has no label"} {
		if !strings.Contains(joined, want) {
			t.Errorf("warnings missing %q:\n%s", want, joined)
		}
	}

	s.Flow.Active = false
	if warnings, _ := s.Validate(); len(warnings) != 0 {
		t.Errorf("inactive flow should not warn, got %v", warnings)
	}
}

func TestHoursTextAndMediaURL(t *testing.T) {
	s := Default()
	if got := s.HoursText(); !strings.HasPrefix(got, "Lunes a viernes: 10:00 – 21:00\nSábado:") {
		t.Errorf("HoursText() = %q", got)
	}
	if got := s.MediaURL("welcome"); got != "" {
		t.Errorf("MediaURL without a public base = %q", got)
	}
	s.API.PublicBaseURL = "https://bot.example.cl/"
	if got := s.MediaURL("welcome"); got != "https://bot.example.cl/media/welcome" {
		t.Errorf("MediaURL() = %q", got)
	}
}
