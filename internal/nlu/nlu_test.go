package nlu

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

func TestUnderstand(t *testing.T) {
	mock := &genai.MockClient{Reply: `{"intent":"order_start","confidence":0.82,"reply":"¡Claro!","slots":{"producto":"Torta Moka","tamano":null,"addons":[],"cantidad":2}}`}
	a := NewAdapter(mock)

	res, err := a.Understand(context.Background(), Request{
		Text:       "me tinca algo de moka pa' dos",
		RuleIntent: models.IntentMatch{ID: models.IntentFallback, Confidence: 0.3},
		Business:   BusinessContext{Name: "Delicias Porteñas"},
	})
	if err != nil {
		t.Fatalf("Understand failed: %v", err)
	}
	if res.IntentID != models.IntentOrderStart || res.Confidence != 0.82 || res.GeneratedReply != "¡Claro!" {
		t.Errorf("unexpected result %+v", res)
	}
	if !res.HasOrderSlot() || *res.Slots.Producto != "Torta Moka" {
		t.Fatalf("expected producto slot, got %+v", res.Slots)
	}
	if res.Slots.Tamano != nil {
		t.Errorf("null tamano should be absent, got %q", *res.Slots.Tamano)
	}
	if res.Slots.Addons != nil {
		t.Errorf("an empty addons list from the model should stay unknown, got %#v", res.Slots.Addons)
	}
	if res.Slots.Cantidad == nil || *res.Slots.Cantidad != 2 {
		t.Errorf("cantidad = %v", res.Slots.Cantidad)
	}
	if !strings.Contains(mock.Prompts[0], "me tinca algo de moka") {
		t.Errorf("user prompt missing message: %q", mock.Prompts[0])
	}
}

func TestUnderstandClientError(t *testing.T) {
	a := NewAdapter(&genai.MockClient{Err: errors.New("boom")})
	if _, err := a.Understand(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnderstandHonorsDeadline(t *testing.T) {
	a := NewAdapter(&genai.MockClient{Block: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Understand(ctx, Request{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	mock := &genai.MockClient{Reply: `{"intent":"smalltalk","confidence":0.7}`}
	a := NewAdapter(mock, WithMaxHistory(2))
	history := []HistoryEntry{
		{From: models.AuthorUser, Text: "primero"},
		{From: models.AuthorBot, Text: "segundo"},
		{From: models.AuthorUser, Text: "tercero"},
	}
	if _, err := a.Understand(context.Background(), Request{Text: "hola", History: history}); err != nil {
		t.Fatalf("Understand failed: %v", err)
	}
	if strings.Contains(mock.Prompts[0], "primero") || !strings.Contains(mock.Prompts[0], "tercero") {
		t.Errorf("history not trimmed to the most recent entries: %q", mock.Prompts[0])
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantIntent models.IntentKind
		wantConf   float64
		wantSlots  bool
		wantErr    bool
	}{
		{"plain", `{"intent":"faq_hours","confidence":0.9,"reply":"Abrimos a las 10"}`, models.IntentFAQHours, 0.9, false, false},
		{"fenced", "```json\n{\"intent\":\"goodbye\",\"confidence\":0.95}\n```", models.IntentGoodbye, 0.95, false, false},
		{"unknown intent", `{"intent":"weather","confidence":0.7}`, models.IntentFallback, 0.7, false, false},
		{"clamped", `{"intent":"greeting","confidence":3}`, models.IntentGreeting, 1, false, false},
		{"negative", `{"intent":"greeting","confidence":-1}`, models.IntentGreeting, 0, false, false},
		{"empty slots", `{"intent":"order_start","confidence":0.6,"slots":{"producto":"","tamano":"null"}}`, models.IntentOrderStart, 0.6, false, false},
		{"slots", `{"intent":"order_start","confidence":0.6,"slots":{"producto":"Kuchen de Nuez"}}`, models.IntentOrderStart, 0.6, true, false},
		{"size only", `{"intent":"fallback","confidence":0.4,"slots":{"tamano":"grande"}}`, models.IntentFallback, 0.4, true, false},
		{"addons only", `{"intent":"fallback","confidence":0.4,"slots":{"addons":["velas"]}}`, models.IntentFallback, 0.4, true, false},
		{"quantity only", `{"intent":"fallback","confidence":0.4,"slots":{"cantidad":2}}`, models.IntentFallback, 0.4, true, false},
		{"blank addons", `{"intent":"fallback","confidence":0.4,"slots":{"addons":[" "],"cantidad":0}}`, models.IntentFallback, 0.4, false, false},
		{"not json", "lo siento", "", 0, false, true},
		{"blank", "   ", "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseResult(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Fatalf("expected ErrInvalidResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResult failed: %v", err)
			}
			if res.IntentID != tt.wantIntent || res.Confidence != tt.wantConf {
				t.Errorf("got %s %.2f, want %s %.2f", res.IntentID, res.Confidence, tt.wantIntent, tt.wantConf)
			}
			if res.HasOrderSlot() != tt.wantSlots {
				t.Errorf("HasOrderSlot = %v, want %v", res.HasOrderSlot(), tt.wantSlots)
			}
		})
	}
}

func TestSystemPromptMentionsBusiness(t *testing.T) {
	p := SystemPrompt(BusinessContext{Name: "Delicias Porteñas", Hours: "10:00 – 21:00", Menu: "• Bizcocho: Torta Alpina"})
	for _, want := range []string{"Delicias Porteñas", "10:00 – 21:00", "Torta Alpina", "JSON"} {
		if !strings.Contains(p, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}
