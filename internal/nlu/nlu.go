// Package nlu asks a language model to interpret messages the keyword rules could not.
package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

// DefaultMaxHistory bounds how many recent messages are sent with a request.
const DefaultMaxHistory = 8

// ErrInvalidResponse is returned when the model reply is not the expected JSON object.
var ErrInvalidResponse = errors.New("nlu: invalid model response")

// HistoryEntry is one earlier message of the conversation.
type HistoryEntry struct {
	From models.MessageAuthor
	Text string
}

// BusinessContext describes the business to the model.
type BusinessContext struct {
	Name  string
	Hours string
	Menu  string
}

// Request is one message to interpret.
type Request struct {
	Text       string
	RuleIntent models.IntentMatch
	PriorState models.SessionState
	History    []HistoryEntry
	Business   BusinessContext
}

// Result is the model's interpretation. Slots is nil when no order field was recognized.
type Result struct {
	IntentID       models.IntentKind
	Confidence     float64
	GeneratedReply string
	Slots          *models.OrderDraft
}

// HasOrderSlot reports whether the model filled any order field: product, size, add-ons
// or quantity.
func (r *Result) HasOrderSlot() bool {
	if r == nil || r.Slots == nil {
		return false
	}
	d := r.Slots
	return models.Deref(d.Producto) != "" || models.Deref(d.Tamano) != "" || len(d.Addons) > 0 ||
		(d.Cantidad != nil && *d.Cantidad > 0)
}

// Understander interprets a message.
type Understander interface {
	Understand(ctx context.Context, req Request) (*Result, error)
}

// Opts configures an Adapter.
type Opts struct {
	MaxHistory int
}

// Option mutates Opts.
type Option func(*Opts)

// WithMaxHistory overrides DefaultMaxHistory.
func WithMaxHistory(n int) Option {
	return func(o *Opts) { o.MaxHistory = n }
}

// Adapter implements Understander on top of a genai client in JSON mode.
type Adapter struct {
	client     genai.ClientInterface
	maxHistory int
}

var _ Understander = (*Adapter)(nil)

// NewAdapter creates an Adapter.
func NewAdapter(client genai.ClientInterface, opts ...Option) *Adapter {
	cfg := Opts{MaxHistory: DefaultMaxHistory}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Adapter{client: client, maxHistory: cfg.MaxHistory}
}

// Understand sends the message with its context to the model and parses the reply.
func (a *Adapter) Understand(ctx context.Context, req Request) (*Result, error) {
	raw, err := a.client.GenerateJSON(ctx, SystemPrompt(req.Business), a.userPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("nlu: generate: %w", err)
	}
	res, err := ParseResult(raw)
	if err != nil {
		slog.Debug("Adapter.Understand: unparsable reply", "raw", raw, "error", err)
		return nil, err
	}
	slog.Debug("Adapter.Understand: interpreted", "intent", res.IntentID, "confidence", res.Confidence, "slots", res.Slots != nil)
	return res, nil
}

// SystemPrompt describes the assistant's role and the reply format.
func SystemPrompt(b BusinessContext) string {
	var sb strings.Builder
	name := b.Name
	if name == "" {
		name = "la pastelería"
	}
	fmt.Fprintf(&sb, "Eres el asistente virtual de %s. Respondes en español, breve y cordial.\n", name)
	if b.Hours != "" {
		fmt.Fprintf(&sb, "Horario de atención: %s.\n", b.Hours)
	}
	if b.Menu != "" {
		fmt.Fprintf(&sb, "Productos disponibles:\n%s\n", b.Menu)
	}
	sb.WriteString(`Clasifica el último mensaje del cliente y responde SOLO con un objeto JSON:
{"intent": "<greeting|smalltalk|order_start|order_status|faq_hours|faq_menu|handoff_human|goodbye|fallback>",
 "confidence": <0..1>,
 "reply": "<respuesta para el cliente, vacía si no sabes qué decir>",
 "slots": {"producto": "<nombre del producto o null>", "tamano": "<tamaño o null>", "addons": ["<extra>"], "cantidad": <número o null>}}
No inventes productos, precios ni horarios que no aparezcan arriba.`)
	return sb.String()
}

func (a *Adapter) userPrompt(req Request) string {
	var sb strings.Builder
	history := req.History
	if a.maxHistory > 0 && len(history) > a.maxHistory {
		history = history[len(history)-a.maxHistory:]
	}
	if len(history) > 0 {
		sb.WriteString("Conversación reciente:\n")
		for _, h := range history {
			fmt.Fprintf(&sb, "%s: %s\n", h.From, h.Text)
		}
	}
	state := string(req.PriorState)
	if state == "" {
		state = "ninguno"
	}
	fmt.Fprintf(&sb, "Estado actual: %s\n", state)
	fmt.Fprintf(&sb, "Intención por reglas: %s (%.2f)\n", req.RuleIntent.ID, req.RuleIntent.Confidence)
	fmt.Fprintf(&sb, "Mensaje del cliente: %s", req.Text)
	return sb.String()
}

type wireSlots struct {
	Producto *string  `json:"producto"`
	Tamano   *string  `json:"tamano"`
	Addons   []string `json:"addons"`
	Cantidad *int     `json:"cantidad"`
}

type wireResult struct {
	Intent     string     `json:"intent"`
	Confidence float64    `json:"confidence"`
	Reply      string     `json:"reply"`
	Slots      *wireSlots `json:"slots"`
}

// ParseResult decodes a model reply. Unknown intents become fallback, confidence is
// clamped to 0..1 and empty slot values are dropped.
func ParseResult(raw string) (*Result, error) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrInvalidResponse
	}

	var w wireResult
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	res := &Result{
		IntentID:       models.IntentKind(strings.TrimSpace(w.Intent)),
		Confidence:     clamp(w.Confidence),
		GeneratedReply: strings.TrimSpace(w.Reply),
	}
	if !res.IntentID.IsValid() {
		res.IntentID = models.IntentFallback
	}
	res.Slots = w.Slots.draft()
	return res, nil
}

func (s *wireSlots) draft() *models.OrderDraft {
	if s == nil {
		return nil
	}
	d := &models.OrderDraft{
		Producto: nonEmpty(s.Producto),
		Tamano:   nonEmpty(s.Tamano),
	}
	for _, a := range s.Addons {
		if a = strings.TrimSpace(a); a != "" {
			d.Addons = append(d.Addons, a)
		}
	}
	if s.Cantidad != nil && *s.Cantidad > 0 {
		d.Cantidad = models.Int(*s.Cantidad)
	}
	if d.IsEmpty() {
		return nil
	}
	return d
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
