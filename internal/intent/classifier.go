// Package intent implements the rule-based intent classifier.
//
// Rules are evaluated in order and the first match wins: closing words outrank greetings,
// greetings outrank topical words. The classifier is pure and never fails; unmatched text
// yields the fallback intent.
package intent

import (
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// FallbackConfidence is the confidence reported when no rule matches.
const FallbackConfidence = 0.3

// Rule maps a keyword set to an intent.
type Rule struct {
	Intent     models.IntentKind
	Keywords   []string // normalized keywords
	Confidence float64
	Reason     string
	// WholeWord requires a keyword to appear as a separate word instead of a substring.
	WholeWord bool
}

func (r Rule) matches(normalized string, words map[string]bool) bool {
	for _, k := range r.Keywords {
		if r.WholeWord {
			if strings.Contains(k, " ") {
				if strings.Contains(" "+normalized+" ", " "+k+" ") {
					return true
				}
			} else if words[k] {
				return true
			}
			continue
		}
		if strings.Contains(normalized, k) {
			return true
		}
	}
	return false
}

// DefaultRules is the general rule table.
var DefaultRules = []Rule{
	{Intent: models.IntentGoodbye, Keywords: []string{"chao", "adios", "salir", "terminar"}, Confidence: 0.99, Reason: "cierre"},
	{Intent: models.IntentGreeting, Keywords: []string{"hola", "buenas", "inicio"}, Confidence: 0.9, Reason: "saludo"},
	{Intent: models.IntentHandoffHuman, Keywords: []string{"humano", "ejecutivo", "agente", "hablar con alguien", "hablar con una persona"}, Confidence: 0.85, Reason: "derivacion"},
	{Intent: models.IntentOrderStatus, Keywords: []string{"estado de mi pedido", "estado del pedido", "donde esta mi pedido", "seguimiento"}, Confidence: 0.85, Reason: "estado_pedido"},
	{Intent: models.IntentOrderStart, Keywords: []string{"pedido", "comprar", "torta", "encargar"}, Confidence: 0.9, Reason: "pedido"},
	{Intent: models.IntentFAQHours, Keywords: []string{"horario", "abren", "cierran", "atienden", "sucursal"}, Confidence: 0.85, Reason: "horario"},
	{Intent: models.IntentFAQMenu, Keywords: []string{"menu", "catalogo", "carta", "precios"}, Confidence: 0.85, Reason: "menu"},
	{Intent: models.IntentSmalltalk, Keywords: []string{"gracias", "como estas", "jaja"}, Confidence: 0.6, Reason: "conversacion"},
}

// MidOrderRules apply, ahead of the general table, while an order is being collected.
// Confirmation words continue the order with a lower confidence than a fresh order start.
var MidOrderRules = []Rule{
	{Intent: models.IntentOrderStart, Keywords: []string{"si", "dale", "ok", "confirmo", "listo", "bueno", "de acuerdo"}, Confidence: 0.8, Reason: "continuacion_pedido", WholeWord: true},
	{Intent: models.IntentOrderStart, Keywords: []string{"no", "sin", "nada mas"}, Confidence: 0.75, Reason: "negacion_pedido", WholeWord: true},
}

// Classifier evaluates rule tables against normalized text.
type Classifier struct {
	rules    []Rule
	midOrder []Rule
}

// NewClassifier returns a classifier over the default rule tables.
func NewClassifier() *Classifier {
	return &Classifier{rules: DefaultRules, midOrder: MidOrderRules}
}

// NewClassifierWithRules builds a classifier over custom tables; keywords are normalized.
func NewClassifierWithRules(rules, midOrder []Rule) *Classifier {
	return &Classifier{rules: normalizeRules(rules), midOrder: normalizeRules(midOrder)}
}

func normalizeRules(in []Rule) []Rule {
	out := make([]Rule, len(in))
	for i, r := range in {
		r.Keywords = append([]string(nil), r.Keywords...)
		for j, k := range r.Keywords {
			r.Keywords[j] = util.Normalize(k)
		}
		out[i] = r
	}
	return out
}

// Classify returns the first matching rule's intent for text given the prior session state.
func (c *Classifier) Classify(text string, priorState models.SessionState) models.IntentMatch {
	normalized := util.Normalize(text)
	words := make(map[string]bool)
	for _, w := range util.Words(normalized) {
		words[w] = true
	}

	if priorState == models.StateCollectingOrderDetails {
		for _, r := range c.rules {
			if r.Intent == models.IntentGoodbye && r.matches(normalized, words) {
				return match(r)
			}
		}
		for _, r := range c.midOrder {
			if r.matches(normalized, words) {
				return match(r)
			}
		}
	}
	for _, r := range c.rules {
		if r.matches(normalized, words) {
			return match(r)
		}
	}
	return models.IntentMatch{ID: models.IntentFallback, Confidence: FallbackConfidence, Reason: "fallback"}
}

// IsContinuation reports whether m came from the mid-order confirmation rule.
func IsContinuation(m models.IntentMatch) bool {
	return m.Reason == "continuacion_pedido"
}

// IsNegation reports whether m came from the mid-order decline rule.
func IsNegation(m models.IntentMatch) bool {
	return m.Reason == "negacion_pedido"
}

func match(r Rule) models.IntentMatch {
	return models.IntentMatch{ID: r.Intent, Confidence: r.Confidence, Reason: r.Reason}
}
