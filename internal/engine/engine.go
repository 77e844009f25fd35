// Package engine decides the assistant's reply for one turn. It combines the menu flow,
// the keyword classifier, the order responder and the optional language-model fallback.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/catalog"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/intent"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/nlu"
	"github.com/BTreeMap/OrderPipe/internal/order"
	"github.com/BTreeMap/OrderPipe/internal/settings"
)

// DefaultAITimeout bounds the language-model call when settings leave it unset.
const DefaultAITimeout = 8 * time.Second

// Turn is everything the engine needs to decide one reply. Session is the state after
// the session gate ran; the engine never modifies it.
type Turn struct {
	Message      models.InboundMessage
	Session      models.ConversationSession
	History      []nlu.HistoryEntry
	Capabilities models.Capabilities
	Settings     *settings.Settings
}

// Opts configures an Engine.
type Opts struct {
	Classifier   *intent.Classifier
	Understander nlu.Understander
}

// Option mutates Opts.
type Option func(*Opts)

// WithClassifier replaces the default keyword classifier.
func WithClassifier(c *intent.Classifier) Option {
	return func(o *Opts) { o.Classifier = c }
}

// WithUnderstander enables the language-model fallback.
func WithUnderstander(u nlu.Understander) Option {
	return func(o *Opts) { o.Understander = u }
}

// Engine is stateless across turns and safe for concurrent use.
type Engine struct {
	classifier *intent.Classifier
	responder  *order.Responder
	nlu        nlu.Understander
}

// New creates an Engine over a catalog.
func New(cat *catalog.Catalog, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = intent.NewClassifier()
	}
	return &Engine{classifier: cfg.Classifier, responder: order.NewResponder(cat), nlu: cfg.Understander}
}

// Responder exposes the order responder, used to price and summarize stored drafts.
func (e *Engine) Responder() *order.Responder {
	return e.responder
}

// turnContext carries per-turn derived values between the steps of Decide.
type turnContext struct {
	turn        Turn
	settings    *settings.Settings
	composer    *Composer
	prior       models.SessionState
	nodeID      string
	interrupted bool
	dangling    string
}

// Decide runs the dialogue rules for one turn. It never fails; a language-model error
// degrades to the rule-based reply.
func (e *Engine) Decide(ctx context.Context, turn Turn) models.BotResponse {
	s := turn.Settings
	if s == nil {
		s = settings.Default()
	}
	tc := &turnContext{
		turn:     turn,
		settings: s,
		composer: NewComposer(turn.Capabilities, s),
		prior:    turn.Session.State,
	}

	resp := e.decide(ctx, tc)
	if resp.Meta.FlowNodeID == "" {
		resp.Meta.FlowNodeID = tc.nodeID
	}
	if tc.dangling != "" {
		resp.Meta.DanglingTarget = tc.dangling
	}
	return resp
}

func (e *Engine) decide(ctx context.Context, tc *turnContext) models.BotResponse {
	msg := tc.turn.Message
	graph := tc.settings.Flow
	nav := flow.NewNavigator(tc.settings.Session.InterruptKeywords)

	// 1. Interrupt keywords move the conversation back to the root node.
	tc.nodeID, tc.interrupted = nav.StartNode(graph, tc.turn.Session.Metadata.CurrentFlowNodeID, msg.Text)
	if tc.interrupted && tc.prior == models.StateCollectingOrderDetails {
		tc.prior = models.StateNone
	}

	// 2. Menu navigation runs first whenever the flow is active. A tapped order choice
	// carries its own id and never navigates.
	if graph.Active && !order.IsOptionID(msg.SelectedOptionID) {
		tr := nav.Resolve(graph, tc.nodeID, flow.Input{Text: msg.Text, SelectedOptionID: msg.SelectedOptionID})
		switch tr.Kind {
		case flow.FollowLink:
			return tc.composer.Link(*tr.Option, tc.nodeID)
		case flow.ShowNode:
			tc.nodeID = tr.NodeID
			return tc.composer.Node(tr.Node, tr.NodeID)
		}
		if tr.DanglingTarget != "" {
			tc.dangling = tr.DanglingTarget
			slog.Warn("Engine.decide: flow option targets a missing node", "node", tc.nodeID, "target", tr.DanglingTarget)
		}
	}

	// 3. Keyword classification.
	match := e.classifier.Classify(msg.Text, tc.prior)

	// 4. Greetings, and interrupts nothing else explains, show the root menu.
	if match.ID == models.IntentGreeting || (tc.interrupted && match.ID == models.IntentFallback) {
		if resp, ok := e.rootNode(tc); ok {
			return resp
		}
	}

	// 5. Order path.
	if match.ID == models.IntentOrderStart || (tc.prior == models.StateCollectingOrderDetails && continuesOrder(match)) {
		return e.orderTurn(tc, match, nil)
	}

	// 6-8. Confident rule intents with fixed replies.
	threshold := tc.settings.AI.ConfidenceThreshold
	if match.ID != models.IntentFallback && match.Confidence >= threshold {
		if resp, ok := e.byIntent(tc, match); ok {
			return resp
		}
	}

	// 9. Language-model fallback.
	if res := e.understand(ctx, tc, match); res != nil {
		if resp, ok := e.fromAI(tc, res); ok {
			return resp
		}
	}
	if match.ID != models.IntentFallback {
		if resp, ok := e.byIntent(tc, match); ok {
			return resp
		}
	}

	// 10. Final fallback.
	return tc.composer.Fallback(models.IntentMatch{ID: models.IntentFallback, Confidence: match.Confidence, Reason: match.Reason})
}

// continuesOrder reports whether a message during order collection belongs to the order.
// Questions with their own answer (hours, menu, handoff, status, goodbye) are answered
// without leaving the order.
func continuesOrder(m models.IntentMatch) bool {
	switch m.ID {
	case models.IntentOrderStart, models.IntentFallback, models.IntentSmalltalk:
		return true
	default:
		return false
	}
}

func (e *Engine) rootNode(tc *turnContext) (models.BotResponse, bool) {
	graph := tc.settings.Flow
	if !graph.Active {
		return models.BotResponse{}, false
	}
	root, ok := graph.Node(graph.Root())
	if !ok {
		tc.dangling = graph.Root()
		slog.Warn("Engine.rootNode: flow root node is missing", "root", graph.Root())
		return models.BotResponse{}, false
	}
	tc.nodeID = graph.Root()
	return tc.composer.Node(root, graph.Root()), true
}

func (e *Engine) orderTurn(tc *turnContext, match models.IntentMatch, slots *models.OrderDraft) models.BotResponse {
	s := tc.settings
	msg := tc.turn.Message
	reply := e.responder.Respond(order.Request{
		Text:             msg.Text,
		SelectedOptionID: msg.SelectedOptionID,
		Intent:           match,
		Draft:            tc.turn.Session.Metadata.OrderDraft,
		Slots:            slots,
		Policy:           order.Policy{AllowOrders: s.Orders.AllowOrders, RequireConfirmation: s.Orders.RequireConfirmation},
	})

	if match.ID != models.IntentOrderStart {
		match = models.IntentMatch{ID: models.IntentOrderStart, Confidence: match.Confidence, Reason: ReasonOrder}
	}
	resp := tc.composer.Question(reply.Text, reply.Options, match, reply.NextState)
	resp.NeedsHuman = reply.NeedsHuman
	if reply.Cancelled {
		resp.ShouldClearMemory = true
		return resp
	}
	draft := reply.Draft
	resp.Meta.OrderDraft = &draft
	if slots != nil {
		resp.Meta.AISlots = slots
	}
	if reply.Completed {
		slog.Info("Engine.orderTurn: order confirmed", "conversation", tc.turn.Session.ID,
			"producto", models.Deref(draft.Producto), "total", draft.Total)
	}
	return resp
}

// byIntent answers intents that have a fixed reply.
func (e *Engine) byIntent(tc *turnContext, match models.IntentMatch) (models.BotResponse, bool) {
	s := tc.settings
	c := tc.composer
	draft := tc.turn.Session.Metadata.OrderDraft
	orderInProgress := !draft.IsEmpty() && !draft.IsConfirmed() && tc.prior == models.StateCollectingOrderDetails
	fresh := (tc.prior == models.StateNone || tc.prior == models.StateIdle) && draft.IsEmpty()

	switch match.ID {
	case models.IntentGreeting:
		return c.Text(s.Messages.Welcome, match, models.StateIdle), true

	case models.IntentHandoffHuman:
		resp := c.Text(s.Messages.Handoff, match, models.StateHandoffRequested)
		resp.NeedsHuman = true
		return resp, true

	case models.IntentOrderStatus:
		reply := "Para revisar el estado de tu pedido te comunicaré con una persona de nuestro equipo. 👤"
		if ref := tc.turn.Session.Metadata.LastOrderRef; ref != "" {
			reply = "Tu último pedido es " + ref + ". " + reply
		}
		resp := c.Text(reply, match, models.StateHandoffRequested)
		resp.NeedsHuman = true
		return resp, true

	case models.IntentFAQHours, models.IntentFAQMenu:
		var reply string
		if match.ID == models.IntentFAQHours {
			reply = "🕒 Nuestro horario de atención:\n" + s.HoursText()
		} else {
			reply = "🍰 Estos son nuestros productos:\n\n" + e.responder.Catalog().MenuSummary() +
				"\n\nEscribe el nombre del producto para hacer tu pedido."
		}
		next := models.StateIdle
		if orderInProgress {
			next = models.StateNone
		}
		resp := c.Text(reply, match, next)
		resp.ShouldClearMemory = fresh
		return resp, true

	case models.IntentSmalltalk:
		next := models.StateIdle
		if orderInProgress {
			next = models.StateNone
		}
		return c.Text("😊 ¡Con gusto! Escribe \"Inicio\" para ver el menú principal.", match, next), true

	case models.IntentGoodbye:
		resp := c.Text(s.Messages.Closing, match, models.StateEnded)
		resp.ShouldClearMemory = true
		return resp, true

	case models.IntentOrderStart:
		return e.orderTurn(tc, match, nil), true
	}
	return models.BotResponse{}, false
}

func (e *Engine) understand(ctx context.Context, tc *turnContext, match models.IntentMatch) *nlu.Result {
	s := tc.settings
	if e.nlu == nil || !s.AI.Enabled {
		return nil
	}
	timeout := s.AI.Timeout
	if timeout <= 0 {
		timeout = DefaultAITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.nlu.Understand(ctx, nlu.Request{
		Text:       tc.turn.Message.Text,
		RuleIntent: match,
		PriorState: tc.prior,
		History:    tc.turn.History,
		Business: nlu.BusinessContext{
			Name:  s.BusinessName,
			Hours: s.HoursText(),
			Menu:  e.responder.Catalog().MenuSummary(),
		},
	})
	if err != nil {
		slog.Warn("Engine.understand: language model unavailable, using rules", "conversation", tc.turn.Session.ID,
			"error", err, "elapsed", time.Since(start))
		return nil
	}
	return res
}

func (e *Engine) fromAI(tc *turnContext, res *nlu.Result) (models.BotResponse, bool) {
	if res.HasOrderSlot() {
		match := models.IntentMatch{ID: models.IntentOrderStart, Confidence: res.Confidence, Reason: ReasonAISlots}
		return e.orderTurn(tc, match, res.Slots), true
	}

	match := models.IntentMatch{ID: res.IntentID, Confidence: res.Confidence, Reason: ReasonAI}
	switch res.IntentID {
	case models.IntentHandoffHuman, models.IntentOrderStatus, models.IntentGoodbye, models.IntentOrderStart:
		return e.byIntent(tc, match)
	}
	if res.GeneratedReply != "" {
		resp := tc.composer.Text(res.GeneratedReply, match, models.StateIdle)
		if tc.prior == models.StateCollectingOrderDetails {
			resp.NextState = models.StateNone
		}
		resp.Meta.AISlots = res.Slots
		return resp, true
	}
	if res.IntentID != models.IntentFallback {
		return e.byIntent(tc, match)
	}
	return models.BotResponse{}, false
}
