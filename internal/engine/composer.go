package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/settings"
)

// DefaultListButtonText labels the control that opens a native list.
const DefaultListButtonText = "Ver opciones"

// Intent reasons for replies that do not come from the classifier.
const (
	ReasonFlowNode = "flow_node"
	ReasonFlowLink = "flow_link"
	ReasonAI       = "ia"
	ReasonAISlots  = "ia_slots"
	ReasonOrder    = "pedido_en_curso"
)

// FallbackReply is sent when nothing else applies.
const FallbackReply = `No entendí tu opción. Escribe "Inicio" para ver el menú principal.`

// Composer turns decisions into BotResponses shaped for a channel.
type Composer struct {
	caps     models.Capabilities
	settings *settings.Settings
}

// NewComposer creates a Composer for one turn.
func NewComposer(caps models.Capabilities, s *settings.Settings) *Composer {
	return &Composer{caps: caps, settings: s}
}

// Node shows a flow node: prompt, option lines, native options when they fit and the
// node's image.
func (c *Composer) Node(node models.FlowNode, nodeID string) models.BotResponse {
	resp := models.BotResponse{
		Reply:     flow.RenderText(node),
		Intent:    models.IntentMatch{ID: models.IntentSmalltalk, Confidence: 1, Reason: ReasonFlowNode},
		NextState: models.StateAwaitingMenuSelection,
		Meta:      models.ResponseMeta{FlowNodeID: nodeID},
	}
	opts := make([]models.InteractiveOption, 0, len(node.Options))
	for _, o := range node.Options {
		opts = append(opts, models.InteractiveOption{ID: o.ID, Title: strings.TrimSpace(o.Label)})
	}
	resp.Interactive = c.Interactive(node.Text, opts)
	if m, ok := c.nodeMedia(node, nodeID); ok {
		resp.Media = []models.Media{m}
	}
	return resp
}

func (c *Composer) nodeMedia(node models.FlowNode, nodeID string) (models.Media, bool) {
	switch {
	case node.MediaURL != "":
		return models.Media{Ref: node.MediaURL}, true
	case node.MediaBase64 != "":
		url := c.settings.MediaURL(nodeID)
		if url == "" {
			slog.Debug("Composer.nodeMedia: inline media skipped, no public base URL", "node", nodeID)
			return models.Media{}, false
		}
		return models.Media{Ref: url}, true
	}
	return models.Media{}, false
}

// Link answers a link option; the conversation stays on nodeID.
func (c *Composer) Link(opt models.FlowOption, nodeID string) models.BotResponse {
	return models.BotResponse{
		Reply:     flow.LinkReply(opt),
		Intent:    models.IntentMatch{ID: models.IntentSmalltalk, Confidence: 1, Reason: ReasonFlowLink},
		NextState: models.StateIdle,
		Meta:      models.ResponseMeta{FlowNodeID: nodeID},
	}
}

// Text is a plain reply.
func (c *Composer) Text(reply string, match models.IntentMatch, next models.SessionState) models.BotResponse {
	return models.BotResponse{Reply: reply, Intent: match, NextState: next}
}

// Question is a reply offering choices: enumerated in the text and native when the
// channel can render them.
func (c *Composer) Question(text string, opts []models.InteractiveOption, match models.IntentMatch, next models.SessionState) models.BotResponse {
	resp := models.BotResponse{Reply: text, Intent: match, NextState: next}
	if len(opts) == 0 {
		return resp
	}
	// Choices are listed by name: a bare number is read as a menu selection first.
	lines := make([]string, 0, len(opts))
	for _, o := range opts {
		lines = append(lines, fmt.Sprintf(flow.OptionLineFormat, o.Title))
	}
	resp.Reply = text + "\n\n" + strings.Join(lines, "\n")
	resp.Interactive = c.Interactive(text, opts)
	return resp
}

// Fallback is the final reply when nothing matched.
func (c *Composer) Fallback(match models.IntentMatch) models.BotResponse {
	if match.ID == "" {
		match = models.IntentMatch{ID: models.IntentFallback, Confidence: 1, Reason: "fallback"}
	}
	return models.BotResponse{Reply: FallbackReply, Intent: match, NextState: models.StateIdle}
}

// Interactive builds a native payload within the channel caps: buttons when the options
// fit, else a list, else nil so the caller's text enumeration stands alone.
func (c *Composer) Interactive(body string, opts []models.InteractiveOption) *models.Interactive {
	n := len(opts)
	if n == 0 {
		return nil
	}
	switch {
	case c.caps.MaxButtons > 0 && n <= c.caps.MaxButtons:
		return &models.Interactive{
			Kind:    models.InteractiveButtons,
			Body:    body,
			Options: truncateTitles(opts, c.caps.MaxButtonTitle),
		}
	case c.caps.MaxListRows > 0 && n <= c.caps.MaxListRows:
		return &models.Interactive{
			Kind:       models.InteractiveList,
			Body:       body,
			ButtonText: DefaultListButtonText,
			Options:    truncateTitles(opts, c.caps.MaxRowTitle),
		}
	default:
		return nil
	}
}

func truncateTitles(opts []models.InteractiveOption, max int) []models.InteractiveOption {
	out := make([]models.InteractiveOption, len(opts))
	for i, o := range opts {
		out[i] = models.InteractiveOption{ID: o.ID, Title: Truncate(o.Title, max)}
	}
	return out
}

// Truncate shortens s to at most max runes, ending in "…" when cut. max <= 0 disables it.
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return strings.TrimSpace(string(r[:max-1])) + "…"
}
