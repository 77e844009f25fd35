// Package flow navigates the tenant's menu graph.
//
// A conversation sits on one node at a time. Inbound text is matched against the node's
// options and the matched option's action decides the transition. Navigation is
// stateless apart from the current node id, which the caller stores in the session.
package flow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// DefaultInterruptKeywords reset the conversation to the root node from anywhere.
var DefaultInterruptKeywords = []string{"salir", "cancelar", "inicio", "hola"}

// TransitionKind says how the flow handled a turn.
type TransitionKind int

const (
	// NoTransition means the flow did not consume the turn.
	NoTransition TransitionKind = iota
	// ShowNode means the conversation moved to Node and its prompt should be shown.
	ShowNode
	// FollowLink means a link option was chosen; the node does not change.
	FollowLink
)

// Transition is the outcome of resolving input against the current node.
type Transition struct {
	Kind   TransitionKind
	NodeID string // node the conversation is on after the turn
	Node   models.FlowNode
	// Option is the matched option, also set for none and dangling template matches.
	Option *models.FlowOption
	// DanglingTarget is the missing node a template option pointed at.
	DanglingTarget string
}

// Input is the part of an inbound message the navigator looks at.
type Input struct {
	Text string
	// SelectedOptionID comes from a tapped button or list row.
	SelectedOptionID string
}

// Navigator resolves user input against a flow graph.
type Navigator struct {
	interrupts map[string]bool
}

// NewNavigator creates a Navigator with the given interrupt keywords.
// A nil slice uses DefaultInterruptKeywords.
func NewNavigator(interruptKeywords []string) *Navigator {
	if interruptKeywords == nil {
		interruptKeywords = DefaultInterruptKeywords
	}
	n := &Navigator{interrupts: make(map[string]bool, len(interruptKeywords))}
	for _, k := range interruptKeywords {
		n.interrupts[util.Normalize(k)] = true
	}
	return n
}

// IsInterrupt reports whether the whole normalized text is an interrupt keyword.
func (n *Navigator) IsInterrupt(text string) bool {
	return n.interrupts[util.Normalize(text)]
}

// StartNode returns the node matching should begin from: root after an interrupt,
// otherwise the stored node (root when none is stored).
func (n *Navigator) StartNode(graph models.FlowGraph, storedNodeID, text string) (string, bool) {
	if n.IsInterrupt(text) {
		return graph.Root(), true
	}
	if storedNodeID == "" {
		return graph.Root(), false
	}
	return storedNodeID, false
}

// Resolve matches in against the options of currentID and applies the option's action.
func (n *Navigator) Resolve(graph models.FlowGraph, currentID string, in Input) Transition {
	none := Transition{Kind: NoTransition, NodeID: currentID}
	if !graph.Active {
		return none
	}
	node, ok := graph.Node(currentID)
	if !ok || len(node.Options) == 0 {
		return none
	}

	opt, ok := SelectOption(node.Options, in)
	if !ok {
		return none
	}
	none.Option = &opt

	switch opt.Action {
	case models.ActionLink:
		return Transition{Kind: FollowLink, NodeID: currentID, Node: node, Option: &opt}
	case models.ActionBack:
		root, ok := graph.Node(graph.Root())
		if !ok {
			none.DanglingTarget = graph.Root()
			return none
		}
		return Transition{Kind: ShowNode, NodeID: graph.Root(), Node: root, Option: &opt}
	case models.ActionTemplate:
		target, ok := graph.Node(opt.Target)
		if !ok {
			none.DanglingTarget = opt.Target
			return none
		}
		return Transition{Kind: ShowNode, NodeID: opt.Target, Node: target, Option: &opt}
	case models.ActionNone:
		return none
	default:
		slog.Warn("Navigator.Resolve: unhandled flow action", "action", opt.Action, "node", currentID, "option", opt.ID)
		return none
	}
}

// SelectOption picks the option the user meant. A tapped option id wins; then a purely
// numeric input is a 1-based index (out of range matches nothing); otherwise the first
// option whose normalized label is contained in the normalized input is chosen.
func SelectOption(options []models.FlowOption, in Input) (models.FlowOption, bool) {
	if in.SelectedOptionID != "" {
		for _, opt := range options {
			if opt.ID == in.SelectedOptionID {
				return opt, true
			}
		}
	}

	normalized := util.Normalize(in.Text)
	if normalized == "" {
		return models.FlowOption{}, false
	}
	if util.IsDigits(normalized) {
		idx, err := strconv.Atoi(normalized)
		if err != nil || idx < 1 || idx > len(options) {
			return models.FlowOption{}, false
		}
		return options[idx-1], true
	}
	for _, opt := range options {
		label := util.Normalize(opt.Label)
		if label != "" && strings.Contains(normalized, label) {
			return opt, true
		}
	}
	return models.FlowOption{}, false
}
