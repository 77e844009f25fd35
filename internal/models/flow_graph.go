package models

import (
	"fmt"
	"strings"
)

// DefaultRootNodeID is the node a conversation starts on and returns to on "back".
const DefaultRootNodeID = "welcome"

// ActionType is what selecting a flow option does. The set is closed; see the
// switch in flow.Navigator.Resolve.
type ActionType int

const (
	// ActionNone matches the option but leaves the turn to intent handling.
	ActionNone ActionType = iota
	// ActionTemplate moves to the node named by the option's target.
	ActionTemplate
	// ActionLink replies with the option's target URL.
	ActionLink
	// ActionBack returns to the root node.
	ActionBack
)

var actionNames = [...]string{
	ActionNone:     "none",
	ActionTemplate: "template",
	ActionLink:     "link",
	ActionBack:     "back",
}

func (a ActionType) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("ActionType(%d)", int(a))
	}
	return actionNames[a]
}

// ParseActionType converts a configuration string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	for i, name := range actionNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return ActionType(i), nil
		}
	}
	return ActionNone, fmt.Errorf("unknown flow action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a ActionType) MarshalText() ([]byte, error) {
	if a < 0 || int(a) >= len(actionNames) {
		return nil, fmt.Errorf("invalid flow action %d", int(a))
	}
	return []byte(actionNames[a]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty value decodes as none.
func (a *ActionType) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*a = ActionNone
		return nil
	}
	v, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// FlowOption is one selectable choice on a flow node.
type FlowOption struct {
	ID     string     `json:"id" yaml:"id"`
	Label  string     `json:"label" yaml:"label"`
	Action ActionType `json:"action" yaml:"action"`
	// Target is a node id for template options and a URL for link options.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// FlowNode is a single prompt in the configured conversation tree.
type FlowNode struct {
	ID       string       `json:"id" yaml:"id"`
	Text     string       `json:"text" yaml:"text"`
	MediaURL string       `json:"mediaUrl,omitempty" yaml:"mediaUrl,omitempty"`
	// MediaBase64 holds an inline image as a data URL; it is served by the media endpoint.
	MediaBase64 string       `json:"mediaBase64,omitempty" yaml:"mediaBase64,omitempty"`
	Options     []FlowOption `json:"options" yaml:"options"`
}

// HasMedia reports whether the node carries an image.
func (n FlowNode) HasMedia() bool {
	return n.MediaURL != "" || n.MediaBase64 != ""
}

// FlowGraph is the tenant's menu tree. It is read-only once loaded and safe to share.
type FlowGraph struct {
	Active     bool                `json:"active" yaml:"active"`
	RootNodeID string              `json:"rootNodeId,omitempty" yaml:"rootNodeId,omitempty"`
	Nodes      map[string]FlowNode `json:"nodes" yaml:"nodes"`
}

// Root returns the root node id, defaulting to DefaultRootNodeID.
func (g FlowGraph) Root() string {
	if g.RootNodeID == "" {
		return DefaultRootNodeID
	}
	return g.RootNodeID
}

// Node looks up a node by id.
func (g FlowGraph) Node(id string) (FlowNode, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// DanglingReference describes a template option whose target node does not exist.
type DanglingReference struct {
	NodeID   string
	OptionID string
	Target   string
}

func (d DanglingReference) String() string {
	return fmt.Sprintf("node %q option %q targets missing node %q", d.NodeID, d.OptionID, d.Target)
}

// DanglingReferences lists every template option pointing at a missing node.
func (g FlowGraph) DanglingReferences() []DanglingReference {
	var out []DanglingReference
	for id, n := range g.Nodes {
		for _, opt := range n.Options {
			if opt.Action != ActionTemplate {
				continue
			}
			if _, ok := g.Nodes[opt.Target]; !ok {
				out = append(out, DanglingReference{NodeID: id, OptionID: opt.ID, Target: opt.Target})
			}
		}
	}
	return out
}
