package models

// InteractiveKind selects the native structure used for options.
type InteractiveKind string

const (
	InteractiveButtons InteractiveKind = "button"
	InteractiveList    InteractiveKind = "list"
)

// InteractiveOption is one native button or list row.
type InteractiveOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Interactive is a native button or list payload for channels that support one.
type Interactive struct {
	Kind InteractiveKind `json:"kind"`
	Body string          `json:"body"`
	// ButtonText labels the control that opens a list.
	ButtonText string              `json:"button_text,omitempty"`
	Options    []InteractiveOption `json:"options"`
}

// Media is an attachment sent before the reply text.
type Media struct {
	Ref     string `json:"ref"` // public URL of the image
	Caption string `json:"caption,omitempty"`
}

// ResponseMeta carries the session fields a turn wants to persist. Nil drafts leave the
// stored value untouched.
type ResponseMeta struct {
	FlowNodeID string      `json:"flow_node_id,omitempty"`
	OrderDraft *OrderDraft `json:"order_draft,omitempty"`
	AISlots    *OrderDraft `json:"ai_slots,omitempty"`
	// DanglingTarget names a template target that could not be resolved this turn.
	DanglingTarget string `json:"dangling_target,omitempty"`
}

// BotResponse is the dialogue engine's decision for one turn.
type BotResponse struct {
	Reply  string      `json:"reply"`
	Intent IntentMatch `json:"intent"`
	// NextState is the state to store; empty keeps the previous state.
	NextState         SessionState `json:"next_state,omitempty"`
	NeedsHuman        bool         `json:"needs_human,omitempty"`
	Interactive       *Interactive `json:"interactive,omitempty"`
	Media             []Media      `json:"media,omitempty"`
	ShouldClearMemory bool         `json:"should_clear_memory,omitempty"`
	Meta              ResponseMeta `json:"meta"`
}

// Capabilities describes what a transport can render natively.
type Capabilities struct {
	MaxButtons     int  `json:"max_buttons"`      // 0 disables native buttons
	MaxListRows    int  `json:"max_list_rows"`    // 0 disables native lists
	MaxButtonTitle int  `json:"max_button_title"` // characters
	MaxRowTitle    int  `json:"max_row_title"`
	Media          bool `json:"media"`
}

var (
	// CloudAPICapabilities are the WhatsApp Business Cloud API limits.
	CloudAPICapabilities = Capabilities{MaxButtons: 3, MaxListRows: 10, MaxButtonTitle: 20, MaxRowTitle: 24, Media: true}
	// TelegramCapabilities render options as an inline keyboard.
	TelegramCapabilities = Capabilities{MaxButtons: 8, MaxButtonTitle: 64, Media: true}
	// TextOnlyCapabilities fall back to enumerated text.
	TextOnlyCapabilities = Capabilities{Media: true}
	// WebCapabilities are used by the synchronous web widget.
	WebCapabilities = Capabilities{MaxButtons: 10, MaxButtonTitle: 80, Media: true}
)
