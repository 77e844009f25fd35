package models

// IntentKind is the classified purpose of a user message.
type IntentKind string

const (
	IntentGreeting     IntentKind = "greeting"
	IntentSmalltalk    IntentKind = "smalltalk"
	IntentOrderStart   IntentKind = "order_start"
	IntentOrderStatus  IntentKind = "order_status"
	IntentFAQHours     IntentKind = "faq_hours"
	IntentFAQMenu      IntentKind = "faq_menu"
	IntentHandoffHuman IntentKind = "handoff_human"
	IntentGoodbye      IntentKind = "goodbye"
	IntentFallback     IntentKind = "fallback"
)

// IsValid reports whether k is one of the known intents.
func (k IntentKind) IsValid() bool {
	switch k {
	case IntentGreeting, IntentSmalltalk, IntentOrderStart, IntentOrderStatus, IntentFAQHours,
		IntentFAQMenu, IntentHandoffHuman, IntentGoodbye, IntentFallback:
		return true
	default:
		return false
	}
}

// IntentMatch is a classification result with its confidence (0..1) and rationale.
type IntentMatch struct {
	ID         IntentKind `json:"id"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
}
