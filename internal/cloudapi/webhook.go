package cloudapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Incoming is a user message extracted from a webhook payload.
type Incoming struct {
	ID   string
	From string
	// Text is the typed text, or the title of the tapped button or list row.
	Text string
	// SelectedID is the id of the tapped button or list row.
	SelectedID string
	Timestamp  time.Time
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string        `json:"type"`
		ButtonReply *webhookReply `json:"button_reply"`
		ListReply   *webhookReply `json:"list_reply"`
	} `json:"interactive"`
	// Button is sent for quick replies on template messages.
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

// ParseWebhook extracts the user messages from a webhook body. Status updates and
// unsupported message types (images, audio, locations) are skipped.
func ParseWebhook(body []byte) ([]Incoming, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	var out []Incoming
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				in, ok := m.toIncoming()
				if ok {
					out = append(out, in)
				}
			}
		}
	}
	return out, nil
}

func (m webhookMessage) toIncoming() (Incoming, bool) {
	in := Incoming{ID: m.ID, From: m.From, Timestamp: parseTimestamp(m.Timestamp)}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return in, false
		}
		in.Text = m.Text.Body
	case "interactive":
		if m.Interactive == nil {
			return in, false
		}
		var reply *webhookReply
		switch m.Interactive.Type {
		case "button_reply":
			reply = m.Interactive.ButtonReply
		case "list_reply":
			reply = m.Interactive.ListReply
		}
		if reply == nil {
			return in, false
		}
		in.Text = reply.Title
		in.SelectedID = reply.ID
	case "button":
		if m.Button == nil {
			return in, false
		}
		in.Text = m.Button.Text
	default:
		return in, false
	}
	return in, in.From != ""
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

// VerifySubscription answers Meta's webhook verification handshake. It returns the
// challenge to echo back and whether the request carried the expected token.
func VerifySubscription(query url.Values, verifyToken string) (string, bool) {
	challenge := query.Get("hub.challenge")
	if verifyToken == "" || challenge == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" || query.Get("hub.verify_token") != verifyToken {
		return "", false
	}
	return challenge, true
}
