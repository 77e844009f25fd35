package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Option rendering constants
const (
	// OptionLineFormat renders one option in a text menu.
	OptionLineFormat = "👉 %s"
	// LinkReplyFormat is the reply for a chosen link option.
	LinkReplyFormat = "🔗 Puedes visitarlo aquí: %s"
)

// RenderText returns the node prompt followed by a blank line and one line per option.
func RenderText(node models.FlowNode) string {
	if len(node.Options) == 0 {
		return node.Text
	}
	var sb strings.Builder
	sb.WriteString(node.Text)
	sb.WriteString("\n\n")
	for i, opt := range node.Options {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, OptionLineFormat, opt.Label)
	}
	return sb.String()
}

// LinkReply returns the text sent when a link option is chosen.
func LinkReply(opt models.FlowOption) string {
	return fmt.Sprintf(LinkReplyFormat, opt.Target)
}
