package classifier

import (
	"fmt"
	"strings"
	"time"

	"orderdesk/internal/domain"
)

const systemPrompt = `You read SMS messages sent to a seafood and specialty food shop and decide whether each one is a purchase order.

An order asks to buy, reserve or pick up specific products. Questions about hours, prices or availability, greetings, and thanks are not orders.

Respond with JSON only, no prose and no code fences, in exactly one of these two shapes:

{"isOrder": false}

{"isOrder": true,
 "customerName": "<name, or \"Unknown\">",
 "customerPhone": "<phone number, or \"Unknown\">",
 "products": ["<product>", ...],
 "quantities": ["<quantity for each product, same order>", ...],
 "totalAmount": "<stated total, or \"TBD\">",
 "specialRequests": "<pickup time, preparation, delivery notes, or empty string>",
 "urgency": "normal" | "urgent" | "asap",
 "extractedText": "<the part of the message that contains the order>"}

Use the sender number as customerPhone when the message does not state one.`

// buildMessages returns the fixed-shape instruction for one message.
func buildMessages(msg domain.Message, loc *time.Location) []domain.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message from: %s\n", msg.From)
	fmt.Fprintf(&sb, "Received at: %s\n", msg.CreatedAt.In(loc).Format(time.RFC1123))
	sb.WriteString("Message body:\n")
	sb.WriteString(msg.Body)

	return []domain.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
