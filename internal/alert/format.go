// Package alert pushes one formatted notification per detected order to a
// real-time channel.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orderdesk/internal/domain"
)

const (
	DefaultTimeout = 10 * time.Second

	noSpecialRequests = "None"
	receivedLayout    = "2006-01-02 15:04:05 MST"
)

// Marker returns the visual marker for an urgency level.
func Marker(u domain.Urgency) string {
	switch u {
	case domain.UrgencyASAP:
		return "🔴"
	case domain.UrgencyUrgent:
		return "🟠"
	default:
		return "🟢"
	}
}

// Format renders the alert text for one order.
func Format(order domain.OrderJudgment, msg domain.Message, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	special := strings.TrimSpace(order.SpecialRequests)
	if special == "" {
		special = noSpecialRequests
	}
	urgency := order.Urgency
	if urgency == "" {
		urgency = domain.UrgencyNormal
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s New order from %s\n\n", Marker(urgency), order.CustomerName)
	fmt.Fprintf(&sb, "Customer: %s\n", order.CustomerName)
	fmt.Fprintf(&sb, "Phone: %s\n", order.CustomerPhone)
	fmt.Fprintf(&sb, "Products: %s\n", strings.Join(order.Products, ", "))
	fmt.Fprintf(&sb, "Quantities: %s\n", strings.Join(order.Quantities, ", "))
	fmt.Fprintf(&sb, "Total: %s\n", order.TotalAmount)
	fmt.Fprintf(&sb, "Urgency: %s\n", strings.ToUpper(string(urgency)))
	fmt.Fprintf(&sb, "Special Requests: %s\n\n", special)
	fmt.Fprintf(&sb, "Original Message:\n%s\n\n", msg.Body)
	fmt.Fprintf(&sb, "Message ID: %s | Received: %s", msg.ID, msg.CreatedAt.In(loc).Format(receivedLayout))
	return sb.String()
}

// Disabled stands in when no alert destination is configured. Every call
// fails with domain.ErrNotConfigured.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Notify(context.Context, domain.OrderJudgment, domain.Message) error {
	return domain.ErrNotConfigured
}
