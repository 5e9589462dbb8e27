package domain

import (
	"strings"
	"time"
)

// Direction tells whether a message was received or sent by us.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection maps provider-specific direction strings onto Direction.
// Twilio reports "outbound-api", "outbound-reply" and "outbound-call"; all of
// them are outbound.
func ParseDirection(s string) Direction {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "outbound") {
		return DirectionOutbound
	}
	return DirectionInbound
}

// Message is one SMS as fetched from the message source. Read-only to the pipeline.
type Message struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Inbound reports whether the message is a candidate for classification.
func (m Message) Inbound() bool {
	return m.Direction == DirectionInbound
}

type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
	UrgencyASAP   Urgency = "asap"
)

// ParseUrgency returns the matching Urgency, or UrgencyNormal for anything unrecognized.
func ParseUrgency(s string) Urgency {
	switch Urgency(strings.ToLower(strings.TrimSpace(s))) {
	case UrgencyUrgent:
		return UrgencyUrgent
	case UrgencyASAP:
		return UrgencyASAP
	default:
		return UrgencyNormal
	}
}

// OrderJudgment is the classifier verdict for one message. The order fields
// are only meaningful when IsOrder is true.
type OrderJudgment struct {
	IsOrder         bool     `json:"isOrder"`
	CustomerName    string   `json:"customerName,omitempty"`
	CustomerPhone   string   `json:"customerPhone,omitempty"`
	Products        []string `json:"products,omitempty"`
	Quantities      []string `json:"quantities,omitempty"`
	TotalAmount     string   `json:"totalAmount,omitempty"`
	SpecialRequests string   `json:"specialRequests,omitempty"`
	Urgency         Urgency  `json:"urgency,omitempty"`
	ExtractedText   string   `json:"extractedText,omitempty"`
}

// NotOrder is the judgment used for non-orders and for every classification failure.
func NotOrder() OrderJudgment {
	return OrderJudgment{IsOrder: false}
}
