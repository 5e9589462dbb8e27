// Package ledger records detected orders, one append-only row per order.
package ledger

import (
	"context"
	"strings"
	"time"

	"orderdesk/internal/domain"
)

const (
	StatusPending   = "Pending"
	TimestampLayout = "2006-01-02 15:04:05"
	DefaultTimeout  = 15 * time.Second
)

// Header is the fixed column layout every backend writes.
var Header = []string{
	"Timestamp",
	"Customer Name",
	"Phone",
	"Products",
	"Quantities",
	"Total Amount",
	"Special Requests",
	"Urgency",
	"Original Message",
	"Message ID",
	"Status",
}

// Row is one ledger record in Header order.
type Row struct {
	Timestamp       string
	CustomerName    string
	Phone           string
	Products        string
	Quantities      string
	TotalAmount     string
	SpecialRequests string
	Urgency         string
	OriginalMessage string
	MessageID       string
	Status          string
}

// BuildRow lays out order and msg as a ledger row, rendering the message
// time in loc.
func BuildRow(order domain.OrderJudgment, msg domain.Message, loc *time.Location) Row {
	if loc == nil {
		loc = time.UTC
	}
	return Row{
		Timestamp:       msg.CreatedAt.In(loc).Format(TimestampLayout),
		CustomerName:    order.CustomerName,
		Phone:           order.CustomerPhone,
		Products:        strings.Join(order.Products, ", "),
		Quantities:      strings.Join(order.Quantities, ", "),
		TotalAmount:     order.TotalAmount,
		SpecialRequests: order.SpecialRequests,
		Urgency:         string(order.Urgency),
		OriginalMessage: msg.Body,
		MessageID:       msg.ID,
		Status:          StatusPending,
	}
}

// Values returns the row cells in Header order.
func (r Row) Values() []string {
	return []string{
		r.Timestamp,
		r.CustomerName,
		r.Phone,
		r.Products,
		r.Quantities,
		r.TotalAmount,
		r.SpecialRequests,
		r.Urgency,
		r.OriginalMessage,
		r.MessageID,
		r.Status,
	}
}

// Disabled stands in when the ledger has no credentials or target.
// Every call fails with domain.ErrNotConfigured.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Append(context.Context, domain.OrderJudgment, domain.Message) error {
	return domain.ErrNotConfigured
}

func (Disabled) Setup(context.Context) error {
	return domain.ErrNotConfigured
}
