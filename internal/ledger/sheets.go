package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"orderdesk/internal/domain"
)

// Sheets appends ledger rows to a Google spreadsheet.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
	timeout       time.Duration
	location      *time.Location
	logger        *slog.Logger
}

type SheetsConfig struct {
	SpreadsheetID string
	SheetName     string
	Timeout       time.Duration
	Location      *time.Location
	// Options carry credentials and, in tests, an endpoint override.
	Options []option.ClientOption
	Logger  *slog.Logger
}

func NewSheets(ctx context.Context, cfg SheetsConfig) (*Sheets, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets: spreadsheet id: %w", domain.ErrNotConfigured)
	}
	if cfg.SheetName == "" {
		cfg.SheetName = "Sheet1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := append([]option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}, cfg.Options...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}

	return &Sheets{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		timeout:       cfg.Timeout,
		location:      cfg.Location,
		logger:        cfg.Logger,
	}, nil
}

// CredentialOptions turns configured credentials into client options. It
// reports false when neither a file nor inline JSON is set.
func CredentialOptions(credentialsFile, credentialsJSON, endpoint string) ([]option.ClientOption, bool) {
	var opts []option.ClientOption
	switch {
	case credentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	case credentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	default:
		return nil, false
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts, true
}

func (s *Sheets) Name() string { return "sheets" }

// Append adds one row after the last row of the sheet. Never an upsert.
// Cells are written RAW so message text is never parsed as a formula or
// number.
func (s *Sheets) Append(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := BuildRow(order, msg, s.location)
	vr := &sheets.ValueRange{Values: [][]interface{}{toCells(row.Values())}}

	_, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A1", vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets append %s: %w", msg.ID, err)
	}
	s.logger.Debug("ledger row appended", "message_id", msg.ID, "sheet", s.sheetName)
	return nil
}

// Setup (re)writes the header into row 1. Safe to call repeatedly.
func (s *Sheets) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rng := fmt.Sprintf("%s!A1:%s1", s.sheetName, columnLetter(len(Header)))
	vr := &sheets.ValueRange{Values: [][]interface{}{toCells(Header)}}

	_, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, rng, vr).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets header: %w", err)
	}
	s.logger.Info("ledger header written", "range", rng)
	return nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}

// columnLetter returns the A1 column name for a 1-based index (1 => A, 27 => AA).
func columnLetter(n int) string {
	var out []byte
	for n > 0 {
		n--
		out = append([]byte{byte('A' + n%26)}, out...)
		n /= 26
	}
	return string(out)
}
