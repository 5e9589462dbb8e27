package classifier

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"orderdesk/internal/domain"
)

// ErrMalformedResponse means the model output could not be read as a judgment.
var ErrMalformedResponse = errors.New("malformed classifier response")

const (
	unknownValue = "Unknown"
	tbdValue     = "TBD"
)

// rawJudgment is the wire shape, tolerant of the type drift small models produce.
type rawJudgment struct {
	IsOrder         flexBool    `json:"isOrder"`
	CustomerName    string      `json:"customerName"`
	CustomerPhone   string      `json:"customerPhone"`
	Products        flexStrings `json:"products"`
	Quantities      flexStrings `json:"quantities"`
	TotalAmount     flexString  `json:"totalAmount"`
	SpecialRequests *string     `json:"specialRequests"`
	Urgency         string      `json:"urgency"`
	ExtractedText   string      `json:"extractedText"`
}

// parseJudgment extracts a judgment from model output. Any failure yields
// NotOrder together with ErrMalformedResponse.
func parseJudgment(content string) (domain.OrderJudgment, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return domain.NotOrder(), ErrMalformedResponse
	}

	var rj rawJudgment
	if err := json.Unmarshal([]byte(raw), &rj); err != nil {
		if err2 := json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &rj); err2 != nil {
			return domain.NotOrder(), errors.Join(ErrMalformedResponse, err)
		}
	}

	if !rj.IsOrder {
		return domain.NotOrder(), nil
	}
	return normalize(rj), nil
}

func normalize(rj rawJudgment) domain.OrderJudgment {
	j := domain.OrderJudgment{
		IsOrder:       true,
		CustomerName:  strings.TrimSpace(rj.CustomerName),
		CustomerPhone: strings.TrimSpace(rj.CustomerPhone),
		Products:      rj.Products,
		Quantities:    rj.Quantities,
		TotalAmount:   strings.TrimSpace(string(rj.TotalAmount)),
		Urgency:       domain.ParseUrgency(rj.Urgency),
		ExtractedText: strings.TrimSpace(rj.ExtractedText),
	}
	if rj.SpecialRequests != nil {
		j.SpecialRequests = strings.TrimSpace(*rj.SpecialRequests)
	}
	if j.CustomerName == "" {
		j.CustomerName = unknownValue
	}
	if j.CustomerPhone == "" {
		j.CustomerPhone = unknownValue
	}
	if j.TotalAmount == "" {
		j.TotalAmount = tbdValue
	}
	return j
}

// extractJSON finds the JSON object in content. It handles bare JSON,
// code-fenced JSON, and JSON surrounded by prose.
func extractJSON(content string) (string, bool) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present.
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	if strings.HasPrefix(content, "{") && json.Valid([]byte(content)) {
		return content, true
	}

	if start, end := findJSONBounds(content); start >= 0 && end > start {
		return content[start:end], true
	}
	return "", false
}

// findJSONBounds locates the first top-level JSON object in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// sanitizeJSONEscapes fixes invalid JSON escape sequences produced by some LLMs.
// Valid JSON escapes: \", \\, \/, \b, \f, \n, \r, \t, \uXXXX.
// Invalid ones (e.g. \$ or \Y) are corrected by dropping the backslash.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(next)
				i++
			default:
				continue // drop the backslash
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}

// flexBool accepts true/false, "true"/"yes", and 0/1.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		*b = flexBool(s == "true" || s == "yes")
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = flexBool(n != 0)
		return nil
	}
	*b = false
	return nil
}

// flexString accepts a string or a number ("45.00" or 45).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(strconv.FormatFloat(n, 'f', -1, 64))
		return nil
	}
	*f = ""
	return nil
}

// flexStrings accepts an array of strings and numbers, or a single string
// (e.g. ["oysters", "clams"], [2, "1 lb"], "oysters").
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*f = nil
		} else {
			*f = flexStrings{single}
		}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*f = nil
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var fs flexString
		_ = fs.UnmarshalJSON(item)
		if s := strings.TrimSpace(string(fs)); s != "" {
			result = append(result, s)
		}
	}
	*f = result
	return nil
}
