package domain

import "testing"

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"inbound":        DirectionInbound,
		"outbound-api":   DirectionOutbound,
		"outbound-reply": DirectionOutbound,
		"Outbound-Call":  DirectionOutbound,
		"":               DirectionInbound,
	}
	for in, want := range cases {
		if got := ParseDirection(in); got != want {
			t.Errorf("ParseDirection(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseUrgency_Unknown(t *testing.T) {
	if got := ParseUrgency("whenever"); got != UrgencyNormal {
		t.Fatalf("expected normal, got %q", got)
	}
	if got := ParseUrgency(" ASAP "); got != UrgencyASAP {
		t.Fatalf("expected asap, got %q", got)
	}
}

func TestNotOrder(t *testing.T) {
	j := NotOrder()
	if j.IsOrder || len(j.Products) != 0 {
		t.Fatalf("unexpected judgment: %+v", j)
	}
}
