package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the normalized call-completion notification. The sender posts a
// flat map of string keys/values; keys arrive with stray whitespace often
// enough that every key is trimmed before matching.
type Payload struct {
	RecordingURL       string
	SystemCallID       string
	PublisherID        string
	BuyerID            string
	SystemName         string
	CallTimestamp      string
	CampaignName       string
	CallerNumber       string
	InboundPhoneNumber string
	DialedNumber       string
}

// recognized optional fields, beyond the two required ones.
var payloadFields = map[string]func(*Payload, string){
	"recording_url":        func(p *Payload, v string) { p.RecordingURL = v },
	"system_call_id":       func(p *Payload, v string) { p.SystemCallID = v },
	"system_publisher_id":  func(p *Payload, v string) { p.PublisherID = v },
	"system_buyer_id":      func(p *Payload, v string) { p.BuyerID = v },
	"system_name":          func(p *Payload, v string) { p.SystemName = v },
	"call_timestamp":       func(p *Payload, v string) { p.CallTimestamp = v },
	"campaign_name":        func(p *Payload, v string) { p.CampaignName = v },
	"caller_number":        func(p *Payload, v string) { p.CallerNumber = v },
	"inbound_phone_number": func(p *Payload, v string) { p.InboundPhoneNumber = v },
	"dialed_number":        func(p *Payload, v string) { p.DialedNumber = v },
}

// ParsePayload decodes the flat webhook body. Unknown keys are preserved in
// the normalized map so the raw payload retains everything the sender sent.
func ParsePayload(body []byte) (Payload, map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, nil, fmt.Errorf("webhook: invalid body: %w", err)
	}

	normalized := make(map[string]string, len(raw))
	var p Payload
	for k, v := range raw {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		val := stringify(v)
		normalized[key] = val
		if set, ok := payloadFields[key]; ok {
			set(&p, strings.TrimSpace(val))
		}
	}
	return p, normalized, nil
}

// Valid reports whether both required fields are present.
func (p Payload) Valid() bool {
	return p.RecordingURL != "" && p.SystemCallID != ""
}

// Raw renders the normalized map as JSON for the record's audit copy.
// Marshal sorts map keys, so the output is deterministic.
func Raw(normalized map[string]string) string {
	b, err := json.Marshal(normalized)
	if err != nil {
		return ""
	}
	return string(b)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0 the default formatting would add.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
