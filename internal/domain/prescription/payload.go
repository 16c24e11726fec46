package prescription

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadType tags every signed payload so scanners can reject foreign
// QR codes before any crypto work.
const PayloadType = "PHB_PRESCRIPTION"

// PharmacySnippet is the pharmacy portion of the wire payload.
type PharmacySnippet struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Address string `json:"address"`
}

// Payload is the canonical signing payload embedded in QR codes. Field
// declaration order is the canonical serialization order; json.Marshal
// emits struct fields in this order, so encoding is deterministic.
type Payload struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	Nonce      string           `json:"nonce"`
	HPN        string           `json:"hpn"`
	Medication string           `json:"medication"`
	Strength   string           `json:"strength"`
	Patient    string           `json:"patient"`
	Prescriber string           `json:"prescriber"`
	Dosage     string           `json:"dosage"`
	Frequency  string           `json:"frequency"`
	Pharmacy   *PharmacySnippet `json:"pharmacy"`
	Issued     string           `json:"issued"`
	Expiry     string           `json:"expiry"`
}

// BuildPayload maps a signed prescription to its canonical payload. The
// expiry is derived from the issue time, never stored independently.
func BuildPayload(p *SignedPrescription) Payload {
	payload := Payload{
		Type:       PayloadType,
		ID:         FormatRef(p.ID),
		Nonce:      p.Nonce,
		HPN:        p.PatientHPN,
		Medication: p.Medication,
		Strength:   p.Strength,
		Patient:    p.PatientName,
		Prescriber: p.PrescriberName,
		Dosage:     p.Dosage,
		Frequency:  p.Frequency,
		Issued:     p.IssuedAt.UTC().Format(time.RFC3339),
		Expiry:     p.ExpiresAt().UTC().Format(time.RFC3339),
	}
	if p.Pharmacy != nil {
		payload.Pharmacy = &PharmacySnippet{
			Name:    p.Pharmacy.Name,
			Code:    p.Pharmacy.Code,
			Address: p.Pharmacy.Address,
		}
	}
	return payload
}

// Encode serializes the payload in canonical form.
func (p Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// ExpiryTime parses the payload's expiry timestamp.
func (p Payload) ExpiryTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, p.Expiry)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse payload expiry: %w", err)
	}
	return t, nil
}

// ParsePayload decodes a presented payload. It validates the type tag
// only; signature and lookup checks belong to the guard.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("parse payload: %w", err)
	}
	if p.Type != PayloadType {
		return Payload{}, fmt.Errorf("unexpected payload type %q", p.Type)
	}
	return p, nil
}
