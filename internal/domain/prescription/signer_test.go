package prescription

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func testPrescription() *SignedPrescription {
	issued := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	return &SignedPrescription{
		ID:             42,
		RequestID:      7,
		Nonce:          "7f9c2ba4-e88f-4a15-b2a0-1c7c72e0f92a",
		PatientHPN:     "HPN-1100223",
		PatientName:    "Awa Diallo",
		PrescriberName: "Dr S. Mensah",
		Medication:     "amoxicillin",
		Strength:       "500mg",
		Dosage:         "1 capsule",
		Frequency:      "three times daily",
		Pharmacy:       &PharmacyRef{Name: "Central Pharmacy", Code: "CP-01", Address: "12 Hospital Rd"},
		IssuedAt:       issued,
	}
}

func TestSignRoundTrip(t *testing.T) {
	signer := NewSigner(StaticSecret("test-secret"))

	payload, sig, err := signer.Sign(testPrescription())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}

	ok, err := signer.VerifyBytes(payload, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Error("signature did not verify against its own payload")
	}
}

func TestSignDeterministic(t *testing.T) {
	signer := NewSigner(StaticSecret("test-secret"))
	p := testPrescription()

	payload1, sig1, err := signer.Sign(p)
	if err != nil {
		t.Fatalf("first sign failed: %v", err)
	}
	payload2, sig2, err := signer.Sign(p)
	if err != nil {
		t.Fatalf("second sign failed: %v", err)
	}

	if !bytes.Equal(payload1, payload2) {
		t.Error("payload bytes differ between signings of the same prescription")
	}
	if sig1 != sig2 {
		t.Errorf("signatures differ: %s vs %s", sig1, sig2)
	}
}

func TestTamperedPayloadFailsVerification(t *testing.T) {
	signer := NewSigner(StaticSecret("test-secret"))

	payload, sig, err := signer.Sign(testPrescription())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	tampered := bytes.Replace(payload, []byte("500mg"), []byte("900mg"), 1)
	if bytes.Equal(tampered, payload) {
		t.Fatal("tamper did not change the payload")
	}

	ok, err := signer.VerifyBytes(tampered, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if ok {
		t.Error("tampered payload verified")
	}
}

func TestWrongSecretFailsVerification(t *testing.T) {
	payload, sig, err := NewSigner(StaticSecret("secret-a")).Sign(testPrescription())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	ok, err := NewSigner(StaticSecret("secret-b")).VerifyBytes(payload, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if ok {
		t.Error("signature verified under a different secret")
	}
}

func TestEmptySecretRefusesToSign(t *testing.T) {
	signer := NewSigner(StaticSecret(nil))
	if _, _, err := signer.Sign(testPrescription()); err == nil {
		t.Fatal("expected an error signing without a secret")
	}
}

func TestPayloadCanonicalOrder(t *testing.T) {
	payload, err := BuildPayload(testPrescription()).Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	text := string(payload)
	if !strings.HasPrefix(text, `{"type":"PHB_PRESCRIPTION","id":"00000042","nonce":`) {
		t.Errorf("payload does not open with type, id, nonce: %s", text)
	}

	keys := []string{`"type"`, `"id"`, `"nonce"`, `"hpn"`, `"medication"`,
		`"strength"`, `"patient"`, `"prescriber"`, `"dosage"`, `"frequency"`,
		`"pharmacy"`, `"issued"`, `"expiry"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(text, k)
		if idx < 0 {
			t.Fatalf("payload missing key %s: %s", k, text)
		}
		if idx < last {
			t.Errorf("key %s out of canonical order", k)
		}
		last = idx
	}
}

func TestPayloadExpiryWindow(t *testing.T) {
	p := testPrescription()
	payload := BuildPayload(p)

	expiry, err := payload.ExpiryTime()
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	if want := p.IssuedAt.Add(30 * 24 * time.Hour); !expiry.Equal(want) {
		t.Errorf("expiry = %s, want issued + 30 days = %s", expiry, want)
	}
}

func TestRefFormatting(t *testing.T) {
	if got := FormatRef(42); got != "00000042" {
		t.Errorf("FormatRef(42) = %q, want 00000042", got)
	}
	if got := FormatRef(123456789); got != "123456789" {
		t.Errorf("FormatRef(123456789) = %q, want unpadded 123456789", got)
	}

	id, err := ParseRef("00000042")
	if err != nil || id != 42 {
		t.Errorf("ParseRef(00000042) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "abc", "-0000001", "00000000"} {
		if _, err := ParseRef(bad); err == nil {
			t.Errorf("ParseRef(%q) accepted a malformed reference", bad)
		}
	}
}
