package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestBareRoundTrip(t *testing.T) {
	payload := []byte(`{"id":42}`)
	b := EncodeBare(payload)

	e, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Kind != KindBare {
		t.Fatalf("kind = %d, want bare", e.Kind)
	}
	if !bytes.Equal(e.Payload, payload) {
		t.Fatalf("payload mismatch: %q", e.Payload)
	}
}

func TestBareEmptyPayload(t *testing.T) {
	e, err := Decode(EncodeBare(nil))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Kind != KindBare || len(e.Payload) != 0 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestExpiringRoundTrip(t *testing.T) {
	exp := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)
	payload := []byte("shop-1")
	b := EncodeExpiring(exp, payload)

	e, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Kind != KindExpiring {
		t.Fatalf("kind = %d, want expiring", e.Kind)
	}
	if !e.ExpireAt.Equal(exp) {
		t.Fatalf("expireAt = %v, want %v", e.ExpireAt, exp)
	}
	if !bytes.Equal(e.Payload, payload) {
		t.Fatalf("payload mismatch: %q", e.Payload)
	}
	if e.Expired(exp.Add(-time.Second)) {
		t.Fatalf("entry reported expired before deadline")
	}
	if !e.Expired(exp) {
		t.Fatalf("entry not expired at deadline")
	}
}

func TestNullRoundTrip(t *testing.T) {
	e, err := Decode(EncodeNull())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Kind != KindNull || e.Payload != nil {
		t.Fatalf("unexpected entry: %+v", e)
	}
	// A null marker never reports expired.
	if e.Expired(time.Now().Add(time.Hour)) {
		t.Fatalf("null marker reported expired")
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	cases := map[string][]byte{
		"empty":          {},
		"short":          []byte("SRG"),
		"bad magic":      []byte("XXXXxxxxxxxxxxxx"),
		"bad version":    {'S', 'R', 'G', 'C', 9, KindBare, 0, 0, 0, 0},
		"bad kind":       {'S', 'R', 'G', 'C', 1, 7},
		"null w/ tail":   append(EncodeNull(), 0x01),
		"truncated bare": EncodeBare([]byte("abcdef"))[:10],
		"length lies": func() []byte {
			b := EncodeBare([]byte("abc"))
			b[9] = 200 // vlen beyond buffer
			return b
		}(),
		"foreign bytes": []byte("plain cached string from another writer"),
	}
	for name, b := range cases {
		if _, err := Decode(b); err == nil {
			t.Fatalf("%s: expected ErrCorrupt, got nil", name)
		}
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	b := append(EncodeBare([]byte("v")), 0xFF)
	if _, err := Decode(b); err == nil {
		t.Fatalf("trailing bytes should be treated as corruption")
	}
}
