package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPubkeyBase58(t *testing.T) {
	if system := MustPubkeyFromBase58("11111111111111111111111111111111"); !system.IsZero() {
		t.Errorf("system program = %v, want zero", system)
	}

	var key Pubkey
	for i := range key {
		key[i] = 42
	}
	parsed, err := PubkeyFromBase58(key.String())
	if err != nil {
		t.Fatalf("PubkeyFromBase58() failed: %v", err)
	}
	if parsed != key {
		t.Errorf("round trip = %v, want %v", parsed, key)
	}

	if _, err := PubkeyFromBase58("abc"); err == nil {
		t.Error("short key should fail")
	}
	if _, err := PubkeyFromBase58("0OIl"); err == nil {
		t.Error("invalid alphabet should fail")
	}
}

func TestPubkeyJSON(t *testing.T) {
	var want Pubkey
	for i := range want {
		want[i] = 42
	}

	// Byte array form
	arr := "[" + strings.TrimSuffix(strings.Repeat("42,", 32), ",") + "]"
	var got Pubkey
	if err := json.Unmarshal([]byte(arr), &got); err != nil {
		t.Fatalf("Unmarshal(array) failed: %v", err)
	}
	if got != want {
		t.Errorf("Unmarshal(array) = %v, want %v", got, want)
	}

	// String form, as produced by MarshalText
	out, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	got = Pubkey{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal(string) failed: %v", err)
	}
	if got != want {
		t.Errorf("Unmarshal(string) = %v, want %v", got, want)
	}

	if err := json.Unmarshal([]byte("[1,2,3]"), &got); err == nil {
		t.Error("short array should fail")
	}
}
