package blobstore

import (
	"context"
	"encoding/base64"
	"testing"
)

func TestInlineStoreEncodes(t *testing.T) {
	s := NewInlineStore()
	payload, err := s.Store(context.Background(), "shot.png", []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if string(decoded) != "\x89PNG" {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestNewHCPStoreRequiresEndpoint(t *testing.T) {
	if _, err := NewHCPStore(context.Background(), HCPConfig{Bucket: "shots"}); err == nil {
		t.Fatal("missing endpoint must error")
	}
	if _, err := NewHCPStore(context.Background(), HCPConfig{Endpoint: "hcp.local"}); err == nil {
		t.Fatal("missing bucket must error")
	}
}
