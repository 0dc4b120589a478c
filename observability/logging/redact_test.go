package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestMaskFieldRedactsNonAllowlistedKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	signature := "stub-signature-deadbeef"
	logger.Info("signed proposal", MaskField("signature", signature))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}

	if IsAllowlisted("signature") {
		t.Fatalf("signature should not be allowlisted for logging: %v", RedactionAllowlist())
	}
	if bytes.Contains(buf.Bytes(), []byte(signature)) {
		t.Fatalf("log output leaked a signature: %s", buf.Bytes())
	}

	value, ok := entry["signature"].(string)
	if !ok || value != RedactedValue {
		t.Fatalf("expected redacted signature, got %v", entry["signature"])
	}
}

func TestMaskFieldPassesThroughAllowlistedKeys(t *testing.T) {
	attr := MaskField("component", "worker")
	if attr.Value.String() != "worker" {
		t.Fatalf("expected allowlisted component to pass through unredacted, got %q", attr.Value.String())
	}
}

func TestMaskValueLeavesEmptyValuesAlone(t *testing.T) {
	if got := MaskValue(""); got != "" {
		t.Fatalf("expected empty value to remain empty, got %q", got)
	}
	if got := MaskValue("asset-123"); got != RedactedValue {
		t.Fatalf("expected non-empty value to be redacted, got %q", got)
	}
}

func TestRedactionAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("allowlist not sorted: %v", keys)
		}
	}
}
