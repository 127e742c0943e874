package logging

import "testing"

func TestSensitiveKeysAlwaysMask(t *testing.T) {
	for _, key := range []string{"secret", "Secret", " preimage ", "admin_token", "key_ref"} {
		attr := MaskField(key, "super-sensitive")
		if attr.Value.String() != RedactedValue {
			t.Fatalf("key %q leaked: %s", key, attr.Value.String())
		}
		if IsAllowlisted(key) {
			t.Fatalf("key %q must never be allowlisted", key)
		}
	}
}

func TestAllowlistedKeysPassThrough(t *testing.T) {
	for _, key := range []string{"swap", "ledger", "digest", "tx", "error"} {
		attr := MaskField(key, "visible")
		if attr.Value.String() != "visible" {
			t.Fatalf("allowlisted key %q masked", key)
		}
	}
}

func TestUnknownKeysDefaultToMasked(t *testing.T) {
	attr := MaskField("mystery", "value")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("unknown key leaked: %s", attr.Value.String())
	}
	if MaskValue("") != "" {
		t.Fatalf("empty values must stay empty")
	}
	if MaskValue("x") != RedactedValue {
		t.Fatalf("non-empty value not masked")
	}
}

func TestAllowlistSortedAndSensitiveFree(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted at %d: %v", i, keys)
		}
	}
	for _, key := range keys {
		if IsSensitive(key) {
			t.Fatalf("sensitive key %q present in allowlist", key)
		}
	}
}
