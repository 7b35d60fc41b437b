package transfer

import (
	"context"
	"strings"
	"testing"
)

func TestValidateURLTargetRejectsBadScheme(t *testing.T) {
	if _, err := ValidateURLTarget(context.Background(), "ftp://example.com/x"); err == nil {
		t.Fatal("expected error for non-http(s) scheme")
	}
}

func TestValidateURLTargetRejectsMetadataIP(t *testing.T) {
	_, err := ValidateURLTarget(context.Background(), "http://169.254.169.254/latest/meta-data/")
	if err == nil {
		t.Fatal("expected rejection of metadata address")
	}
	if !strings.Contains(err.Error(), "internal IP") {
		t.Fatalf("expected 'internal IP' in error, got: %v", err)
	}
}

func TestValidateURLTargetRejectsLoopbackLiteral(t *testing.T) {
	for _, u := range []string{"http://127.0.0.1/", "http://localhost/", "http://[::1]/"} {
		if _, err := ValidateURLTarget(context.Background(), u); err == nil {
			t.Fatalf("expected rejection of %s", u)
		}
	}
}

func TestValidateURLTargetRejectsPrivateRanges(t *testing.T) {
	for _, u := range []string{"http://10.0.0.5/", "http://192.168.1.1/", "http://172.16.0.1/"} {
		if _, err := ValidateURLTarget(context.Background(), u); err == nil {
			t.Fatalf("expected rejection of private address %s", u)
		}
	}
}

func TestIsBlockedIPDocumentationRanges(t *testing.T) {
	for _, u := range []string{"http://192.0.2.1/", "http://198.51.100.1/", "http://203.0.113.1/"} {
		if _, err := ValidateURLTarget(context.Background(), u); err == nil {
			t.Fatalf("expected rejection of documentation address %s", u)
		}
	}
}

func TestValidateURLTargetRejectsSchemeOnly(t *testing.T) {
	if _, err := ValidateURLTarget(context.Background(), "http://"); err == nil {
		t.Fatal("expected rejection of scheme-only URL")
	}
}
