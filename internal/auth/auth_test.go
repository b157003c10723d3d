package auth

import "testing"

func TestAllowAllAcceptsPlainConnect(t *testing.T) {
	d := AllowAll{}.Authorize(ConnectRequest{ClientID: "c1"})
	if d.Verdict != Allow {
		t.Fatalf("expected Allow, got %v", d.Verdict)
	}
}

func TestAllowAllRejectsEnhancedAuth(t *testing.T) {
	d := AllowAll{}.Authorize(ConnectRequest{ClientID: "c1", AuthenticationMethod: "SCRAM-SHA-256"})
	if d.Verdict != Reject || d.ReasonCode != ReasonBadAuthenticationMethod {
		t.Fatalf("expected Reject/ReasonBadAuthenticationMethod, got %+v", d)
	}
}
