package submit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"permitline/internal/domain"
	"permitline/internal/remote"
	"permitline/internal/submit"
)

func TestSubmitSuccess(t *testing.T) {
	var got submit.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"permitNumber": "SRV-2024-0042",
			"status":       "pending_approval",
		})
	}))
	defer srv.Close()

	c := submit.Client{URL: srv.URL}
	p, failure := submit.Transform(testGate(), completeDraft(), hotWork())
	if failure != nil {
		t.Fatalf("transform: %v", failure)
	}
	receipt, err := c.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.ServerNumber != "SRV-2024-0042" {
		t.Fatalf("server number = %q", receipt.ServerNumber)
	}
	if receipt.PermitNumber != "PTW-20240601-001" {
		t.Fatalf("permit number = %q", receipt.PermitNumber)
	}
	if got.RiskBand != "high" {
		t.Fatalf("payload risk band = %q", got.RiskBand)
	}
}

func TestSubmitParsesRemoteFieldErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"message": "validation failed",
			"errors": []map[string]string{
				{"field": "controlMeasures", "message": "insufficient detail"},
				{"field": "plannedStart", "message": "outside site working hours"},
			},
		})
	}))
	defer srv.Close()

	c := submit.Client{URL: srv.URL}
	p, _ := submit.Transform(testGate(), completeDraft(), hotWork())
	_, err := c.Submit(context.Background(), p)
	var verr *submit.RemoteValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected RemoteValidationError, got %v", err)
	}
	if len(verr.Errors) != 2 {
		t.Fatalf("got %d errors", len(verr.Errors))
	}
	if verr.Step != domain.StepBasicInfo {
		t.Fatalf("routed to %s, want basic_info", verr.Step)
	}
}

func TestSubmitUnparseableErrorIsPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := submit.Client{URL: srv.URL}
	p, _ := submit.Transform(testGate(), completeDraft(), hotWork())
	_, err := c.Submit(context.Background(), p)
	if err == nil {
		t.Fatal("expected error")
	}
	var verr *submit.RemoteValidationError
	if errors.As(err, &verr) {
		t.Fatal("plain server error misparsed as validation rejection")
	}
}

func TestSubmitSendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"permitNumber": "SRV-1", "status": "pending_approval"})
	}))
	defer srv.Close()

	c := submit.Client{
		URL:  srv.URL,
		Auth: remote.TokenMinter{Secret: "test-secret", Issuer: "permitline"},
	}
	p, _ := submit.Transform(testGate(), completeDraft(), hotWork())
	if _, err := c.Submit(context.Background(), p); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(auth) < 8 || auth[:7] != "Bearer " {
		t.Fatalf("authorization header = %q", auth)
	}
}
