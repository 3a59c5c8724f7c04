package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remote-signing-service/config"
	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/usecase"
)

func TestGetPoolStatus(t *testing.T) {
	pools := &mockPoolManager{statuses: []usecase.PoolStatus{
		{Partition: "pool-ec", PartitionID: 1, Algorithm: "EC", Usage: domain.KeyUsageOneTime, Desired: 10, Usable: 7, Total: 9},
	}}
	h := NewAdminHandler(pools, &mockSessionCleaner{}, time.Hour, nil)

	rec := httptest.NewRecorder()
	h.GetPoolStatus(rec, httptest.NewRequest(http.MethodGet, "/admin/key-pools", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp []PoolStatusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp) != 1 || resp[0].Usable != 7 || resp[0].Usage != "one_time" {
		t.Errorf("unexpected response: %+v", resp)
	}

	pools.statusErr = errors.New("db down")
	rec = httptest.NewRecorder()
	h.GetPoolStatus(rec, httptest.NewRequest(http.MethodGet, "/admin/key-pools", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("want status 500, got %d", rec.Code)
	}
}

func TestReplenishPools(t *testing.T) {
	pools := &mockPoolManager{results: []usecase.ReplenishResult{
		{Partition: "a", Algorithm: "EC", Usage: domain.KeyUsageOneTime, Requested: 3, Generated: 3},
		{Partition: "b", Algorithm: "RSA", Usage: domain.KeyUsageSession, Requested: 2, Generated: 1, Err: errors.New("hsm busy")},
	}}
	h := NewAdminHandler(pools, &mockSessionCleaner{}, time.Hour, nil)

	rec := httptest.NewRecorder()
	h.ReplenishPools(rec, httptest.NewRequest(http.MethodPost, "/admin/key-pools/replenish", nil))

	var resp []ReplenishResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp) != 2 || resp[0].Error != "" || resp[1].Error != "hsm busy" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCleanupSessions(t *testing.T) {
	sessions := &mockSessionCleaner{cleaned: 3, failed: 1}
	h := NewAdminHandler(&mockPoolManager{}, sessions, 2*time.Hour, nil)

	rec := httptest.NewRecorder()
	h.CleanupSessions(rec, httptest.NewRequest(http.MethodPost, "/admin/sessions/cleanup", nil))

	var resp CleanupResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Cleaned != 3 || resp.Failed != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if sessions.gotRetention != 2*time.Hour {
		t.Errorf("want retention 2h, got %v", sessions.gotRetention)
	}
}

func TestListOrphanedKeys(t *testing.T) {
	oneTime := &mockOrphanFinder{usage: domain.KeyUsageOneTime, keys: []domain.KeyInfo{
		{Alias: "ot-1", Algorithm: "EC_SIGN_P256_SHA256", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}
	session := &mockOrphanFinder{usage: domain.KeyUsageSession}
	h := NewAdminHandler(&mockPoolManager{}, &mockSessionCleaner{}, time.Hour, nil, oneTime, session)

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"partition_id": "1"})
	rec := httptest.NewRecorder()
	h.ListOrphanedKeys(rec, req)

	var resp []OrphanedKeyResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp) != 1 || resp[0].Alias != "ot-1" || resp[0].Usage != "one_time" || resp[0].CreatedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected response: %+v", resp)
	}

	req = withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"partition_id": "x"})
	rec = httptest.NewRecorder()
	h.ListOrphanedKeys(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}

	session.err = domain.ErrPartitionNotFound
	req = withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"partition_id": "9"})
	rec = httptest.NewRecorder()
	h.ListOrphanedKeys(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400 for unknown partition, got %d", rec.Code)
	}
}

func TestGetCRL(t *testing.T) {
	h := NewAdminHandler(&mockPoolManager{}, &mockSessionCleaner{}, time.Hour, nil)
	rec := httptest.NewRecorder()
	h.GetCRL(rec, httptest.NewRequest(http.MethodGet, "/admin/crl", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404 without CRL source, got %d", rec.Code)
	}

	h = NewAdminHandler(&mockPoolManager{}, &mockSessionCleaner{}, time.Hour, &mockCRLSource{crl: []byte("crl")})
	rec = httptest.NewRecorder()
	h.GetCRL(rec, httptest.NewRequest(http.MethodGet, "/admin/crl", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "crl" {
		t.Errorf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pkix-crl" {
		t.Errorf("unexpected content type: %s", ct)
	}
}

func TestNewRouter_Routes(t *testing.T) {
	signer := &mockSigner{result: &domain.SignatureResult{SignatureType: domain.SignatureTypeLongTerm}}
	router := NewRouter(Handlers{
		Signature:  NewSignatureHandler(signer),
		Credential: NewCredentialHandler(&mockCredentialManager{}),
		Admin:      NewAdminHandler(&mockPoolManager{}, &mockSessionCleaner{}, time.Hour, nil),
	}, &config.Config{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/admin/key-pools", http.StatusOK},
		{http.MethodDelete, "/csc/v2/credentials/cred-1", http.StatusNoContent},
		{http.MethodGet, "/csc/v2/signatures/signHash", http.StatusMethodNotAllowed},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s: want %d, got %d", tt.method, tt.path, tt.want, rec.Code)
		}
	}
}
