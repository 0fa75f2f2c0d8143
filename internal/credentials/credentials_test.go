package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
)

const (
	testIssuer   = "https://gitlab.example.com"
	testAudience = "deploygate"
	testSecret   = "not-so-secret"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func makeAssertion(t *testing.T, issuer, subject string, audience []string, expiresAt time.Time) string {
	claims := Claims{
		Repository: "infra/app",
		Ref:        "refs/heads/main",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  audience,
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal("Failed to sign assertion:", err)
	}
	return token
}

func makeVerifier(t *testing.T) *Verifier {
	verifier, err := NewVerifier([]config.TrustedIssuer{{
		URL:      testIssuer,
		Audience: testAudience,
		Subjects: []string{"project_path:infra/*:ref_type:branch:ref:main"},
		Secret:   testSecret,
	}})
	if err != nil {
		t.Fatal("Failed to create verifier:", err)
	}
	verifier.now = func() time.Time { return testNow }
	return verifier
}

const goodSubject = "project_path:infra/app:ref_type:branch:ref:main"

func TestVerifier(t *testing.T) {
	verifier := makeVerifier(t)

	claims, err := verifier.Verify(makeAssertion(t, testIssuer, goodSubject, []string{testAudience}, testNow.Add(time.Hour)))
	if err != nil {
		t.Fatal("Failed to verify assertion:", err)
	}
	if claims.Repository != "infra/app" || claims.Subject != goodSubject {
		t.Fatalf("Unexpected claims: %+v", claims)
	}

	_, err = verifier.Verify(makeAssertion(t, testIssuer, goodSubject, []string{testAudience}, testNow.Add(-time.Minute)))
	if !IsExpiredAssertion(err) {
		t.Fatalf("Expected expired assertion, got %v", err)
	}

	for name, assertion := range map[string]string{
		"unknown issuer":    makeAssertion(t, "https://evil.example.com", goodSubject, []string{testAudience}, testNow.Add(time.Hour)),
		"wrong audience":    makeAssertion(t, testIssuer, goodSubject, []string{"sts.amazonaws.com"}, testNow.Add(time.Hour)),
		"forbidden subject": makeAssertion(t, testIssuer, "project_path:other/app:ref_type:branch:ref:main", []string{testAudience}, testNow.Add(time.Hour)),
		"garbage":           "not-a-jwt",
		"empty":             "",
	} {
		if _, err := verifier.Verify(assertion); !IsUntrustedIssuer(err) {
			t.Errorf("%s: expected untrusted issuer, got %v", name, err)
		}
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   goodSubject,
			Audience:  []string{testAudience},
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}).SignedString([]byte("guessed"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.Verify(forged); !IsUntrustedIssuer(err) {
		t.Fatalf("Expected untrusted issuer for bad signature, got %v", err)
	}
}

func makeBroker(t *testing.T, exchanger Exchanger) *Broker {
	broker := NewBroker(makeVerifier(t), exchanger, 15*time.Minute, time.Minute, zap.NewNop())
	broker.now = func() time.Time { return testNow }
	return broker
}

func TestBrokerIssue(t *testing.T) {
	exchanger, err := NewLocalExchanger("deploygate", []byte("grant-key"))
	if err != nil {
		t.Fatal(err)
	}
	exchanger.now = func() time.Time { return testNow }
	broker := makeBroker(t, exchanger)

	assertion := makeAssertion(t, testIssuer, goodSubject, []string{testAudience}, testNow.Add(time.Hour))
	grant, err := broker.Issue(context.Background(), "provision", assertion, []string{"s3:state", "ec2:*", "s3:state"})
	if err != nil {
		t.Fatal("Failed to issue grant:", err)
	}

	if diff := cmp.Diff([]string{"ec2:*", "s3:state"}, grant.Scopes); diff != "" {
		t.Fatalf("Unexpected scopes (-want +got):\n%s", diff)
	}
	if !grant.ExpiresAt.Equal(testNow.Add(15 * time.Minute)) {
		t.Fatalf("Unexpected expiry: %s", grant.ExpiresAt)
	}
	if strings.Contains(grant.String(), grant.Token) {
		t.Fatal("Grant must not print its token")
	}

	jobID, scopes, err := exchanger.ParseGrant(grant.Token)
	if err != nil {
		t.Fatal("Failed to parse grant:", err)
	}
	if jobID != "provision" {
		t.Fatalf("Unexpected job: %s", jobID)
	}
	if diff := cmp.Diff([]string{"ec2:*", "s3:state"}, scopes); diff != "" {
		t.Fatalf("Grant must carry exactly the declared scopes (-want +got):\n%s", diff)
	}

	expired := makeAssertion(t, testIssuer, goodSubject, []string{testAudience}, testNow.Add(-time.Second))
	if _, err := broker.Issue(context.Background(), "provision", expired, nil); !IsExpiredAssertion(err) {
		t.Fatalf("Expected expired assertion, got %v", err)
	}
}

type countingExchanger struct {
	calls atomic.Int64
	ttl   time.Duration
	now   func() time.Time
}

func (e *countingExchanger) Exchange(ctx context.Context, req *ExchangeRequest) (*Grant, error) {
	n := e.calls.Inc()
	return &Grant{
		Token:     "token-" + string(rune('0'+n)),
		ExpiresAt: e.now().Add(e.ttl),
	}, nil
}

func TestLeaseRenewal(t *testing.T) {
	now := testNow
	exchanger := &countingExchanger{ttl: 5 * time.Minute, now: func() time.Time { return now }}
	broker := makeBroker(t, exchanger)
	broker.now = func() time.Time { return now }
	broker.verifier.now = func() time.Time { return now }

	assertion := makeAssertion(t, testIssuer, goodSubject, []string{testAudience}, testNow.Add(time.Hour))
	lease := broker.Lease("provision", assertion, []string{"ec2:*"})

	first, err := lease.Grant(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	second, err := lease.Grant(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != second || exchanger.calls.Load() != 1 {
		t.Fatal("Fresh grant must be reused")
	}

	now = now.Add(3*time.Minute + 30*time.Second)
	third, err := lease.Grant(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if third == second || exchanger.calls.Load() != 2 {
		t.Fatal("Grant close to expiry must be re-issued")
	}
	if !third.ExpiresAt.After(now) {
		t.Fatal("Renewed grant must be valid")
	}

	lease.Revoke()
	if _, err := lease.Grant(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exchanger.calls.Load() != 3 {
		t.Fatal("Revoked lease must issue a new grant")
	}
}

func TestRemoteExchanger(t *testing.T) {
	calls := atomic.NewInt64(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		request := exchangeRequest{}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if calls.Inc() == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(exchangeResponse{Error: "try again"})
			return
		}
		if request.Assertion != "assertion" || request.SessionName != "provision" || request.RoleARN != "arn:aws:iam::1:role/deploy" {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(exchangeResponse{Error: "bad request"})
			return
		}
		_ = json.NewEncoder(w).Encode(exchangeResponse{
			Token:     "sts-token",
			ExpiresAt: testNow.Add(time.Duration(request.DurationSeconds) * time.Second),
		})
	}))
	defer server.Close()

	exchanger := NewRemoteExchanger(server.URL, "arn:aws:iam::1:role/deploy", 3, zap.NewNop())
	grant, err := exchanger.Exchange(context.Background(), &ExchangeRequest{
		JobID:     "provision",
		Assertion: "assertion",
		Claims:    &Claims{},
		Scopes:    []string{"ec2:*"},
		TTL:       10 * time.Minute,
	})
	if err != nil {
		t.Fatal("Failed to exchange:", err)
	}
	if grant.Token != "sts-token" || !grant.ExpiresAt.Equal(testNow.Add(10*time.Minute)) {
		t.Fatalf("Unexpected grant: %s", grant)
	}
	if calls.Load() != 2 {
		t.Fatalf("Expected one retry, got %d calls", calls.Load())
	}

	_, err = exchanger.Exchange(context.Background(), &ExchangeRequest{
		JobID:     "provision",
		Assertion: "forged",
		Claims:    &Claims{},
		TTL:       10 * time.Minute,
	})
	if !IsUntrustedIssuer(err) {
		t.Fatalf("Expected untrusted issuer, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("Refusals must not be retried, got %d calls", calls.Load())
	}
}
