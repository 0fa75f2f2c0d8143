package gitlab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/platform/base"
)

const pushPayload = `{
  "object_kind": "push",
  "ref": "refs/heads/main",
  "checkout_sha": "da1560886d4f094c3e6c9ef40349f7d38b5d27d7",
  "user_username": "alice",
  "project": {"path_with_namespace": "infra/deploy"}
}`

func newTestClient(t *testing.T, baseURL string) *Client {
	conf := &config.Config{}
	conf.GitLab.BaseURL = baseURL
	conf.GitLab.WebhookKey = "secret"
	conf.Pipelines.Project = "infra/deploy"
	conf.Pipelines.Path = "pipelines"
	conf.Pipelines.Branches = map[string]string{"main": "production"}

	client, err := NewClient(conf, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create client: %+v", err)
	}
	return client
}

func newHook(token, event, payload string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/hooks/gitlab", strings.NewReader(payload))
	r.Header.Set("X-Gitlab-Token", token)
	r.Header.Set("X-Gitlab-Event", event)
	return r
}

func TestParseWebhook(t *testing.T) {
	client := newTestClient(t, "https://gitlab.example.com")

	push, err := client.ParseWebhook(newHook("secret", "Push Hook", pushPayload))
	if err != nil {
		t.Fatalf("Failed to parse webhook: %+v", err)
	}
	expected := &base.Push{
		Project:  "infra/deploy",
		Ref:      "refs/heads/main",
		Branch:   "main",
		Commit:   "da1560886d4f094c3e6c9ef40349f7d38b5d27d7",
		Actor:    "alice",
		Pipeline: "production",
	}
	if diff := cmp.Diff(expected, push); diff != "" {
		t.Fatalf("Unexpected push (-want +got):\n%s", diff)
	}

	if _, err := client.ParseWebhook(newHook("wrong", "Push Hook", pushPayload)); !base.IsInvalidToken(err) {
		t.Fatalf("Expected invalid token error, got %v", err)
	}

	push, err = client.ParseWebhook(newHook("secret", "Tag Push Hook", `{"object_kind": "tag_push", "ref": "refs/tags/v1"}`))
	if err != nil || push != nil {
		t.Fatalf("Expected ignored tag push, got %v %v", push, err)
	}
}

func TestDefinitions(t *testing.T) {
	var requests, failures int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Query().Get("ref") != "main" {
			http.Error(w, `{"message": "404 Ref Not Found"}`, http.StatusNotFound)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.EscapedPath(), "production.yml/raw"):
			if atomic.AddInt32(&failures, 1) == 1 {
				http.Error(w, `{"message": "unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`
name: production
jobs:
  - id: build
    action:
      kind: noop
`))
		default:
			http.Error(w, `{"message": "404 File Not Found"}`, http.StatusNotFound)
		}
	}))
	defer server.Close()

	definitions := newTestClient(t, server.URL)

	def, err := definitions.At("main").Load(context.Background(), "production", nil)
	if err != nil {
		t.Fatalf("Failed to load definition: %+v", err)
	}
	if def.Name != "production" || len(def.Jobs) != 1 {
		t.Fatalf("Unexpected definition: %+v", def)
	}

	before := atomic.LoadInt32(&requests)
	if _, err := definitions.At("main").Load(context.Background(), "production", nil); err != nil {
		t.Fatalf("Failed to load cached definition: %+v", err)
	}
	if atomic.LoadInt32(&requests) != before {
		t.Fatalf("Expected cached definition")
	}

	if _, err := definitions.At("feature").Load(context.Background(), "production", nil); err == nil {
		t.Fatalf("Expected missing definition at another ref")
	}
	if _, err := definitions.At("main").Load(context.Background(), "../secrets", nil); err == nil {
		t.Fatalf("Expected invalid name error")
	}
}
