package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/domain"
	"pubflow/internal/pipeline"
	logx "pubflow/pkg/logx"
)

func request(endpoint string) pipeline.PublishRequest {
	return pipeline.PublishRequest{
		Post:   domain.Post{ID: "p1", BotID: "b1", Text: "hello", MediaURLs: []string{"https://cdn.test/a.jpg"}},
		Task:   domain.Task{ID: "t1", PostID: "p1", Attempt: 2},
		Bot:    domain.Bot{ID: "b1", Platform: domain.PlatformTwitter, Username: "alice"},
		Device: domain.Device{ID: "d1", Endpoint: endpoint},
	}
}

func TestAgentPublishSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/publish" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "t1" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		var body agentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.PostID != "p1" || body.Attempt != 2 || body.Platform != "TWITTER" || body.Username != "alice" || len(body.MediaURLs) != 1 {
			t.Errorf("body = %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"platform_post_id":"X1","platform_url":"https://x.test/X1","engagement":{"likes":3}}`))
	}))
	defer srv.Close()

	a := NewAgent(AgentConfig{Token: "s3cret", Timeout: time.Second}, logx.Nop())
	res, err := a.Publish(context.Background(), request(srv.URL+"/"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.PlatformPostID != "X1" || res.PlatformURL != "https://x.test/X1" || res.Engagement.Likes != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestAgentClassifiesFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		header    string
		body      string
		reason    domain.FailureReason
		permanent bool
		hint      time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "7", ``, domain.ReasonRateLimited, false, 7 * time.Second},
		{"server error", http.StatusBadGateway, "", `upstream down`, domain.ReasonPlatformError, false, 0},
		{"unavailable with hint", http.StatusServiceUnavailable, "2", ``, domain.ReasonPlatformError, false, 2 * time.Second},
		{"request timeout", http.StatusRequestTimeout, "", ``, domain.ReasonTimeout, false, 0},
		{"agent reason", http.StatusBadRequest, "", `{"reason":"content_rejected","message":"nsfw"}`, domain.ReasonContentRejected, true, 0},
		{"transient agent reason", http.StatusConflict, "", `{"reason":"network"}`, domain.ReasonNetwork, false, 0},
		{"forbidden", http.StatusForbidden, "", ``, domain.ReasonAccountSuspended, true, 0},
		{"unknown 4xx", http.StatusUnprocessableEntity, "", `{"reason":"weird"}`, domain.ReasonContentRejected, true, 0},
		{"bad json", http.StatusOK, "", `not json`, domain.ReasonInvalidResponse, true, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewAgent(AgentConfig{}, logx.Nop()).Publish(context.Background(), request(srv.URL))
			if err == nil {
				t.Fatal("expected error")
			}
			reason, permanent, hint := pipeline.Classify(err)
			if reason != tt.reason || permanent != tt.permanent || hint != tt.hint {
				t.Fatalf("Classify = (%s, %v, %s), want (%s, %v, %s)", reason, permanent, hint, tt.reason, tt.permanent, tt.hint)
			}
		})
	}
}

func TestAgentNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewAgent(AgentConfig{Timeout: time.Second}, logx.Nop()).Publish(context.Background(), request(url))
	if err == nil {
		t.Fatal("expected error")
	}
	if reason, permanent, _ := pipeline.Classify(err); permanent || (reason != domain.ReasonNetwork && reason != domain.ReasonTimeout) {
		t.Fatalf("Classify = (%s, %v)", reason, permanent)
	}
}

func TestAgentWithoutEndpointIsPermanent(t *testing.T) {
	t.Parallel()
	_, err := NewAgent(AgentConfig{}, logx.Nop()).Publish(context.Background(), request(""))
	if reason, permanent, _ := pipeline.Classify(err); !permanent || reason != domain.ReasonUnsupportedPlatform {
		t.Fatalf("Classify = (%s, %v)", reason, permanent)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRouterDispatchesByPlatform(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	named := func(id string) pipeline.Publisher {
		return pipeline.PublisherFunc(func(context.Context, pipeline.PublishRequest) (pipeline.PublishResult, error) {
			return pipeline.PublishResult{PlatformPostID: id}, nil
		})
	}
	r := NewRouter()
	r.Handle(domain.PlatformTwitter, named("tw"))

	req := request("")
	if res, err := r.Publish(ctx, req); err != nil || res.PlatformPostID != "tw" {
		t.Fatalf("twitter = %+v, %v", res, err)
	}

	req.Bot.Platform = domain.PlatformTikTok
	_, err := r.Publish(ctx, req)
	if reason, permanent, _ := pipeline.Classify(err); !permanent || reason != domain.ReasonUnsupportedPlatform {
		t.Fatalf("unrouted platform: Classify = (%s, %v)", reason, permanent)
	}

	r.SetDefault(named("default"))
	if res, err := r.Publish(ctx, req); err != nil || res.PlatformPostID != "default" {
		t.Fatalf("default = %+v, %v", res, err)
	}

	r.Disable(domain.PlatformTikTok)
	if _, err := r.Publish(ctx, req); err == nil {
		t.Fatal("disabled platform published")
	}
}

func TestFromConfigRoutes(t *testing.T) {
	t.Parallel()
	r, err := FromConfig(&config.Config{
		Publisher: config.PublisherConfig{Mode: "dryrun"},
		Platforms: map[string]config.PlatformConfig{
			"instagram": {Publisher: "disabled"},
			"twitter":   {Publisher: "agent"},
		},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := r.lookup(domain.PlatformTwitter).(*Agent); !ok {
		t.Fatalf("twitter route = %T", r.lookup(domain.PlatformTwitter))
	}
	if r.lookup(domain.PlatformInstagram) != nil {
		t.Fatal("instagram should be disabled")
	}
	if _, ok := r.lookup(domain.PlatformTikTok).(*DryRun); !ok {
		t.Fatalf("default route = %T", r.lookup(domain.PlatformTikTok))
	}

	if _, err := FromConfig(&config.Config{Publisher: config.PublisherConfig{Mode: "carrier-pigeon"}}, logx.Nop()); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestDryRunHonoursContext(t *testing.T) {
	t.Parallel()
	d := NewDryRun(time.Hour, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Publish(ctx, request("")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	res, err := NewDryRun(0, logx.Nop()).Publish(context.Background(), request(""))
	if err != nil || res.PlatformPostID != "dry-t1" {
		t.Fatalf("dry run = %+v, %v", res, err)
	}
}
