package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"pubflow/internal/domain"
	"pubflow/internal/pipeline"
	logx "pubflow/pkg/logx"
)

const (
	agentPublishPath = "/v1/publish"
	maxAgentBody     = 1 << 20
)

type AgentConfig struct {
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration // per request; 0 leaves it to the caller's context
	Client  *http.Client
}

// Agent forwards attempts to the agent running on the bot's device.
type Agent struct {
	httpClient *http.Client
	token      string
	log        logx.Logger
	now        func() time.Time
}

func NewAgent(cfg AgentConfig, log logx.Logger) *Agent {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Agent{
		httpClient: client,
		token:      cfg.Token,
		log:        log.With(logx.String("comp", "publisher.agent")),
		now:        time.Now,
	}
}

type agentRequest struct {
	PostID    string   `json:"post_id"`
	TaskID    string   `json:"task_id"`
	Attempt   int      `json:"attempt"`
	BotID     string   `json:"bot_id"`
	Username  string   `json:"username,omitempty"`
	Platform  string   `json:"platform"`
	ContentID string   `json:"content_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type agentResponse struct {
	PlatformPostID string            `json:"platform_post_id"`
	PlatformURL    string            `json:"platform_url"`
	Engagement     domain.Engagement `json:"engagement"`
}

type agentError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (a *Agent) Publish(ctx context.Context, req pipeline.PublishRequest) (pipeline.PublishResult, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(req.Device.Endpoint), "/")
	if endpoint == "" {
		return pipeline.PublishResult{}, pipeline.Permanent(domain.ReasonUnsupportedPlatform,
			fmt.Errorf("device %s has no agent endpoint", req.Device.ID))
	}

	body, err := json.Marshal(agentRequest{
		PostID:    req.Post.ID,
		TaskID:    req.Task.ID,
		Attempt:   req.Task.Attempt,
		BotID:     req.Bot.ID,
		Username:  req.Bot.Username,
		Platform:  string(req.Bot.Platform),
		ContentID: req.Post.ContentID,
		Text:      req.Post.Text,
		MediaURLs: req.Post.MediaURLs,
	})
	if err != nil {
		return pipeline.PublishResult{}, pipeline.Permanent(domain.ReasonPlatformError, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+agentPublishPath, bytes.NewReader(body))
	if err != nil {
		return pipeline.PublishResult{}, pipeline.Permanent(domain.ReasonUnsupportedPlatform, fmt.Errorf("agent endpoint: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	// The task id is stable across redelivery of the same attempt.
	httpReq.Header.Set("Idempotency-Key", req.Task.ID)
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return pipeline.PublishResult{}, fmt.Errorf("agent %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentBody))
	if err != nil {
		return pipeline.PublishResult{}, pipeline.Transient(domain.ReasonNetwork, fmt.Errorf("read agent response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out agentResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return pipeline.PublishResult{}, pipeline.Permanent(domain.ReasonInvalidResponse, fmt.Errorf("decode agent response: %w", err))
		}
		return pipeline.PublishResult{
			PlatformPostID: out.PlatformPostID,
			PlatformURL:    out.PlatformURL,
			Engagement:     out.Engagement,
		}, nil
	}

	failure := a.classifyStatus(resp, raw)
	a.log.Debug("agent rejected attempt",
		logx.String("post_id", req.Post.ID),
		logx.String("task_id", req.Task.ID),
		logx.Int("status", resp.StatusCode),
		logx.Err(failure),
	)
	return pipeline.PublishResult{}, failure
}

// classifyStatus maps a non-2xx agent response onto a failure category.
func (a *Agent) classifyStatus(resp *http.Response, raw []byte) error {
	var body agentError
	_ = json.Unmarshal(raw, &body)
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	cause := fmt.Errorf("agent status %d", resp.StatusCode)
	if msg != "" {
		cause = fmt.Errorf("agent status %d: %s", resp.StatusCode, msg)
	}
	hint := parseRetryAfter(resp.Header.Get("Retry-After"), a.now())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return pipeline.RetryAfter(pipeline.Transient(domain.ReasonRateLimited, cause), hint)
	case resp.StatusCode == http.StatusRequestTimeout:
		return pipeline.Transient(domain.ReasonTimeout, cause)
	case resp.StatusCode >= 500:
		err := pipeline.Transient(domain.ReasonPlatformError, cause)
		if hint > 0 {
			err = pipeline.RetryAfter(err, hint)
		}
		return err
	}

	if reason, ok := agentReason(body.Reason); ok {
		if reason.Permanent() {
			return pipeline.Permanent(reason, cause)
		}
		return pipeline.RetryAfter(pipeline.Transient(reason, cause), hint)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return pipeline.Permanent(domain.ReasonAccountSuspended, cause)
	case http.StatusNotFound, http.StatusNotImplemented:
		return pipeline.Permanent(domain.ReasonUnsupportedPlatform, cause)
	}
	return pipeline.Permanent(domain.ReasonContentRejected, cause)
}

func agentReason(s string) (domain.FailureReason, bool) {
	r := domain.FailureReason(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case domain.ReasonTimeout, domain.ReasonNetwork, domain.ReasonRateLimited, domain.ReasonPlatformError,
		domain.ReasonContentRejected, domain.ReasonAccountSuspended, domain.ReasonInvalidResponse,
		domain.ReasonUnsupportedPlatform:
		return r, true
	}
	return domain.ReasonNone, false
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
