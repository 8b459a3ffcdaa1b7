// Package domain holds the publishing pipeline's records and the state machines
// that guard their transitions.
package domain

import (
	"fmt"
	"time"
)

type PostStatus string

const (
	PostScheduled  PostStatus = "SCHEDULED"
	PostPublishing PostStatus = "PUBLISHING"
	PostPublished  PostStatus = "PUBLISHED"
	PostFailed     PostStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s PostStatus) Terminal() bool { return s == PostPublished || s == PostFailed }

func (s PostStatus) Valid() bool {
	switch s {
	case PostScheduled, PostPublishing, PostPublished, PostFailed:
		return true
	}
	return false
}

// postEdges lists every legal post transition.
// SCHEDULED -> FAILED exists only for cancellation.
var postEdges = map[PostStatus][]PostStatus{
	PostScheduled:  {PostPublishing, PostFailed},
	PostPublishing: {PostPublished, PostFailed, PostScheduled},
}

// CanTransitionPost reports whether from -> to is a legal edge.
func CanTransitionPost(from, to PostStatus) bool {
	for _, s := range postEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Engagement is the post-publish counter snapshot returned by the platform.
type Engagement struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

func (e Engagement) IsZero() bool { return e == Engagement{} }

// Post is a unit of content committed for publication.
type Post struct {
	ID        string     `json:"id"`
	BotID     string     `json:"bot_id"`
	ContentID string     `json:"content_id,omitempty"`
	Text      string     `json:"text,omitempty"`
	MediaURLs []string   `json:"media_urls,omitempty"`
	Status    PostStatus `json:"status"`

	// ScheduledAt is the earliest publish time; immediate posts carry their creation time.
	ScheduledAt time.Time `json:"scheduled_at"`

	PlatformPostID string     `json:"platform_post_id,omitempty"`
	PlatformURL    string     `json:"platform_url,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Engagement     Engagement `json:"engagement"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Version increments on every persisted write (optimistic locking).
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// NewPost builds a SCHEDULED post. A zero or past scheduledAt means "now".
func NewPost(id, botID string, now, scheduledAt time.Time) Post {
	if scheduledAt.IsZero() || scheduledAt.Before(now) {
		scheduledAt = now
	}
	return Post{
		ID:          id,
		BotID:       botID,
		Status:      PostScheduled,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the post to next, applying the field rules of the target state:
// PUBLISHED carries a platform id and no error, FAILED carries an error and no platform id,
// every other state carries neither.
func (p *Post) Transition(next PostStatus, now time.Time) error {
	if p.Status.Terminal() {
		return violation("post", p.ID, fmt.Sprintf("%s->%s", p.Status, next), ErrTerminal)
	}
	if !CanTransitionPost(p.Status, next) {
		return violation("post", p.ID, fmt.Sprintf("%s->%s", p.Status, next), ErrInvalidTransition)
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// MarkPublished moves a PUBLISHING post to PUBLISHED.
func (p *Post) MarkPublished(platformPostID, platformURL string, eng Engagement, now time.Time) error {
	if platformPostID == "" {
		return violation("post", p.ID, "publish", fmt.Errorf("empty platform post id"))
	}
	if err := p.Transition(PostPublished, now); err != nil {
		return err
	}
	p.PlatformPostID = platformPostID
	p.PlatformURL = platformURL
	p.ErrorMessage = ""
	p.Engagement = eng
	t := now
	p.PublishedAt = &t
	return nil
}

// MarkFailed moves the post to FAILED with reason.
func (p *Post) MarkFailed(reason string, now time.Time) error {
	if reason == "" {
		reason = "unknown failure"
	}
	if err := p.Transition(PostFailed, now); err != nil {
		return err
	}
	p.ErrorMessage = reason
	p.PlatformPostID = ""
	p.PlatformURL = ""
	return nil
}

// CheckFields verifies the status-dependent field invariants.
func (p Post) CheckFields() error {
	hasID := p.PlatformPostID != ""
	hasErr := p.ErrorMessage != ""
	switch p.Status {
	case PostPublished:
		if !hasID || hasErr {
			return violation("post", p.ID, "fields", fmt.Errorf("PUBLISHED requires platform id and no error"))
		}
	case PostFailed:
		if !hasErr || hasID {
			return violation("post", p.ID, "fields", fmt.Errorf("FAILED requires error and no platform id"))
		}
	case PostScheduled, PostPublishing:
		if hasID || hasErr {
			return violation("post", p.ID, "fields", fmt.Errorf("%s must not carry platform id or error", p.Status))
		}
	default:
		return violation("post", p.ID, "fields", fmt.Errorf("unknown status %q", p.Status))
	}
	return nil
}
