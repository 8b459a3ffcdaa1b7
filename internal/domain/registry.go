package domain

import (
	"fmt"
	"strings"
	"time"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "ONLINE"
	DeviceOffline DeviceStatus = "OFFLINE"
	DeviceBusy    DeviceStatus = "BUSY"
	DeviceError   DeviceStatus = "ERROR"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceOnline, DeviceOffline, DeviceBusy, DeviceError:
		return true
	}
	return false
}

// Device is an execution host for bot sessions.
type Device struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Status   DeviceStatus `json:"status"`
	Capacity int          `json:"capacity"`
	InUse    int          `json:"in_use"`
	// Endpoint is the base URL of the device agent, if it exposes one.
	Endpoint string    `json:"endpoint,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Accepting reports whether the device may receive new work at all (ignores capacity).
func (d Device) Accepting() bool {
	return d.Status != DeviceOffline && d.Status != DeviceError
}

// HasCapacity reports whether another slot can be taken.
func (d Device) HasCapacity() bool {
	c := d.Capacity
	if c <= 0 {
		c = 1
	}
	return d.InUse < c
}

// StatusForLoad derives ONLINE/BUSY from the in-use counter.
// OFFLINE and ERROR are owned by the registry and are kept as-is.
func (d Device) StatusForLoad() DeviceStatus {
	if !d.Accepting() {
		return d.Status
	}
	if d.HasCapacity() {
		return DeviceOnline
	}
	return DeviceBusy
}

// ParseDeviceStatus accepts a status name in any case.
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	st := DeviceStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown device status %q", s)
	}
	return st, nil
}

type BotStatus string

const (
	BotActive        BotStatus = "ACTIVE"
	BotInactive      BotStatus = "INACTIVE"
	BotSuspended     BotStatus = "SUSPENDED"
	BotLoginRequired BotStatus = "LOGIN_REQUIRED"
)

func (s BotStatus) Valid() bool {
	switch s {
	case BotActive, BotInactive, BotSuspended, BotLoginRequired:
		return true
	}
	return false
}

// ParseBotStatus accepts a status name in any case; "login-required" works too.
func ParseBotStatus(s string) (BotStatus, error) {
	st := BotStatus(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", fmt.Errorf("unknown bot status %q", s)
	}
	return st, nil
}

type Platform string

const (
	PlatformTwitter     Platform = "TWITTER"
	PlatformInstagram   Platform = "INSTAGRAM"
	PlatformFacebook    Platform = "FACEBOOK"
	PlatformTikTok      Platform = "TIKTOK"
	PlatformLinkedIn    Platform = "LINKEDIN"
	PlatformYouTube     Platform = "YOUTUBE"
	PlatformWeibo       Platform = "WEIBO"
	PlatformWeChat      Platform = "WECHAT"
	PlatformXiaohongshu Platform = "XIAOHONGSHU"
	PlatformDouyin      Platform = "DOUYIN"
	PlatformOther       Platform = "OTHER"
)

// ParsePlatform normalizes a platform name; unknown names map to OTHER.
func ParsePlatform(s string) Platform {
	p := Platform(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PlatformTwitter, PlatformInstagram, PlatformFacebook, PlatformTikTok, PlatformLinkedIn,
		PlatformYouTube, PlatformWeibo, PlatformWeChat, PlatformXiaohongshu, PlatformDouyin:
		return p
	}
	return PlatformOther
}

// Bot is a social-platform account bound to one device.
type Bot struct {
	ID       string    `json:"id"`
	DeviceID string    `json:"device_id"`
	Platform Platform  `json:"platform"`
	Username string    `json:"username,omitempty"`
	Status   BotStatus `json:"status"`
}
