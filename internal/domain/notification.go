package domain

import (
	"fmt"
	"time"
)

// NotificationType names a kind of scheduled push.
type NotificationType string

const (
	DailySummary   NotificationType = "daily_summary"
	CheapestHour   NotificationType = "cheapest_hour"
	ThresholdAlert NotificationType = "threshold_alert"
	WindowReminder NotificationType = "window_reminder"
)

// NotificationTypes lists every type in display order.
var NotificationTypes = []NotificationType{DailySummary, CheapestHour, ThresholdAlert, WindowReminder}

// ParseNotificationType validates a wire value.
func ParseNotificationType(s string) (NotificationType, error) {
	for _, t := range NotificationTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown notification type %q", s)
}

// TTL bounds how long the push service may hold an undelivered message.
func (t NotificationType) TTL() time.Duration {
	switch t {
	case CheapestHour, ThresholdAlert, WindowReminder:
		return 15 * time.Minute
	case DailySummary:
		return 2 * time.Hour
	default:
		return 30 * time.Minute
	}
}

// ChannelID is the Android notification channel for t.
func (t NotificationType) ChannelID() string {
	switch t {
	case DailySummary:
		return "daily_summary"
	case CheapestHour:
		return "cheapest_time"
	case ThresholdAlert:
		return "price_alerts"
	default:
		return "default"
	}
}

// NotificationInstance is one computed push at an exact UTC instant.
type NotificationInstance struct {
	Type   NotificationType `json:"type"`
	FireAt time.Time        `json:"fire_at"`
	Title  string           `json:"title"`
	Body   string           `json:"body"`
}

// DeliveryPayload is the body of a delivery task.
type DeliveryPayload struct {
	Token string           `json:"token"`
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Type  NotificationType `json:"type"`
}

// Platform is the client OS of a registered device.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform validates the registration platform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformAndroid, PlatformIOS:
		return Platform(s), nil
	}
	return "", fmt.Errorf("invalid platform %q: use android or ios", s)
}

// DeviceToken is a registered push target.
type DeviceToken struct {
	Token         string     `json:"token"`
	Platform      Platform   `json:"platform"`
	Region        Market     `json:"region"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
}
