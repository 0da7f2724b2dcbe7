// Package connector parses and validates the string-keyed settings of a
// Mixpanel source connector into an immutable task configuration.
package connector

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lsm/mixbridge/internal/mixpanel"
)

// Setting keys.
const (
	KeyTopic           = "topic"
	KeyAPIKey          = "api_key"
	KeyAPISecret       = "api_secret"
	KeyPollFrequency   = "poll_frequency"
	KeyUpdateWindow    = "update_window"
	KeyEndpoint        = "endpoint"
	KeyFetchTimeout    = "fetch_timeout"
	KeyRequestsPerHour = "requests_per_hour"
	KeyEnvelope        = "envelope"
)

// EnvelopeCloudEvents attaches CloudEvents binary-mode headers to every record.
const EnvelopeCloudEvents = "cloudevents"

// Upper bounds for the integer settings. Larger poll frequencies overflow
// time.Duration; larger windows reach back before any export data exists.
const (
	MaxPollFrequencyHours = math.MaxInt64 / int64(time.Hour)
	MaxUpdateWindowDays   = 3650
)

// DefaultRequestsPerHour mirrors the export API's documented query limit.
const DefaultRequestsPerHour = 60

// ConfigError reports an invalid or missing connector setting.
// It is fatal: a connector with a ConfigError never starts polling.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// AsConfigError returns the first ConfigError in err's chain.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// TaskConfig is the validated configuration of a polling task.
type TaskConfig struct {
	Topic         string
	APIKey        string
	APISecret     string
	PollFrequency time.Duration // whole hours
	UpdateWindow  int           // days

	Endpoint        string
	FetchTimeout    time.Duration // zero waits indefinitely
	RequestsPerHour int
	Envelope        string
}

// Parse validates settings and returns the task configuration.
// Checks run in a fixed order and the first failure is returned.
func Parse(settings map[string]string) (TaskConfig, error) {
	topic := settings[KeyTopic]
	if topic == "" {
		return TaskConfig{}, &ConfigError{Key: KeyTopic, Message: "connector configuration must include 'topic' setting"}
	}
	if strings.Contains(topic, ",") {
		return TaskConfig{}, &ConfigError{Key: KeyTopic, Message: "connector should only have a single topic when used as a source"}
	}

	apiKey := settings[KeyAPIKey]
	if apiKey == "" {
		return TaskConfig{}, &ConfigError{Key: KeyAPIKey, Message: "connector configuration must include 'api_key' setting"}
	}
	apiSecret := settings[KeyAPISecret]
	if apiSecret == "" {
		return TaskConfig{}, &ConfigError{Key: KeyAPISecret, Message: "connector configuration must include 'api_secret' setting"}
	}

	pollHours, err := positiveInt(settings, KeyPollFrequency)
	if err != nil {
		return TaskConfig{}, err
	}
	if int64(pollHours) > MaxPollFrequencyHours {
		return TaskConfig{}, &ConfigError{Key: KeyPollFrequency, Message: fmt.Sprintf("poll_frequency must not exceed %d hours", MaxPollFrequencyHours)}
	}
	windowDays, err := positiveInt(settings, KeyUpdateWindow)
	if err != nil {
		return TaskConfig{}, err
	}
	if windowDays > MaxUpdateWindowDays {
		return TaskConfig{}, &ConfigError{Key: KeyUpdateWindow, Message: fmt.Sprintf("update_window must not exceed %d days", MaxUpdateWindowDays)}
	}

	cfg := TaskConfig{
		Topic:           topic,
		APIKey:          apiKey,
		APISecret:       apiSecret,
		PollFrequency:   time.Duration(pollHours) * time.Hour,
		UpdateWindow:    windowDays,
		Endpoint:        mixpanel.DefaultEndpoint,
		RequestsPerHour: DefaultRequestsPerHour,
	}

	if v := settings[KeyEndpoint]; v != "" {
		cfg.Endpoint = v
	}

	if v := settings[KeyFetchTimeout]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return TaskConfig{}, &ConfigError{Key: KeyFetchTimeout, Message: "fetch_timeout must be a non-negative duration"}
		}
		cfg.FetchTimeout = d
	}

	if _, ok := settings[KeyRequestsPerHour]; ok {
		n, err := positiveInt(settings, KeyRequestsPerHour)
		if err != nil {
			return TaskConfig{}, err
		}
		cfg.RequestsPerHour = n
	}

	switch v := settings[KeyEnvelope]; v {
	case "", EnvelopeCloudEvents:
		cfg.Envelope = v
	default:
		return TaskConfig{}, &ConfigError{Key: KeyEnvelope, Message: fmt.Sprintf("envelope %q is not supported (must be empty or %q)", v, EnvelopeCloudEvents)}
	}

	return cfg, nil
}

func positiveInt(settings map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(settings[key])
	if err != nil || n <= 0 {
		return 0, &ConfigError{Key: key, Message: key + " must be a valid integer greater than 0"}
	}
	return n, nil
}
