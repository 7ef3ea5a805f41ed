package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type TargetID string

// AllowedIntervals lists the monitoring frequencies (seconds) a target may request.
var AllowedIntervals = []int{30, 60, 120, 300, 600, 900, 1800, 3600}

// DefaultIntervalSeconds matches the five-minute default targets are registered with.
const DefaultIntervalSeconds = 300

type Target struct {
	ID              TargetID  `json:"id" yaml:"id" validate:"required"`
	Name            string    `json:"name" yaml:"name"`
	URL             string    `json:"url" yaml:"url" validate:"required,url,startswith=http"`
	OwnerID         string    `json:"owner_id" yaml:"owner_id"`
	IntervalSeconds int       `json:"interval_seconds" yaml:"interval_seconds" validate:"oneof=30 60 120 300 600 900 1800 3600"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// DisplayName returns Name when set, the URL otherwise.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.URL
}

var validate = validator.New()

// Validate checks the target invariants: a known interval and an absolute http(s) URL.
func (t Target) Validate() error {
	if err := validate.Struct(t); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("target %q: field %s failed on %s", t.ID, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("target %q: %w", t.ID, err)
	}
	return nil
}

// Measurement is the outcome of probing one target in one cycle.
type Measurement struct {
	TargetID   TargetID  `json:"target_id"`
	Up         bool      `json:"up"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	Reason     string    `json:"reason,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Uptime reports the measurement as the 1/0 figure stored alongside latency.
func (m Measurement) Uptime() float64 {
	if m.Up {
		return 1
	}
	return 0
}

type AlertKind string

const AlertKindReachability AlertKind = "reachability"

type AlertStatus string

const (
	AlertUnresolved AlertStatus = "unresolved"
	AlertResolved   AlertStatus = "resolved"
)

type Alert struct {
	ID         uuid.UUID   `json:"id"`
	TargetID   TargetID    `json:"target_id"`
	Kind       AlertKind   `json:"kind"`
	Status     AlertStatus `json:"status"`
	OpenedAt   time.Time   `json:"opened_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// Transition is the alert engine's verdict for one measurement.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionResolved
)

func (t Transition) String() string {
	switch t {
	case TransitionOpened:
		return "opened"
	case TransitionResolved:
		return "resolved"
	default:
		return "none"
	}
}
