package rapidrespond

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the RapidRespond API.
type APIError struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rapidrespond: HTTP %d: %s", e.Status, e.Detail)
}

func apiErrorFrom(status int, body []byte) *APIError {
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
		return &APIError{Status: status, Detail: e.Detail}
	}
	return &APIError{Status: status, Detail: http.StatusText(status)}
}

// ============================================================================
// Domain Enums
// ============================================================================

// EmergencyStatus is the lifecycle status of a reported emergency.
type EmergencyStatus string

const (
	StatusActive    EmergencyStatus = "ACTIVE"
	StatusResolved  EmergencyStatus = "RESOLVED"
	StatusCancelled EmergencyStatus = "CANCELLED"
)

// PriorityLevel is the severity assigned by the dispatch backend.
type PriorityLevel string

const (
	PriorityHigh   PriorityLevel = "HIGH"
	PriorityMedium PriorityLevel = "MEDIUM"
	PriorityLow    PriorityLevel = "LOW"
)

// ServiceState is the availability of an emergency service fleet.
type ServiceState string

const (
	ServiceActive   ServiceState = "active"
	ServiceLimited  ServiceState = "limited"
	ServiceInactive ServiceState = "inactive"
)

// ============================================================================
// Emergency Types
// ============================================================================

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ReportOptions describes an emergency report. At least one of Text or
// Audio must be set; the backend transcribes audio server-side.
type ReportOptions struct {
	Text          string
	Location      *Location
	Audio         []byte
	AudioFilename string

	// IdempotencyKey deduplicates retried submissions. The outbox sets
	// this automatically; direct callers may leave it empty.
	IdempotencyKey string
}

// EmergencyResponse is the backend's answer to a report: the classified
// type, assigned priority, and generated response plan.
type EmergencyResponse struct {
	EmergencyType         string         `json:"emergency_type"`
	PriorityLevel         PriorityLevel  `json:"priority_level"`
	ResponsePlan          map[string]any `json:"response_plan,omitempty"`
	EstimatedResponseTime *int           `json:"estimated_response_time,omitempty"`
}

// Emergency is a full emergency record.
type Emergency struct {
	ID                    string          `json:"id"`
	EmergencyType         string          `json:"emergency_type"`
	PriorityLevel         PriorityLevel   `json:"priority_level"`
	Status                EmergencyStatus `json:"status"`
	LocationLat           *float64        `json:"location_lat,omitempty"`
	LocationLon           *float64        `json:"location_lon,omitempty"`
	ResponsePlan          map[string]any  `json:"response_plan,omitempty"`
	EstimatedResponseTime *int            `json:"estimated_response_time,omitempty"`
	ActualResponseTime    *int            `json:"actual_response_time,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	CreatedAt             string          `json:"created_at,omitempty"`
	UpdatedAt             string          `json:"updated_at,omitempty"`
}

// EmergencyUpdate changes the status of an existing emergency.
type EmergencyUpdate struct {
	Status EmergencyStatus `json:"status"`
	Notes  string          `json:"notes,omitempty"`
}

// HistoryOptions filters historical emergency queries. Zero values are
// omitted from the query.
type HistoryOptions struct {
	StartDate     time.Time
	EndDate       time.Time
	EmergencyType string
	Status        EmergencyStatus
}

// EmergencyStats aggregates response performance over a time period.
type EmergencyStats struct {
	TotalEmergencies    int            `json:"total_emergencies"`
	AverageResponseTime float64        `json:"average_response_time"`
	ResponseByType      map[string]int `json:"response_by_type"`
	SuccessRate         float64        `json:"success_rate"`
}

// ServiceAvailability reports the state of one emergency service fleet.
type ServiceAvailability struct {
	ID                  string       `json:"id,omitempty"`
	ServiceType         string       `json:"service_type"`
	Status              ServiceState `json:"status"`
	AvailableUnits      int          `json:"available_units"`
	AverageResponseTime int          `json:"average_response_time"`
	UpdatedAt           string       `json:"updated_at,omitempty"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationSubscription registers a subscriber for a notification
// type on a delivery channel (websocket, email, sms, push, webhook).
type NotificationSubscription struct {
	SubscriberType   string `json:"subscriber_type"`
	SubscriberID     string `json:"subscriber_id"`
	NotificationType string `json:"notification_type"`
	Channel          string `json:"channel"`
}

// Notification is a delivered (or pending) notification record.
type Notification struct {
	ID            string `json:"id"`
	EmergencyID   string `json:"emergency_id,omitempty"`
	RecipientType string `json:"recipient_type"`
	RecipientID   string `json:"recipient_id"`
	Message       string `json:"message"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at,omitempty"`
	SentAt        string `json:"sent_at,omitempty"`
	DeliveredAt   string `json:"delivered_at,omitempty"`
}

// HealthStatus is the backend health probe response.
type HealthStatus struct {
	Status string `json:"status"`
}
