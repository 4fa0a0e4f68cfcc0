package domain

import "time"

// ServiceStatus is the lifecycle state of a helper request.
type ServiceStatus string

const (
	StatusPending   ServiceStatus = "PENDING"
	StatusMatching  ServiceStatus = "MATCHING"
	StatusAccepted  ServiceStatus = "ACCEPTED"
	StatusStarted   ServiceStatus = "STARTED"
	StatusArrived   ServiceStatus = "ARRIVED"
	StatusCompleted ServiceStatus = "COMPLETED"
	StatusCancelled ServiceStatus = "CANCELLED"
)

// Terminal reports whether no further lifecycle events are expected.
func (s ServiceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Helper is the public profile of the assigned helper.
type Helper struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Phone  string  `json:"phone,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

// ServiceRequest is a patient's request for a hospital helper.
type ServiceRequest struct {
	ID          string        `json:"id"`
	Status      ServiceStatus `json:"status"`
	PatientID   string        `json:"patientId"`
	Helper      *Helper       `json:"helper,omitempty"`
	Hospital    string        `json:"hospital"`
	PickupLat   float64       `json:"pickupLat"`
	PickupLng   float64       `json:"pickupLng"`
	Notes       string        `json:"notes,omitempty"`
	Fare        *float64      `json:"fare,omitempty"`
	IsPaid      bool          `json:"isPaid,omitempty"`
	Rating      *int          `json:"rating,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// CreateServiceInput is the payload of POST /services.
type CreateServiceInput struct {
	Hospital     string  `json:"hospital"`
	PickupLat    float64 `json:"pickupLat"`
	PickupLng    float64 `json:"pickupLng"`
	Notes        string  `json:"notes,omitempty"`
	DurationMins int     `json:"durationMins,omitempty"`
}

// PaymentInput is the payload of POST /services/:id/payment.
type PaymentInput struct {
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
}

// Payment is the server's payment confirmation.
type Payment struct {
	ID        string    `json:"id"`
	ServiceID string    `json:"serviceId"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// RatingInput is the payload of POST /services/:id/rate.
type RatingInput struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// Notification is an entry of the patient's notification feed.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnalyticsSummary aggregates the patient's service usage.
type AnalyticsSummary struct {
	TotalServices     int     `json:"totalServices"`
	CompletedServices int     `json:"completedServices"`
	TotalSpent        float64 `json:"totalSpent"`
	AverageRating     float64 `json:"averageRating"`
}

// Page carries pagination metadata returned by list endpoints.
type Page struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}
