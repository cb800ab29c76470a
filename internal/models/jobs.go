package models

// DispatchJob is the payload of a find-closest-shoemakers job.
type DispatchJob struct {
	TripID     string `json:"tripId"`
	CustomerID string `json:"userId"`
	Pickup     Coord  `json:"pickup"`
}

type WalletJob struct {
	ProviderID string `json:"shoemakerId"`
	Message    string `json:"message"`
}

type FeedbackJob struct {
	CustomerID string `json:"customerId"`
	TripID     string `json:"tripId"`
}

// SettlementRetryJob carries the trip's payment status from before
// completion, which decides the settlement rule.
type SettlementRetryJob struct {
	TripID        string        `json:"tripId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	Attempt       int           `json:"attempt"`
}
