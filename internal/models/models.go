package models

import "time"

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

type TripStatus string

const (
	TripSearching       TripStatus = "SEARCHING"
	TripAccepted        TripStatus = "ACCEPTED"
	TripMeeting         TripStatus = "MEETING"
	TripInProgress      TripStatus = "INPROGRESS"
	TripCompleted       TripStatus = "COMPLETED"
	TripShoemakerCancel TripStatus = "SHOEMAKER_CANCEL"
	TripCustomerCancel  TripStatus = "CUSTOMER_CANCEL"
)

// HasProvider reports whether a trip in this status must carry a provider id.
func (s TripStatus) HasProvider() bool {
	switch s {
	case TripAccepted, TripMeeting, TripInProgress, TripCompleted:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash          PaymentMethod = "OFFLINE_PAYMENT"
	PaymentDigitalWallet PaymentMethod = "DIGITAL_WALLET"
	PaymentCreditCard    PaymentMethod = "CREDIT_CARD"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
)

// TripService is one requested line item of a trip.
type TripService struct {
	Name          string `json:"name" db:"name"`
	Price         int64  `json:"price" db:"price"`
	DiscountPrice int64  `json:"discountPrice" db:"discount_price"`
	Discount      int64  `json:"discount" db:"discount"`
	Quantity      int    `json:"quantity" db:"quantity"`
}

type Trip struct {
	ID             string        `json:"id"`
	CustomerID     string        `json:"customerId"`
	ProviderID     string        `json:"shoemakerId,omitempty"`
	Pickup         Coord         `json:"pickup"`
	Address        string        `json:"address"`
	AddressNote    string        `json:"addressNote"`
	Services       []TripService `json:"services"`
	TotalPrice     int64         `json:"totalPrice"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	PaymentStatus  PaymentStatus `json:"paymentStatus"`
	Status         TripStatus    `json:"status"`
	Fee            int64         `json:"fee"`
	Income         int64         `json:"income"`
	JobID          string        `json:"jobId,omitempty"`
	OrderID        string        `json:"orderId"`
	ReceiveImages  []string      `json:"receiveImages,omitempty"`
	CompleteImages []string      `json:"completeImages,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Payable reports whether the trip may be dispatched with its payment method.
func (t *Trip) Payable() bool {
	return t.PaymentMethod != PaymentCreditCard || t.PaymentStatus == PaymentPaid
}

type Provider struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	Phone     string    `json:"phone"`
	Avatar    string    `json:"avatar"`
	Loc       Coord     `json:"loc"`
	Online    bool      `json:"isOnline"`
	Accepting bool      `json:"isOn"`
	OnTrip    bool      `json:"isTrip"`
	FCMToken  string    `json:"-"`
	Cell      string    `json:"-"`
	Updated   time.Time `json:"updated"`
}

// Available reports whether the provider may receive new offers.
func (p *Provider) Available() bool {
	return p.Online && p.Accepting && !p.OnTrip
}

type Customer struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
	Avatar   string `json:"avatar"`
	FCMToken string `json:"-"`
}

// Candidate is a provider ranked for one trip's dispatch attempt.
type Candidate struct {
	Provider
	Minutes    float64 `json:"time"`
	DistanceKm float64 `json:"distance"`
}

type DeclineRecord struct {
	TripID     string    `json:"tripId"`
	ProviderID string    `json:"shoemakerId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Notification struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId,omitempty"`
	ProviderID string    `json:"shoemakerId,omitempty"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Data       string    `json:"data,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PendingOffer snapshots an offer for a provider who had no live channel.
type PendingOffer struct {
	TripID           string    `json:"tripId"`
	JobID            string    `json:"jobId"`
	CustomerID       string    `json:"customerId"`
	OrderID          string    `json:"orderId"`
	CustomerFullName string    `json:"customerFullName"`
	CustomerPhone    string    `json:"customerPhone"`
	CustomerAvatar   string    `json:"customerAvatar"`
	CustomerFCMToken string    `json:"customerFcmToken"`
	Income           int64     `json:"income"`
	Candidate        Candidate `json:"shoemaker"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// LocationUpdate is the provider position event carried over Kafka.
type LocationUpdate struct {
	ProviderID string    `json:"shoemakerId"`
	Loc        Coord     `json:"loc"`
	At         time.Time `json:"at"`
}

// TripEvent is published after every successful trip status change.
type TripEvent struct {
	TripID     string     `json:"tripId"`
	CustomerID string     `json:"customerId"`
	ProviderID string     `json:"shoemakerId,omitempty"`
	Status     TripStatus `json:"status"`
	At         time.Time  `json:"at"`
}
