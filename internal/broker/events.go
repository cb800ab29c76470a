package broker

import (
	"math"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

const (
	msgTaken      = "Trip has been received."
	msgCanceled   = "The trip has been cancelled by the customer or has been accepted. You can now accept new trips."
	msgNoResponse = "The trip was passed to another shoemaker because there was no response."
	msgNotFound   = "No shoemaker is available near you right now."
	msgNotPaid    = "Trip is not paid yet."
	msgTripGone   = "Trip not found."
	msgWithdrawn  = "The trip request was withdrawn. You can now accept new trips."

	updateTimeout        = "timeout"
	updateCustomerCancel = "customer-cancel"
)

// tripOffer is the shoemaker-request-trip payload.
type tripOffer struct {
	TripID        string               `json:"tripId"`
	FullName      string               `json:"fullName"`
	Phone         string               `json:"phone"`
	Avatar        string               `json:"avatar"`
	Location      string               `json:"location"`
	AddressNote   string               `json:"addressNote"`
	Time          int                  `json:"time"`
	Latitude      float64              `json:"latitude"`
	Longitude     float64              `json:"longitude"`
	Services      []models.TripService `json:"services"`
	TotalPrice    int64                `json:"totalPrice"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
	Distance      float64              `json:"distance"`
	Income        int64                `json:"income"`
	ExpiresIn     int                  `json:"expiresIn"`
}

type findClosestResult struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Data    *assignedProvider `json:"data,omitempty"`
}

type assignedProvider struct {
	ID        string  `json:"id"`
	TripID    string  `json:"tripId"`
	FullName  string  `json:"fullName"`
	Phone     string  `json:"phone"`
	Avatar    string  `json:"avatar"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Time      int     `json:"time"`
}

type tripUpdate struct {
	Type    string `json:"type"`
	TripID  string `json:"tripId"`
	Message string `json:"message"`
}

func newOffer(trip *models.Trip, customer *models.Customer, c models.Candidate, window time.Duration) tripOffer {
	return tripOffer{
		TripID:        trip.ID,
		FullName:      customer.FullName,
		Phone:         customer.Phone,
		Avatar:        customer.Avatar,
		Location:      trip.Address,
		AddressNote:   trip.AddressNote,
		Time:          minutes(c.Minutes),
		Latitude:      trip.Pickup.Lat,
		Longitude:     trip.Pickup.Lon,
		Services:      trip.Services,
		TotalPrice:    trip.TotalPrice,
		PaymentMethod: trip.PaymentMethod,
		Distance:      math.Round(c.DistanceKm*100) / 100,
		Income:        trip.Income,
		ExpiresIn:     int(math.Ceil(window.Seconds())),
	}
}

// minutes rounds a travel time up to whole minutes, never below one.
func minutes(m float64) int {
	n := int(math.Ceil(m))
	if n < 1 {
		return 1
	}
	return n
}
