package models

import "errors"

var (
	ErrTripNotFound     = errors.New("trip not found")
	ErrProviderNotFound = errors.New("shoemaker not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrPaymentNotReady  = errors.New("trip is not paid yet")
	ErrRaceLost         = errors.New("trip already taken")
	ErrNotSettleable    = errors.New("trip produces no settlement")
	ErrSettlementFailed = errors.New("settlement failed")
)
