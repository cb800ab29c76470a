// Package notify handles the follow-up notification jobs: wallet changes
// for shoemakers and the rating prompt sent to customers after a trip.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

const (
	walletTitle   = "Wallet updated"
	feedbackTitle = "How was your order?"
	feedbackBody  = "Your order is complete. Rate your shoemaker now."
)

type Handlers struct {
	Providers     storage.ProviderStore
	Customers     storage.CustomerStore
	Notifications storage.NotificationStore
	Pusher        dispatch.Pusher
	Logger        *slog.Logger
}

// HandleWalletJob tells a shoemaker about a balance change.
func (h *Handlers) HandleWalletJob(ctx context.Context, job *queue.Job) error {
	var req models.WalletJob
	if err := job.Decode(&req); err != nil {
		return err
	}
	p, err := h.Providers.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return fmt.Errorf("wallet notification for %s: %w", req.ProviderID, err)
	}
	h.push(ctx, p.FCMToken, walletTitle, req.Message, map[string]string{"screen": "wallet"})
	return h.Notifications.CreateNotification(ctx, &models.Notification{
		ProviderID: p.ID,
		Title:      walletTitle,
		Content:    req.Message,
	})
}

// HandleFeedbackJob asks the customer to rate a finished trip.
func (h *Handlers) HandleFeedbackJob(ctx context.Context, job *queue.Job) error {
	var req models.FeedbackJob
	if err := job.Decode(&req); err != nil {
		return err
	}
	c, err := h.Customers.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return fmt.Errorf("feedback prompt for %s: %w", req.CustomerID, err)
	}
	h.push(ctx, c.FCMToken, feedbackTitle, feedbackBody, map[string]string{"tripId": req.TripID, "screen": "rating"})
	data, _ := json.Marshal(map[string]string{"tripId": req.TripID})
	return h.Notifications.CreateNotification(ctx, &models.Notification{
		CustomerID: c.ID,
		Title:      feedbackTitle,
		Content:    feedbackBody,
		Data:       string(data),
	})
}

func (h *Handlers) push(ctx context.Context, token, title, body string, data map[string]string) {
	if token == "" {
		return
	}
	if err := h.Pusher.Push(ctx, dispatch.PushMessage{Token: token, Title: title, Body: body, Data: data}); err != nil {
		h.Logger.Warn("push_failed", slog.String("title", title), slog.Any("error", err))
	}
}
