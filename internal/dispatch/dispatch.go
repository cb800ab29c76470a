package dispatch

import "context"

// Socket events exchanged with client apps.
const (
	EventFindClosest    = "find-closest-shoemakers"
	EventRequestTrip    = "shoemaker-request-trip"
	EventTripUpdate     = "trip-update"
	EventTripStatus     = "trip-status"
	EventResponseTrip   = "shoemaker-response-trip"
	EventUpdateLocation = "shoemaker-update-location"
)

// Directory resolves a user id to its live channel, if any.
type Directory interface {
	Connected(userID string) bool
	Emit(userID, event string, payload any) error
	Join(userID, room string)
	Leave(userID, room string)
	Broadcast(room, event string, payload any)
}

// Pusher delivers best-effort mobile push notifications.
type Pusher interface {
	Push(ctx context.Context, msg PushMessage) error
}

type PushMessage struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}
