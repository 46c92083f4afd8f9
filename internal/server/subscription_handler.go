package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/flowguild/internal/notify"
	"github.com/kazz187/flowguild/pkg/cerr"
)

func (s *Server) routeSubscriptions(r chi.Router) {
	r.Route("/push-subscriptions", func(r chi.Router) {
		r.Post("/", s.registerSubscription)
		r.Delete("/{subID}", s.deleteSubscription)
	})
}

type registerSubscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

type subscriptionResponse struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) registerSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	sub, err := notify.Register(ctx, s.subs, &notify.Subscription{
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, &subscriptionResponse{
		ID:        sub.ID,
		Endpoint:  sub.Endpoint,
		CreatedAt: sub.CreatedAt,
	})
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.subs.Delete(ctx, chi.URLParam(r, "subID")); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]bool{"deleted": true})
}
