package server

import (
	"errors"
	"net/http"
	"strings"

	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/registry"
)

type subscriptionBody struct {
	Endpoint   string     `json:"endpoint"`
	Keys       relay.Keys `json:"keys"`
	BloodGroup string     `json:"bloodGroup"`
}

// subscribeRequest accepts {subscription:{...}, bloodGroup} as well as the
// flattened subscription at the top level.
type subscribeRequest struct {
	Subscription *subscriptionBody `json:"subscription"`
	subscriptionBody
}

func (req subscribeRequest) toSubscription() relay.Subscription {
	body := req.subscriptionBody
	attribute := req.BloodGroup
	if req.Subscription != nil {
		body = *req.Subscription
		if strings.TrimSpace(body.BloodGroup) != "" {
			attribute = body.BloodGroup
		}
	}
	return relay.Subscription{
		Endpoint:  body.Endpoint,
		Keys:      body.Keys,
		Attribute: attribute,
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeMessage(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	var req subscribeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	status, err := s.registry.Register(r.Context(), req.toSubscription())
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSubscription) {
			s.logger.Warn("Invalid subscription", "ip", ip, "error", err)
			s.writeJSON(w, http.StatusBadRequest, messageResponse{
				Message: "Invalid subscription: Missing required fields",
				Error:   err.Error(),
			})
			return
		}
		s.logger.Error("Failed to register subscription", "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}

	if status == registry.AlreadyExists {
		s.writeMessage(w, http.StatusOK, "Subscription already exists")
		return
	}
	s.writeMessage(w, http.StatusCreated, "Subscribed successfully!")
}
