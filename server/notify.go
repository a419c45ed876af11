package server

import (
	"net/http"
	"strings"

	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/registry"
)

type notificationRequest struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	BloodGroup string `json:"bloodGroup"`
}

type adRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decode(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}
	title, msg := strings.TrimSpace(req.Title), strings.TrimSpace(req.Message)
	if title == "" || msg == "" {
		s.writeMessage(w, http.StatusBadRequest, "Title and message are required")
		return
	}

	s.logger.Info("Sending manual notification", "title", title, "target", req.BloodGroup)
	s.broadcastAsync(r, relay.Notification{
		Title:           title,
		Body:            msg,
		TargetAttribute: strings.TrimSpace(req.BloodGroup),
	})
	s.writeMessage(w, http.StatusOK, "Notification sent successfully!")
}

func (s *Server) handleSendAd(w http.ResponseWriter, r *http.Request) {
	var req adRequest
	if err := decode(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}
	title, body, link := strings.TrimSpace(req.Title), strings.TrimSpace(req.Body), strings.TrimSpace(req.Link)
	if title == "" || body == "" {
		s.writeMessage(w, http.StatusBadRequest, "Title and body are required")
		return
	}
	if link != "" && !registry.IsValidEndpoint(link) {
		s.writeMessage(w, http.StatusBadRequest, "Link must be an absolute URL")
		return
	}

	s.logger.Info("Sending ad", "title", title, "link", link)
	s.broadcastAsync(r, relay.Notification{Title: title, Body: body, Link: link})
	s.writeMessage(w, http.StatusOK, "Ad sent successfully!")
}
