package server

import (
	"errors"
	"net/http"

	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/records"
)

func (s *Server) handleAddDonor(w http.ResponseWriter, r *http.Request) {
	d, ok := s.readDonor(w, r)
	if !ok {
		return
	}
	id, err := s.records.AddDonor(r.Context(), d)
	if err != nil {
		s.logger.Error("Failed to add donor", "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to add donor")
		return
	}
	s.writeJSON(w, http.StatusCreated, messageResponse{ID: id, Message: "Donor added successfully"})
}

func (s *Server) handleGetDonor(w http.ResponseWriter, r *http.Request) {
	d, err := s.records.DonorByContact(r.Context(), r.PathValue("contactNumber"))
	if errors.Is(err, records.ErrNotFound) {
		s.writeMessage(w, http.StatusNotFound, "Donor not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to fetch donor", "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to fetch donor")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDonor(w http.ResponseWriter, r *http.Request) {
	d, ok := s.readDonor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	err := s.records.UpdateDonor(r.Context(), id, d)
	if errors.Is(err, records.ErrNotFound) {
		s.writeMessage(w, http.StatusNotFound, "Donor not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to update donor", "id", id, "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to update donor")
		return
	}
	s.writeMessage(w, http.StatusOK, "Donor updated successfully")
}

func (s *Server) handleDeleteDonor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.records.DeleteDonor(r.Context(), id); err != nil {
		s.logger.Error("Failed to delete donor", "id", id, "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to delete donor")
		return
	}
	s.writeMessage(w, http.StatusOK, "Donor deleted successfully")
}

func (s *Server) readDonor(w http.ResponseWriter, r *http.Request) (relay.Donor, bool) {
	var d relay.Donor
	if err := decode(w, r, &d); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body", Error: err.Error()})
		return d, false
	}
	d.ID = ""
	if err := records.ValidateDonor(d); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "All fields are required", Error: err.Error()})
		return d, false
	}
	return d, true
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	id, err := s.records.AddEvent(r.Context(), e)
	if err != nil {
		s.logger.Error("Failed to add event", "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to add event")
		return
	}
	s.writeJSON(w, http.StatusCreated, messageResponse{ID: id, Message: "Event added successfully"})
}

func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.records.EventsByName(r.Context(), r.PathValue("name"))
	if errors.Is(err, records.ErrNotFound) {
		s.writeMessage(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to fetch events", "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to fetch event")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	err := s.records.UpdateEvent(r.Context(), id, e)
	if errors.Is(err, records.ErrNotFound) {
		s.writeMessage(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to update event", "id", id, "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to update event")
		return
	}
	s.writeMessage(w, http.StatusOK, "Event updated successfully")
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.records.DeleteEvent(r.Context(), id); err != nil {
		s.logger.Error("Failed to delete event", "id", id, "error", err)
		s.writeMessage(w, http.StatusInternalServerError, "Failed to delete event")
		return
	}
	s.writeMessage(w, http.StatusOK, "Event deleted successfully")
}

func (s *Server) readEvent(w http.ResponseWriter, r *http.Request) (relay.Event, bool) {
	var e relay.Event
	if err := decode(w, r, &e); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body", Error: err.Error()})
		return e, false
	}
	e.ID = ""
	if err := records.ValidateEvent(e); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "All fields are required except status", Error: err.Error()})
		return e, false
	}
	return records.NormalizeEvent(e), true
}
