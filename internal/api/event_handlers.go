package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/atc-ota/atc-ota-server/internal/models"
	"github.com/atc-ota/atc-ota-server/internal/storage"
)

// HandleListEvents lists event log entries
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filters storage.EventLogFilters

	if macStr := r.URL.Query().Get("mac"); macStr != "" {
		mac, err := models.ParseMAC(macStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid MAC address")
			return
		}
		filters.MAC = &mac
	}

	if typeStr := r.URL.Query().Get("type"); typeStr != "" {
		eventType := models.EventType(typeStr)
		filters.Type = &eventType
	}

	if levelStr := r.URL.Query().Get("level"); levelStr != "" {
		level := models.EventLevel(levelStr)
		filters.Level = &level
	}

	if startStr := r.URL.Query().Get("start"); startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		filters.StartTime = &start
	}

	if endStr := r.URL.Query().Get("end"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		filters.EndTime = &end
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}
