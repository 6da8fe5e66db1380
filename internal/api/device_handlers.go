package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atc-ota/atc-ota-server/internal/catalog"
	"github.com/atc-ota/atc-ota-server/internal/coordinator"
	"github.com/atc-ota/atc-ota-server/internal/models"
	"github.com/atc-ota/atc-ota-server/internal/storage"
)

// ========== Device handlers ==========

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	devices, total, err := s.store.ListDevices(ctx, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleCreateDevice registers a device
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC           string `json:"mac" validate:"required,mac"`
		Name          string `json:"name" validate:"required,min=1,max=100"`
		Description   string `json:"description"`
		Source        string `json:"source" validate:"required,source"`
		PinnedVersion string `json:"pinned_version,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	mac, err := models.ParseMAC(req.MAC)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return
	}

	device := &models.Device{
		MAC:         mac,
		Name:        req.Name,
		Description: req.Description,
		Source:      models.FirmwareSource(req.Source),
		State:       models.DeviceStateUnknown,
	}
	if req.PinnedVersion != "" {
		// the pin is a catalog tag and is kept verbatim
		device.PinnedVersion = &req.PinnedVersion
	}

	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		if err == storage.ErrDuplicateKey {
			s.respondError(w, http.StatusConflict, "device already registered")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, device)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.deviceFromURL(w, r)
	if !ok {
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleUpdateDevice updates a device
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	device, ok := s.deviceFromURL(w, r)
	if !ok {
		return
	}

	var req struct {
		Name          string  `json:"name" validate:"required,min=1,max=100"`
		Description   string  `json:"description"`
		Source        string  `json:"source" validate:"required,source"`
		PinnedVersion *string `json:"pinned_version"`
		IsDisabled    bool    `json:"is_disabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device.Name = req.Name
	device.Description = req.Description
	device.Source = models.FirmwareSource(req.Source)
	device.IsDisabled = req.IsDisabled

	device.PinnedVersion = nil
	if req.PinnedVersion != nil && *req.PinnedVersion != "" {
		device.PinnedVersion = req.PinnedVersion
	}

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return
	}

	if err := s.store.DeleteDevice(ctx, mac); err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Update lifecycle handlers ==========

// HandleCheckDevice runs an on-demand release check
func (s *RESTServer) HandleCheckDevice(w http.ResponseWriter, r *http.Request) {
	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return
	}

	device, err := s.coord.CheckNow(r.Context(), mac)
	if err != nil {
		switch {
		case err == storage.ErrNotFound:
			s.respondError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, coordinator.ErrDeviceDisabled):
			s.respondError(w, http.StatusConflict, "device is disabled")
		case catalog.IsRateLimited(err):
			s.respondError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, catalog.ErrVersionNotFound):
			s.respondError(w, http.StatusNotFound, "pinned version not found upstream")
		default:
			s.respondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleStartFlash starts a firmware flash for the device
func (s *RESTServer) HandleStartFlash(w http.ResponseWriter, r *http.Request) {
	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return
	}

	device, err := s.store.GetDevice(r.Context(), mac)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// source and version may be overridden per request
	var req struct {
		Source  string `json:"source,omitempty" validate:"source"`
		Version string `json:"version,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.validator.Validate(req); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	source := device.Source
	if req.Source != "" {
		source = models.FirmwareSource(req.Source)
	}

	pin := ""
	if device.PinnedVersion != nil {
		pin = *device.PinnedVersion
	}
	if req.Version != "" {
		pin = req.Version
	}

	if err := s.coord.StartFlash(r.Context(), mac, source, pin); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrAlreadyInProgress):
			s.respondError(w, http.StatusConflict, "flash already in progress")
		case errors.Is(err, coordinator.ErrDeviceDisabled):
			s.respondError(w, http.StatusConflict, "device is disabled")
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"mac":     mac,
		"source":  source,
		"version": pin,
		"status":  "started",
	})
}

// HandleCancelFlash cancels an active flash
func (s *RESTServer) HandleCancelFlash(w http.ResponseWriter, r *http.Request) {
	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return
	}

	if err := s.coord.CancelFlash(mac); err != nil {
		if errors.Is(err, coordinator.ErrNoActiveFlash) {
			s.respondError(w, http.StatusNotFound, "no active flash")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"mac":    mac,
		"status": "cancelling",
	})
}

// HandleFlashStatus returns the current flash status
func (s *RESTServer) HandleFlashStatus(w http.ResponseWriter, r *http.Request) {
	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return
	}

	s.respondJSON(w, http.StatusOK, s.coord.Status(mac))
}

// ========== Release handlers ==========

// HandleGetLatestRelease resolves the latest release for a source
func (s *RESTServer) HandleGetLatestRelease(w http.ResponseWriter, r *http.Request) {
	s.resolveRelease(w, r, "")
}

// HandleGetRelease resolves a specific release version for a source
func (s *RESTServer) HandleGetRelease(w http.ResponseWriter, r *http.Request) {
	s.resolveRelease(w, r, chi.URLParam(r, "version"))
}

func (s *RESTServer) resolveRelease(w http.ResponseWriter, r *http.Request, pin string) {
	source := models.FirmwareSource(chi.URLParam(r, "source"))
	if !source.Valid() {
		s.respondError(w, http.StatusBadRequest, "unknown firmware source")
		return
	}

	release, err := s.resolver.Resolve(r.Context(), source, pin)
	if err != nil {
		switch {
		case catalog.IsRateLimited(err):
			s.respondError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, catalog.ErrVersionNotFound):
			s.respondError(w, http.StatusNotFound, "release not found")
		default:
			s.respondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, release)
}

// deviceFromURL loads the device addressed by the {mac} URL parameter
func (s *RESTServer) deviceFromURL(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	mac, err := models.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid MAC address")
		return nil, false
	}

	device, err := s.store.GetDevice(r.Context(), mac)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return nil, false
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}

	return device, true
}
