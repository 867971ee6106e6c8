package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"polydev/internal/logging"
	"polydev/internal/models"
	"polydev/internal/service"
)

// Catalog is the workspace manifest as the handlers see it.
type Catalog interface {
	Find(name string) (models.ServiceDescriptor, bool)
	Select(names []string) ([]models.ServiceDescriptor, error)
}

// Controller is the part of the supervisor the control endpoints drive.
type Controller interface {
	Start(ctx context.Context, desc models.ServiceDescriptor) (int, error)
	Stop(ctx context.Context, name string) (service.StopResult, error)
	Restart(ctx context.Context, desc models.ServiceDescriptor) (int, error)
	Status(name string) models.ProcessStatus
}

// StatusChecker produces merged health for a set of services.
type StatusChecker interface {
	Check(ctx context.Context, descs []models.ServiceDescriptor) []models.ServiceHealth
}

type ServiceHandler struct {
	catalog Catalog
	ctl     Controller
	checker StatusChecker
}

func NewServiceHandler(catalog Catalog, ctl Controller, checker StatusChecker) *ServiceHandler {
	return &ServiceHandler{catalog: catalog, ctl: ctl, checker: checker}
}

type ControlRequest struct {
	ServiceName string `json:"serviceName"`
}

// lookup decodes the body and resolves the service, writing the 400 or 404
// response itself when it cannot.
func (h *ServiceHandler) lookup(w http.ResponseWriter, r *http.Request) (models.ServiceDescriptor, bool) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceName == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body: serviceName is required")
		return models.ServiceDescriptor{}, false
	}
	desc, ok := h.catalog.Find(req.ServiceName)
	if !ok {
		writeError(w, http.StatusNotFound, "Service not found")
		return models.ServiceDescriptor{}, false
	}
	return desc, true
}

// control runs detached from the request so a client hanging up does not
// turn a graceful stop into a kill.
func control(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (h *ServiceHandler) Start(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.lookup(w, r)
	if !ok {
		return
	}
	pid, err := h.ctl.Start(control(r), desc)
	if err != nil {
		logging.Warn().Err(err).Str("service", desc.Name).Msg("start request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Service %s started", desc.Name),
		Pid:     pid,
	})
}

func (h *ServiceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.lookup(w, r)
	if !ok {
		return
	}
	res, err := h.ctl.Stop(control(r), desc.Name)
	if err != nil {
		logging.Warn().Err(err).Str("service", desc.Name).Msg("stop request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msg := fmt.Sprintf("Service %s stopped", desc.Name)
	if res.Forced {
		msg += " (forced)"
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: msg})
}

func (h *ServiceHandler) Restart(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.lookup(w, r)
	if !ok {
		return
	}
	pid, err := h.ctl.Restart(control(r), desc)
	if err != nil {
		logging.Warn().Err(err).Str("service", desc.Name).Msg("restart request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Service %s restarted", desc.Name),
		Pid:     pid,
	})
}

// ProcessStatuses maps every manifest service to the supervisor's view of it.
func (h *ServiceHandler) ProcessStatuses(w http.ResponseWriter, r *http.Request) {
	descs, err := h.catalog.Select(nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string]models.ProcessStatus, len(descs))
	for _, d := range descs {
		out[d.Name] = h.ctl.Status(d.Name)
	}
	writeJSON(w, http.StatusOK, out)
}

// Status reconciles every manifest service against its health endpoint.
func (h *ServiceHandler) Status(w http.ResponseWriter, r *http.Request) {
	descs, err := h.catalog.Select(nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.checker.Check(r.Context(), descs))
}
