package api

import (
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/pelago-hub/hubd/internal/entity"
)

// handleRoot is a trivial liveness probe distinct from /health: it
// never inspects subsystem state, so it answers even if a dependency
// the health check touches is wedged.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"service": "hubd", "version": s.version})
}

// handleHealth reports overall status, uptime, per-component health, and
// the counters an operator dashboard would poll.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.entities.Stats()

	components := map[string]string{
		"discovery":          "unknown",
		"adapters-active":    "unknown",
		"persistence-ok":     "healthy",
		"command-consumer":   "unknown",
	}
	if s.discovery != nil {
		components["discovery"] = "healthy"
	}
	if s.adapters != nil {
		components["adapters-active"] = "healthy"
	}
	status := "healthy"
	if s.commands != nil {
		components["command-consumer"] = s.commands.Mode().String()
	} else {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"components":      components,
		"devices_known":   stats.DevicesKnown,
		"devices_online":  stats.DevicesOnline,
		"discarded_late":  s.entities.DiscardedLateCount(),
	})
}

// handleInfo reports static build/version information.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.version,
		"started_at": s.startTime.UTC().Format(time.RFC3339),
	})
}

// handleListDiscovered lists devices the discovery manager has observed
// but which may not yet be paired, with optional protocol/kind filters.
func (s *Server) handleListDiscovered(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeJSON(w, http.StatusOK, map[string]any{"devices": []entity.DeviceDescriptor{}, "count": 0})
		return
	}

	var protocol *string
	if err := runtime.BindQueryParameter("form", true, false, "protocol", r.URL.Query(), &protocol); err != nil {
		writeBadRequest(w, "invalid protocol filter: "+err.Error())
		return
	}
	var kind *string
	if err := runtime.BindQueryParameter("form", true, false, "kind", r.URL.Query(), &kind); err != nil {
		writeBadRequest(w, "invalid kind filter: "+err.Error())
		return
	}

	all := s.discovery.Snapshot()
	out := make([]entity.DeviceDescriptor, 0, len(all))
	for _, d := range all {
		if protocol != nil && string(d.Protocol) != *protocol {
			continue
		}
		if kind != nil && d.Metadata["kind"] != *kind {
			continue
		}
		out = append(out, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleHubStatus reports the adapter registry's protocol-level view.
func (s *Server) handleHubStatus(w http.ResponseWriter, _ *http.Request) {
	protocols := []entity.Protocol{
		entity.ProtocolESPHome, entity.ProtocolHue, entity.ProtocolMQTT,
		entity.ProtocolMatter, entity.ProtocolZigbee, entity.ProtocolHTTPSSE,
	}

	active := make(map[string]int)
	for _, p := range protocols {
		if s.adapters != nil && s.adapters.Get(p) != nil {
			active[string(p)] = len(s.entities.QueryByProtocol(p))
		}
	}

	mode := "disabled"
	if s.commands != nil {
		mode = s.commands.Mode().String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"adapters":       active,
		"consumer_mode":  mode,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleListEntities lists every known entity, optionally filtered by
// kind.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	var kind *string
	if err := runtime.BindQueryParameter("form", true, false, "kind", r.URL.Query(), &kind); err != nil {
		writeBadRequest(w, "invalid kind filter: "+err.Error())
		return
	}

	kinds := []entity.Kind{
		entity.KindLight, entity.KindSwitch, entity.KindSensor, entity.KindBinarySensor,
		entity.KindButton, entity.KindNumber, entity.KindTextSensor, entity.KindLock,
		entity.KindCover, entity.KindClimate, entity.KindFan, entity.KindOther,
	}

	var out []*entity.Entity
	for _, k := range kinds {
		if kind != nil && string(k) != *kind {
			continue
		}
		out = append(out, s.entities.QueryByKind(k)...)
	}
	if out == nil {
		out = []*entity.Entity{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entities": out, "count": len(out)})
}

// commandRequest is the JSON body accepted by POST /api/commands, for
// local clients issuing ad-hoc commands outside the remote queue.
type commandRequest struct {
	EntityID   string         `json:"entity_id"`
	Capability string         `json:"capability"`
	Value      map[string]any `json:"value"`
}

// handleSubmitCommand dispatches a single ad-hoc command directly
// through the adapter registry, bypassing the remote command queue
// entirely — for local clients (a CLI, a dashboard) that don't go
// through the remote store.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	if s.adapters == nil {
		writeInternalError(w, "no adapter registry configured")
		return
	}

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.EntityID == "" || req.Capability == "" {
		writeBadRequest(w, "entity_id and capability are required")
		return
	}

	ent, err := s.entities.GetEntity(r.Context(), req.EntityID)
	if err != nil || ent == nil {
		writeNotFound(w, "entity not found")
		return
	}

	result := s.adapters.Dispatch(r.Context(), adapterCommandFrom(ent, req))
	if result.Err != nil {
		writeError(w, http.StatusBadGateway, "command_failed", result.Err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
