package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
)

// decodeJSON decodes a request body into v, bounded by the body size
// limit middleware already applied upstream.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// adapterCommandFrom builds the adapter.Command for an ad-hoc local
// request against an already-resolved entity.
func adapterCommandFrom(ent *entity.Entity, req commandRequest) adapter.Command {
	return adapter.Command{
		ID:         uuid.NewString(),
		EntityID:   ent.ID,
		DeviceID:   ent.DeviceID,
		DriverKey:  ent.DriverKey,
		Capability: entity.Capability(req.Capability),
		Value:      req.Value,
		EnqueuedAt: time.Now(),
	}
}
