package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentledger/internal/domain"
)

// Writer appends rows to the event log. Append always runs inside the
// caller's transaction so an event is only visible together with the state
// change that produced it.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, tenantID string, evtType domain.EventType, payload any) (domain.Event, error) {
	if tenantID == "" {
		return domain.Event{}, fmt.Errorf("tenant_id required")
	}
	if _, err := domain.ParseEventType(string(evtType)); err != nil {
		return domain.Event{}, err
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	data, err := marshalPayload(payload)
	if err != nil {
		return domain.Event{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(tenant_id, event_type, payload_json, processed, created_at) VALUES (?,?,?,0,?)`,
		tenantID, string(evtType), string(data), ts)
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:        id,
		TenantID:  tenantID,
		Type:      evtType,
		Payload:   data,
		CreatedAt: ts,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("event payload is not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals an event payload into the typed shape for its event type.
func Decode[T any](evt domain.Event) (T, error) {
	var out T
	if len(evt.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload (event %d): %w", evt.Type, evt.ID, err)
	}
	return out, nil
}
