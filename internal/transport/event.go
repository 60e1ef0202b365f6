// Package transport переносит объявления о порождении между участниками
// через шину событий.
package transport

import (
	"fmt"
	"strconv"
	"time"

	"github.com/annel0/mmo-spawn/internal/spawn"
)

// EventKind вид события на шине
type EventKind string

const (
	KindSpawn   EventKind = "spawn"
	KindDespawn EventKind = "despawn"
	KindRequest EventKind = "request"
)

// Типы конвертов eventbus
const (
	EventTypeSpawn   = "SpawnEvent"
	EventTypeDespawn = "DespawnEvent"
	EventTypeRequest = "SpawnRequest"
)

// Event кортеж порождения, которым обмениваются участники
type Event struct {
	Kind      EventKind           `json:"kind"`
	Key       spawn.EntityTypeKey `json:"key"`
	OwnerKey  spawn.EntityTypeKey `json:"owner_key,omitempty"`
	ViewID    spawn.ViewID        `json:"view_id"`
	Owner     spawn.ParticipantID `json:"owner"`
	Creator   spawn.ParticipantID `json:"creator"`
	Placement spawn.Placement     `json:"placement"`
	Payload   []interface{}       `json:"payload,omitempty"`
	Sender    spawn.ParticipantID `json:"sender"`
	SentAt    time.Time           `json:"sent_at"`
}

// FromAnnouncement строит событие из объявления диспетчера
func FromAnnouncement(a spawn.Announcement, sender spawn.ParticipantID) Event {
	ev := Event{
		Key:       a.Key,
		OwnerKey:  a.OwnerKey,
		ViewID:    a.Identity.ViewID,
		Owner:     a.Identity.Owner,
		Creator:   a.Identity.Creator,
		Placement: a.Placement,
		Payload:   a.Payload,
		Sender:    sender,
		SentAt:    time.Now().UTC(),
	}
	switch a.Kind {
	case spawn.AnnounceSpawn:
		ev.Kind = KindSpawn
	case spawn.AnnounceDespawn:
		ev.Kind = KindDespawn
	case spawn.AnnounceRequest:
		ev.Kind = KindRequest
	}
	return ev
}

// SpawnRequest превращает событие в запрос диспетчеру
func (e Event) SpawnRequest() spawn.SpawnRequest {
	req := spawn.SpawnRequest{
		Key:       e.Key,
		OwnerKey:  e.OwnerKey,
		Placement: e.Placement,
		Owner:     e.Owner,
		Creator:   e.Creator,
		Payload:   e.Payload,
	}
	if e.Kind == KindSpawn {
		req.Identity = spawn.Identity{ViewID: e.ViewID, Owner: e.Owner, Creator: e.Creator}
	}
	return req
}

// EnvelopeType возвращает тип конверта для вида события
func (e Event) EnvelopeType() (string, error) {
	switch e.Kind {
	case KindSpawn:
		return EventTypeSpawn, nil
	case KindDespawn:
		return EventTypeDespawn, nil
	case KindRequest:
		return EventTypeRequest, nil
	default:
		return "", fmt.Errorf("transport: unknown event kind %q", e.Kind)
	}
}

// Validate проверяет обязательные поля
func (e Event) Validate() error {
	switch e.Kind {
	case KindSpawn:
		if e.ViewID == spawn.UnassignedViewID {
			return fmt.Errorf("transport: spawn event without view id")
		}
		if e.Key == "" {
			return fmt.Errorf("transport: spawn event view=%d without key", e.ViewID)
		}
	case KindDespawn:
		if e.ViewID == spawn.UnassignedViewID {
			return fmt.Errorf("transport: despawn event without view id")
		}
	case KindRequest:
		if e.Key == "" {
			return fmt.Errorf("transport: request without key")
		}
	default:
		return fmt.Errorf("transport: unknown event kind %q", e.Kind)
	}
	return nil
}

// SourceName имя источника конверта для участника
func SourceName(p spawn.ParticipantID) string {
	return strconv.FormatUint(uint64(p), 10)
}
