package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// ErrUnknownEvent is returned by Decode for an event name outside the catalogue.
var ErrUnknownEvent = errors.New("unknown event")

type wireEnvelope struct {
	Event     string          `json:"event"`
	BoardID   string          `json:"board_id"`
	SocketID  string          `json:"socket_id,omitempty"`
	Actor     domain.Actor    `json:"actor"`
	EmittedAt time.Time       `json:"emitted_at"`
	Data      json.RawMessage `json:"data"`
}

// Header is the routing part of an encoded envelope.
type Header struct {
	Event    string `json:"event"`
	BoardID  string `json:"board_id"`
	SocketID string `json:"socket_id,omitempty"`
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, errors.New("envelope has no payload")
	}
	data, err := sonic.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", env.Name(), err)
	}
	return sonic.Marshal(wireEnvelope{
		Event:     env.Name(),
		BoardID:   env.BoardID,
		SocketID:  env.SocketID,
		Actor:     env.Actor,
		EmittedAt: env.EmittedAt,
		Data:      data,
	})
}

// DecodeHeader reads only the routing fields of an encoded envelope.
func DecodeHeader(raw []byte) (Header, error) {
	var h Header
	if err := sonic.Unmarshal(raw, &h); err != nil {
		return Header{}, err
	}
	if h.Event == "" || h.BoardID == "" {
		return Header{}, errors.New("envelope missing event or board_id")
	}
	return h, nil
}

// Decode parses an encoded envelope into its typed payload.
func Decode(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return Envelope{}, err
	}
	dec, ok := decoders[w.Event]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Event)
	}
	p, err := dec(w.Data)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", w.Event, err)
	}
	actor := w.Actor
	actor.SocketID = w.SocketID
	return Envelope{BoardID: w.BoardID, SocketID: w.SocketID, Actor: actor, EmittedAt: w.EmittedAt, Payload: p}, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return nil, errors.New("missing data")
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var decoders = map[string]func([]byte) (Payload, error){
	TaskCreated:          decodeAs[TaskCreatedData],
	TaskUpdated:          decodeAs[TaskUpdatedData],
	TaskDeleted:          decodeAs[TaskDeletedData],
	TaskMoved:            decodeAs[TaskMovedData],
	TaskAssigneesChanged: decodeAs[TaskAssigneesChangedData],
	TaskArchiveToggled:   decodeAs[TaskArchiveToggledData],
	TasksReordered:       decodeAs[TasksReorderedData],
	ListCreated:          decodeAs[ListCreatedData],
	ListUpdated:          decodeAs[ListUpdatedData],
	ListDeleted:          decodeAs[ListDeletedData],
	ListReordered:        decodeAs[ListReorderedData],
	BoardUpdated:         decodeAs[BoardUpdatedData],
}
