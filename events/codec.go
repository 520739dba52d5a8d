// Package events defines the task lifecycle events written to the outbox and
// their Avro encoding.
package events

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hamba/avro/v2"
)

//go:embed task_event.avsc
var Schema string

// Event types
const (
	TypeTaskAssigned  = "TaskAssigned"
	TypeStatusChanged = "TaskStatusChanged"
	TypeCompensated   = "TaskAssignmentCompensated"
	TypeTaskRated     = "TaskRated"
)

// TaskEvent mirrors the Avro schema
type TaskEvent struct {
	EventID        string    `avro:"event_id"`
	EventType      string    `avro:"event_type"`
	TaskID         string    `avro:"task_id"`
	TaskType       string    `avro:"task_type"`
	MechanicID     string    `avro:"mechanic_id"`
	Status         string    `avro:"status"`
	PreviousStatus *string   `avro:"previous_status"`
	Notes          *string   `avro:"notes"`
	OccurredAt     time.Time `avro:"occurred_at"`
}

const magicByte = 0

var ErrBadFrame = errors.New("message is not in schema registry wire format")

// Codec encodes TaskEvents with the parsed schema.
type Codec struct {
	schema avro.Schema
}

func NewCodec() (*Codec, error) {
	schema, err := avro.Parse(Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &Codec{schema: schema}, nil
}

func (c *Codec) Encode(e *TaskEvent) ([]byte, error) {
	data, err := avro.Marshal(c.schema, e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.EventType, err)
	}
	return data, nil
}

func (c *Codec) Decode(data []byte) (*TaskEvent, error) {
	var e TaskEvent
	if err := avro.Unmarshal(c.schema, data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &e, nil
}

// Frame prefixes payload with the magic byte and big-endian schema ID.
func Frame(schemaID int, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	copy(out[5:], payload)
	return out
}

// Unframe is the inverse of Frame.
func Unframe(msg []byte) (int, []byte, error) {
	if len(msg) < 5 || msg[0] != magicByte {
		return 0, nil, ErrBadFrame
	}
	return int(binary.BigEndian.Uint32(msg[1:5])), msg[5:], nil
}
