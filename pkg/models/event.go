// Package models defines the records that flow through nebulastream: events
// as the producer creates them, entries as workers claim them from the log,
// and dead letters as the router records them. Each record also knows how to
// flatten itself into the string field map a log entry stores.
package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/nebulastream/pkg/json"
	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// Log entry field names
const (
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldPayload   = "payload"
	FieldCreatedAt = "created_at"

	FieldError              = "error"
	FieldRetryCount         = "retry_count"
	FieldFailedAt           = "failed_at"
	FieldOriginalLogEntryID = "original_log_entry_id"
	FieldWorker             = "worker"
)

// MaxEventTypeLength bounds the event type tag in bytes.
const MaxEventTypeLength = 128

// Event is a single occurrence with a schemaless payload.
type Event struct {
	// EventID is the natural key used for deduplication in the sink
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
	// LogEntryID is assigned by the log on append; empty until then
	LogEntryID string `json:"-"`
}

// NewEvent creates an event with a generated id, stamped now in UTC.
func NewEvent(eventType string, payload map[string]interface{}) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the fields every event must carry.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "event_id is required")
	}
	if e.EventType == "" {
		return nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "event_type is required")
	}
	if len(e.EventType) > MaxEventTypeLength {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeValidation, "event_type exceeds %d bytes", MaxEventTypeLength).
			WithDetail("length", len(e.EventType))
	}
	return nil
}

// Fields flattens the event into log entry fields. Payload is encoded as
// JSON and CreatedAt as RFC3339Nano in UTC.
func (e *Event) Fields() (map[string]string, error) {
	payload, err := json.MarshalCompact(e.Payload)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeValidation, "payload is not serializable").
			WithDetail("event_id", e.EventID)
	}
	return map[string]string{
		FieldEventID:   e.EventID,
		FieldEventType: e.EventType,
		FieldPayload:   string(payload),
		FieldCreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// EventFromFields rebuilds an event from log entry fields. Numbers in the
// payload decode as json.Number so they re-encode unchanged.
func EventFromFields(logEntryID string, fields map[string]string) (*Event, error) {
	id, ok := fields[FieldEventID]
	if !ok || id == "" {
		return nil, malformed(logEntryID, "missing event_id")
	}
	eventType, ok := fields[FieldEventType]
	if !ok || eventType == "" {
		return nil, malformed(logEntryID, "missing event_type")
	}
	rawPayload, ok := fields[FieldPayload]
	if !ok {
		return nil, malformed(logEntryID, "missing payload")
	}
	rawCreated, ok := fields[FieldCreatedAt]
	if !ok {
		return nil, malformed(logEntryID, "missing created_at")
	}

	var payload map[string]interface{}
	if err := json.UnmarshalUseNumber([]byte(rawPayload), &payload); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "payload is not a JSON object").
			WithDetail("log_entry_id", logEntryID)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "created_at is not RFC3339").
			WithDetail("log_entry_id", logEntryID)
	}

	return &Event{
		EventID:    id,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  createdAt.UTC(),
		LogEntryID: logEntryID,
	}, nil
}

func malformed(logEntryID, msg string) error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeData, msg).WithDetail("log_entry_id", logEntryID)
}

// ClaimedEntry is a log entry owned by a worker between claim and ack.
// Event is nil when the entry's fields could not be decoded; DecodeErr then
// says why, and Fields keeps the raw record for the dead-letter stream.
type ClaimedEntry struct {
	LogEntryID string
	Fields     map[string]string
	Event      *Event
	DecodeErr  error
}

// NewClaimedEntry decodes fields into an event, recording a decode failure
// instead of returning it.
func NewClaimedEntry(logEntryID string, fields map[string]string) ClaimedEntry {
	ev, err := EventFromFields(logEntryID, fields)
	return ClaimedEntry{
		LogEntryID: logEntryID,
		Fields:     fields,
		Event:      ev,
		DecodeErr:  err,
	}
}

// Batch is an ordered group of claimed entries flushed together.
type Batch struct {
	Entries []ClaimedEntry
	// FirstAt is when the first entry was added
	FirstAt time.Time
}

// Len returns the number of entries in the batch
func (b Batch) Len() int {
	return len(b.Entries)
}

// IDs returns the log entry ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.LogEntryID
	}
	return ids
}

// PendingEntry is the log's claim record for a delivered but unacknowledged entry.
type PendingEntry struct {
	LogEntryID string
	Consumer   string
	// Idle is the time since the entry was last delivered
	Idle       time.Duration
	Deliveries int64
}

// DeadLetterEntry records an event that could not be written to the sink.
type DeadLetterEntry struct {
	// Event is nil when the original entry could not be decoded
	Event *Event
	// Raw holds the original entry fields when Event is nil
	Raw                map[string]string
	ErrorMessage       string
	RetryCount         int
	FailedAt           time.Time
	OriginalLogEntryID string
	Worker             string
	// LogEntryID is the id of the dead letter itself in the dead-letter stream
	LogEntryID string
}

// Fields flattens the dead letter into log entry fields: the original event
// fields plus failure metadata.
func (d *DeadLetterEntry) Fields() (map[string]string, error) {
	fields := make(map[string]string, 9)
	if d.Event != nil {
		ef, err := d.Event.Fields()
		if err != nil {
			return nil, err
		}
		for k, v := range ef {
			fields[k] = v
		}
	} else {
		for _, k := range []string{FieldEventID, FieldEventType, FieldPayload, FieldCreatedAt} {
			if v, ok := d.Raw[k]; ok {
				fields[k] = v
			}
		}
	}
	fields[FieldError] = d.ErrorMessage
	fields[FieldRetryCount] = strconv.Itoa(d.RetryCount)
	fields[FieldFailedAt] = d.FailedAt.UTC().Format(time.RFC3339Nano)
	fields[FieldOriginalLogEntryID] = d.OriginalLogEntryID
	fields[FieldWorker] = d.Worker
	return fields, nil
}

// DeadLetterFromFields rebuilds a dead letter from its log entry fields.
func DeadLetterFromFields(logEntryID string, fields map[string]string) (*DeadLetterEntry, error) {
	retries, err := strconv.Atoi(fields[FieldRetryCount])
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "invalid retry_count").
			WithDetail("log_entry_id", logEntryID)
	}
	failedAt, err := time.Parse(time.RFC3339Nano, fields[FieldFailedAt])
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "invalid failed_at").
			WithDetail("log_entry_id", logEntryID)
	}

	d := &DeadLetterEntry{
		ErrorMessage:       fields[FieldError],
		RetryCount:         retries,
		FailedAt:           failedAt.UTC(),
		OriginalLogEntryID: fields[FieldOriginalLogEntryID],
		Worker:             fields[FieldWorker],
		LogEntryID:         logEntryID,
	}

	ev, err := EventFromFields(d.OriginalLogEntryID, fields)
	if err != nil {
		d.Raw = make(map[string]string, 4)
		for _, k := range []string{FieldEventID, FieldEventType, FieldPayload, FieldCreatedAt} {
			if v, ok := fields[k]; ok {
				d.Raw[k] = v
			}
		}
		return d, nil
	}
	d.Event = ev
	return d, nil
}

// String implements fmt.Stringer for log output
func (d *DeadLetterEntry) String() string {
	id := d.Raw[FieldEventID]
	if d.Event != nil {
		id = d.Event.EventID
	}
	return fmt.Sprintf("dead letter %s (event %s, retries %d): %s", d.LogEntryID, id, d.RetryCount, d.ErrorMessage)
}
