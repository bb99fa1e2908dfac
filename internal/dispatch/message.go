package dispatch

import (
	"encoding/json"
	"time"

	"github.com/seantiz/runsync/internal/model"
)

// Message announces that a record reached a new state. It is immutable:
// the record is copied in and copied out.
type Message struct {
	id      string
	record  *model.Record
	trigger model.Trigger
	at      time.Time
}

// NewMessage wraps a copy of rec.
func NewMessage(rec *model.Record, trigger model.Trigger) Message {
	return Message{
		id:      model.NewID(),
		record:  rec.Clone(),
		trigger: trigger,
		at:      time.Now().UTC(),
	}
}

// ID returns the message's ULID.
func (m Message) ID() string { return m.id }

// Kind returns the record's kind.
func (m Message) Kind() string { return m.record.Kind }

// RecordID returns the ID of the carried record.
func (m Message) RecordID() string { return m.record.ID }

// Record returns a copy of the carried record.
func (m Message) Record() *model.Record { return m.record.Clone() }

// Trigger returns the trigger that produced the message.
func (m Message) Trigger() model.Trigger { return m.trigger }

// Time returns when the message was created.
func (m Message) Time() time.Time { return m.at }

type wireMessage struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind"`
	Trigger model.Trigger `json:"trigger,omitempty"`
	Time    time.Time     `json:"time"`
	Record  *model.Record `json:"record"`
}

// MarshalJSON encodes the message for external consumers.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:      m.id,
		Kind:    m.Kind(),
		Trigger: m.trigger,
		Time:    m.at,
		Record:  m.record,
	})
}
