// Package message holds the JSON payloads exchanged over the broker.
//
// Field order matters: a job's name and arguments are derived from the
// positional fields of the message that started it, so payloads are decoded
// into an ordered map instead of a Go map.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keboola/go-utils/pkg/orderedmap"
	"github.com/spf13/cast"
)

// Well-known keys.
const (
	KeyHeader   = "header"
	KeyJobID    = "jobid"
	KeyStepID   = "stepid"
	KeyWorkflow = "workflow"
)

// Message is an ordered JSON object.
type Message struct {
	fields *orderedmap.OrderedMap
}

// New returns an empty message.
func New() *Message {
	return &Message{fields: orderedmap.New()}
}

// Decode parses a JSON object, keeping the order of its keys.
func Decode(b []byte) (*Message, error) {
	m := New()
	if err := json.Unmarshal(b, m.fields); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// MustDecode is Decode for literals in tests and fixtures.
func MustDecode(s string) *Message {
	m, err := Decode([]byte(s))
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.fields)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	fields := orderedmap.New()
	if err := json.Unmarshal(b, fields); err != nil {
		return err
	}
	m.fields = fields
	return nil
}

func (m *Message) Get(key string) (interface{}, bool) {
	return m.fields.Get(key)
}

func (m *Message) Set(key string, value interface{}) {
	m.fields.Set(key, value)
}

func (m *Message) Delete(key string) {
	m.fields.Delete(key)
}

func (m *Message) Keys() []string {
	return m.fields.Keys()
}

// Has reports whether key is present.
func (m *Message) Has(key string) bool {
	_, ok := m.fields.Get(key)
	return ok
}

// Map converts the message to a plain map, recursively.
func (m *Message) Map() map[string]interface{} {
	return m.fields.ToMap()
}

// Clone returns a deep copy.
func (m *Message) Clone() (*Message, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("clone message: %w", err)
	}
	return Decode(b)
}

// Decode unmarshals the message into v, typically a payload struct.
func (m *Message) Decode(v interface{}) error {
	b, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// String returns a named field converted to a string, or "" if absent.
func (m *Message) String(key string) string {
	v, ok := m.fields.Get(key)
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// Object returns a nested object field.
func (m *Message) Object(key string) (*Message, bool) {
	v, ok := m.fields.Get(key)
	if !ok {
		return nil, false
	}
	switch o := v.(type) {
	case *orderedmap.OrderedMap:
		return &Message{fields: o}, true
	case orderedmap.OrderedMap:
		return &Message{fields: &o}, true
	case *Message:
		return o, true
	default:
		return nil, false
	}
}

// Header returns the header object, creating an empty one when absent.
func (m *Message) Header() *Message {
	if h, ok := m.Object(KeyHeader); ok {
		return h
	}
	h := orderedmap.New()
	m.fields.Set(KeyHeader, h)
	return &Message{fields: h}
}

// Positional returns the values of all fields except the header, in order.
func (m *Message) Positional() []interface{} {
	keys := m.fields.Keys()
	values := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if k == KeyHeader {
			continue
		}
		v, _ := m.fields.Get(k)
		values = append(values, v)
	}
	return values
}

// JobID returns the job id carried by the message, looking at the top level
// first and at the header second.
func (m *Message) JobID() (int64, bool) {
	return m.id(KeyJobID)
}

// StepID returns the step id carried by the message.
func (m *Message) StepID() (int64, bool) {
	return m.id(KeyStepID)
}

func (m *Message) id(key string) (int64, bool) {
	if id, ok := toID(m.fields, key); ok {
		return id, true
	}
	if h, ok := m.Object(KeyHeader); ok {
		return toID(h.fields, key)
	}
	return 0, false
}

func toID(fields *orderedmap.OrderedMap, key string) (int64, bool) {
	v, ok := fields.Get(key)
	if !ok || v == nil {
		return 0, false
	}
	id, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Stringify renders a message value the way it appears in job names:
// scalars in their plain form, objects and lists as compact JSON.
func Stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case *orderedmap.OrderedMap, orderedmap.OrderedMap, []interface{}, map[string]interface{}, *Message:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// Args stringifies the positional fields.
func (m *Message) Args() []string {
	positional := m.Positional()
	args := make([]string, len(positional))
	for i, v := range positional {
		args[i] = Stringify(v)
	}
	return args
}

// JobName derives a job name from the workflow type and the positional
// fields of the message that starts it.
func JobName(workflowType string, args []string) string {
	return strings.Join(append([]string{workflowType}, args...), ".")
}
