package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// EventKind is the closed set of trigger kinds a subscription can declare.
type EventKind int

const (
	KindInterval EventKind = iota
	KindFileChange
	KindAgentCompleted
)

var kindNames = map[EventKind]string{
	KindInterval:       "interval",
	KindFileChange:     "fileChange",
	KindAgentCompleted: "agentCompleted",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func ParseEventKind(s string) (EventKind, error) {
	for kind, name := range kindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k *EventKind) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseEventKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Event is one trigger firing, synthetic or real. Immutable once built;
// fan-out clones get a fresh ID via CloneWith.
type Event struct {
	ID          string         `json:"id"`
	Kind        EventKind      `json:"kind"`
	Timestamp   time.Time      `json:"timestamp"`
	TriggerName string         `json:"trigger_name"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func NewEvent(kind EventKind, triggerName string, payload map[string]any) Event {
	return Event{
		ID:          ulid.Make().String(),
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		TriggerName: triggerName,
		Payload:     payload,
	}
}

// CloneWith returns a copy of the event with a fresh ID and the extra
// payload fields merged in. The source event's payload is not mutated.
func (e Event) CloneWith(extra map[string]any) Event {
	payload := make(map[string]any, len(e.Payload)+len(extra))
	for k, v := range e.Payload {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	clone := e
	clone.ID = ulid.Make().String()
	clone.Payload = payload
	return clone
}
