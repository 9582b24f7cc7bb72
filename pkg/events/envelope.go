package events

import (
	"encoding/json"
	"time"
)

// Envelope is the wire form of an event shared by the NATS and websocket sinks
type Envelope struct {
	Kind  Kind        `json:"kind"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
	Error string      `json:"error,omitempty"`
}

func NewEnvelope(ev Event, now time.Time) Envelope {
	env := Envelope{
		Kind: ev.Kind(),
		Time: now.UTC(),
		Data: ev,
	}
	if failed, ok := ev.(RestartFailed); ok && failed.Err != nil {
		env.Error = failed.Err.Error()
	}
	if polled, ok := ev.(PollFailed); ok {
		env.Error = polled.Message
	}
	return env
}

// Marshal encodes ev as an envelope stamped with the current time
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(NewEnvelope(ev, time.Now()))
}
