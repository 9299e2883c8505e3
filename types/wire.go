package types

import "encoding/json"

// WebsocketMessage is the JSON envelope used in both directions on the
// websocket connection.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalWire serializes the event into its websocket envelope.
func (e *Event) MarshalWire() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: e.Name, Data: data})
}
