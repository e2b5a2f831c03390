// Package pushws carries feed push messages over a websocket.
//
// The client sends {"type":"subscribe","topic":"/topic/users/{id}"} after
// connecting; the server answers {"type":"subscribed"} and then one
// {"type":"message","payload":{...}} frame per notification.
package pushws

import "encoding/json"

const (
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameMessage    = "message"
	FrameError      = "error"
)

type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}
