package nostr

import (
	"encoding/json"
	"errors"
)

// Client-to-relay and relay-to-client frame labels (NIP-01).
const (
	MsgReq    = "REQ"
	MsgEvent  = "EVENT"
	MsgEOSE   = "EOSE"
	MsgNotice = "NOTICE"
	MsgClosed = "CLOSED"
)

// Filter is the subscription filter this system sends. Only the fields we
// actually query with are modeled.
type Filter struct {
	Kinds []int `json:"kinds,omitempty"`
	Limit int   `json:"limit,omitempty"`
}

// ReqFrame builds the ["REQ", <subID>, <filter>] array for WriteJSON.
func ReqFrame(subID string, filter Filter) []interface{} {
	return []interface{}{MsgReq, subID, filter}
}

// Message is one parsed relay-to-client frame.
type Message struct {
	Type  string
	SubID string
	Event *Event // set for EVENT frames
	Text  string // NOTICE text or CLOSED reason
}

// ParseMessage decodes a single relay frame. Any frame that is not valid
// JSON or does not follow the array shape returns an error; callers skip
// such frames and keep reading. Frame labels we do not handle come back
// with just Type set so callers can ignore them by name.
func ParseMessage(data []byte) (*Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, err
	}
	if len(arr) < 2 {
		return nil, errors.New("frame too short")
	}

	var typ string
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return nil, err
	}

	msg := &Message{Type: typ}
	switch typ {
	case MsgEvent:
		if len(arr) < 3 {
			return nil, errors.New("EVENT frame missing payload")
		}
		if err := json.Unmarshal(arr[1], &msg.SubID); err != nil {
			return nil, err
		}
		var evt Event
		if err := json.Unmarshal(arr[2], &evt); err != nil {
			return nil, err
		}
		msg.Event = &evt
	case MsgEOSE:
		if err := json.Unmarshal(arr[1], &msg.SubID); err != nil {
			return nil, err
		}
	case MsgClosed:
		if err := json.Unmarshal(arr[1], &msg.SubID); err != nil {
			return nil, err
		}
		if len(arr) >= 3 {
			_ = json.Unmarshal(arr[2], &msg.Text)
		}
	case MsgNotice:
		_ = json.Unmarshal(arr[1], &msg.Text)
	}
	return msg, nil
}
