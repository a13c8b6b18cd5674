package model

import "encoding/json"

// Frame types exchanged over the parent and dialog websockets.
const (
	FrameRequest = "request"
	FrameReply   = "reply"
	FrameMessage = "message"
	FramePort    = "port"
	FrameClose   = "close"
	FrameReady   = "ready"
)

type (
	// Frame multiplexes ports over one connection; ID names the port.
	Frame struct {
		Type string          `json:"type"`
		ID   string          `json:"id,omitempty"`
		Body json.RawMessage `json:"body,omitempty"`
	}

	// Reply is the only shape ever posted on an RPC reply port: {result} or {error}.
	Reply struct {
		Result any
		Error  *ReplyError
	}

	ReplyError struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
)

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Error *ReplyError `json:"error"`
		}{r.Error})
	}
	return json.Marshal(struct {
		Result any `json:"result"`
	}{r.Result})
}

func (r *Reply) UnmarshalJSON(b []byte) error {
	var raw struct {
		Result json.RawMessage `json:"result"`
		Error  *ReplyError     `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Error = raw.Error
	r.Result = raw.Result
	return nil
}
