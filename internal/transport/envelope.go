package transport

import "encoding/json"

// Envelope is the wire JSON-RPC 2.0 shape the gateway proxies verbatim.
// Requests carry Method/Params; responses carry Result xor Error;
// notifications omit ID.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsNotification reports whether the envelope omits an id.
func (e *Envelope) IsNotification() bool { return len(e.ID) == 0 }

// IsResponse reports whether the envelope carries a result or error.
func (e *Envelope) IsResponse() bool { return e.Result != nil || e.Error != nil }

// SameID reports whether two envelopes carry byte-identical id fields.
func SameID(a, b json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
