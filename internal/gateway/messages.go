package gateway

// Client → server message kinds. Terminal input normally arrives as raw
// binary frames; the JSON envelope carries control messages and the input
// fallback for clients that cannot send binary.
const (
	KindOpen   = "open"
	KindInput  = "input"
	KindResize = "resize"
	KindClose  = "close"
)

// Server → client message kinds. Terminal output is sent as raw binary
// frames; these envelopes carry lifecycle events.
const (
	KindOpened = "opened"
	KindOutput = "output"
	KindClosed = "closed"
	KindError  = "error"
)

// ClientMessage is the JSON envelope for control messages from the browser.
type ClientMessage struct {
	Kind string `json:"kind"`
	// SessionID rebinds to an existing session on "open"; empty creates one.
	SessionID string `json:"session_id,omitempty"`
	HostID    uint   `json:"host_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// ServerMessage is the JSON envelope for lifecycle events to the browser.
type ServerMessage struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}
