// Package protocol defines the wire records exchanged between relay and
// agent over a control channel, and the codec that serializes them.
package protocol

// Header is a single ordered (name, value) pair. Requests and responses
// carry headers as an ordered sequence rather than a map so that
// duplicate-name headers and input order survive the round trip.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered sequence of Header pairs.
type Headers []Header

// Get returns the value of the first header matching name, case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if equalFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is the serialized form of one public inbound HTTP exchange,
// relayed from the relay to the agent.
type Request struct {
	ID      string  `json:"id"`
	Method  string  `json:"method"`
	Path    string  `json:"path"`
	Headers Headers `json:"headers"`
	// Body is nil when the request carried no entity, distinct from a
	// present-but-empty body. The tag deliberately omits "omitempty":
	// encoding/json marshals a nil []byte as JSON null but a non-nil
	// (even zero-length) []byte as a quoted base64 string, and only
	// without "omitempty" does that distinction survive the round trip --
	// "omitempty" would drop the field for both cases alike.
	Body []byte `json:"body"`
}

// Response is the serialized form of the agent's answer to a Request,
// correlated back to the relay by ID.
type Response struct {
	ID      string  `json:"id"`
	Status  uint16  `json:"status"`
	Headers Headers `json:"headers"`
	// Body follows the same nil-vs-empty convention as Request.Body.
	Body []byte `json:"body"`
}
