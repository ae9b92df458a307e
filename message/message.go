// Package message defines the units handed between the client and a transport.
//
// A Request wraps an already-encoded envelope together with the correlation id
// the client allocated for it. The transport decides how the id travels.
package message

// Request carries one encoded call.
type Request struct {
	ID       uint64 // Correlation id, unique among this client's in-flight calls
	Function string // Function name, kept for logging; it is also inside Envelope
	Envelope []byte // msgpack [name, args...]
}

// Response is what a transport delivers for a Request.
//
//   - Body is the encoded reply envelope, or nil when the peer sent none.
//   - Err is non-empty if the peer reported a failure for this call.
type Response struct {
	ID   uint64
	Body []byte
	Err  string
}
