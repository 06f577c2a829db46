package connection

// RPCError represents a remote procedure error returned by the backend.
type RPCError struct {
	Code    int    `cbor:"code" json:"code"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return r.Message
}

// RPCRequest represents an outgoing request.
type RPCRequest struct {
	ID     string `cbor:"id" json:"id"`
	Method string `cbor:"method,omitempty" json:"method,omitempty"`
	Params []any  `cbor:"params,omitempty" json:"params,omitempty"`
}

// RPCResponse represents an incoming response. Messages without an ID are
// change-feed notifications rather than responses.
type RPCResponse[T any] struct {
	ID     string    `cbor:"id" json:"id"`
	Error  *RPCError `cbor:"error,omitempty" json:"error,omitempty"`
	Result *T        `cbor:"result,omitempty" json:"result,omitempty"`
}
