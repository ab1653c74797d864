package middlewares

// ContextKey is used to key context values.
type ContextKey int

const (
	// ContextKeySubject is used to store the authenticated subject of the
	// incoming request, taken from the bearer token.
	ContextKeySubject ContextKey = iota
	// ContextKeyRole is used to store the authenticated role of the incoming
	// request.
	ContextKeyRole ContextKey = iota
	// ContextIPAddress is used to store the ip address of the client for the incoming request,
	// this is found in either the request IP or the x-forwarded header.
	ContextIPAddress ContextKey = iota
	// ContextKeyTraceID is used to store the request trace id so handlers can
	// echo it in error bodies.
	ContextKeyTraceID ContextKey = iota
)
