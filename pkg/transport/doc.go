/*
Package transport defines the request/response contract between the client
core and the server.

The wire protocol itself (HTTP, websocket, TLS details) is an external
collaborator: the core only consumes the Client interface, where every
method is one request/response exchange. Responses are tagged unions — one
interface per command with one struct per server status — consumed with
exhaustive type switches:

	rep, err := client.VlobCreate(ctx, transport.NewVlobCreateReq(...))
	if err != nil {
		// transport failure, wraps ErrOffline
	}
	switch r := rep.(type) {
	case transport.VlobWriteRepOk:
	case transport.VlobWriteRepRequireGreaterTimestamp:
		// retry with a timestamp > r.StrictlyGreaterThan
	...
	}

Requests carry a `cmd` tag and CBOR struct tags so a concrete transport can
serialize them directly; the New*Req constructors fill the tag.

A transport error (server unreachable) is reported as an error wrapping
ErrOffline and means "retry later"; everything the server actually answered
is a Rep value, never an error.
*/
package transport
