/*
Package audit records every RPC as an append-only stream of flat events.

Each call yields one rpc_call event before dispatch and exactly one terminal
rpc_success or rpc_error event afterwards. Events are serialized to JSON and
the whole line is passed through redact.Bytes; request payloads are redacted
once more on their own, before they are embedded as a string.

Sinks:

	WriterSink  JSON lines to stdout or an append-only file
	BoltSink    bbolt bucket keyed by sequence, readable with Events()
	MemorySink  in-process, for tests
	AsyncSink   buffered queue in front of another sink; Close drains
	Tee         fan-out to several sinks

A failing sink never fails the call: the Logger logs the error and bumps
audit_events_dropped_total. With a Signer configured, every event carries
the previous event's signature and its own HMAC-SHA256, and Verify checks a
read-back chain. Signed writes are serialized so the chain follows sink
order; unsigned writes are not. ChainHead reads the newest event back from a
bolt or file sink so a restarted process continues the chain.
*/
package audit
