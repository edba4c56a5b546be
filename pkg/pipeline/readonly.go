package pipeline

import (
	"context"
	"strings"

	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
)

// Read-only method prefixes (List*, Get*, Inspect*, Watch*...).
var readOnlyPrefixes = []string{
	"List",
	"Get",
	"Inspect",
	"Watch",
	"Describe",
	"Show",
	"Check",
}

// readOnlyRole is the role label of authorization decisions made by ReadOnly.
const readOnlyRole = "read-only"

// ReadOnly rejects every method that does not look like a read. It is meant
// for listeners that must not mutate cluster state, such as a local socket.
// Decisions are counted on rec, which may be nil.
func ReadOnly(rec *metrics.Recorder) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			if !IsReadOnlyMethod(call.FullMethod) {
				if rec != nil {
					rec.RecordAuthzFailure(call.Service, call.Method, readOnlyRole)
				}
				return nil, rpcerr.WithContext(
					rpcerr.Authorization(call.Method, "write", call.Principal),
					map[string]any{"listener": "read-only"},
				)
			}
			if rec != nil {
				rec.RecordAuthzSuccess(call.Service, call.Method, readOnlyRole)
			}
			return next(ctx, call)
		}
	}
}

// IsReadOnlyMethod checks if a gRPC method is read-only
func IsReadOnlyMethod(fullMethod string) bool {
	// "/proto.NodeService/ListNodes" -> "ListNodes"
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return false
	}
	methodName := parts[len(parts)-1]

	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(methodName, prefix) {
			return true
		}
	}

	// StreamEvents only reads
	return methodName == "StreamEvents"
}
