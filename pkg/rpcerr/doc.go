/*
Package rpcerr defines the closed error taxonomy shared by every stage of the
rpcguard pipeline and its mapping onto gRPC statuses.

Each error carries a Kind, a fixed Severity, a recoverability flag, a list of
human-readable recovery steps and a free-form context map:

	Kind                 Severity   Recoverable  gRPC code
	authentication       medium     yes          Unauthenticated
	authorization        medium     no           PermissionDenied
	validation           low        yes          InvalidArgument
	rate_limit           low        yes          ResourceExhausted
	service_unavailable  high       yes          Unavailable
	connection           high       yes          Unavailable
	certificate          critical   yes          Unavailable
	database             high/crit  either       Internal

Errors outside the taxonomy report KindUnknown and map to codes.Unknown.

# Wire format

ToStatus attaches an errdetails.ErrorInfo with Reason set to the kind and
Domain set to ErrorDomain. Its metadata holds the legacy error code, severity,
recoverability, the newline-joined recovery steps and every context entry
under a "ctx." prefix. Context values pass through the redact package first so
secrets never leave the process. Rate-limit errors also carry an
errdetails.RetryInfo with the computed wait. FromStatus reverses the mapping
on the client side.

# Usage

	if err := validate.Hostname(req.Hostname); err != nil {
		return nil, rpcerr.ToGRPCError(err)
	}

	if rpcerr.IsKind(err, rpcerr.KindRateLimit) {
		// back off
	}
*/
package rpcerr
