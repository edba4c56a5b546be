/*
Package validate checks the primitive field shapes used by cluster-management
requests: hostnames, IPv4 addresses, UUIDs, MAC addresses, resource labels,
bounded strings and ports.

Every function returns the normalized value (lowercased where the shape is
case-insensitive) or a *rpcerr.Error of kind validation whose context carries
field, reason and value, plus the rule name and a stable reason_code used as a
metrics label.

The functions are pure and safe for concurrent use.

For request structs, Validator wraps go-playground/validator with custom tags
that reuse the same rules:

	type RegisterNodeRequest struct {
		Hostname string `json:"hostname" validate:"required,hostname_rfc1123l"`
		Address  string `json:"address" validate:"required,ipv4_strict"`
		NodeID   string `json:"node_id" validate:"omitempty,uuid_canonical"`
	}

	if err := validate.Default().Request(req); err != nil {
		return err
	}
*/
package validate
