package rcm

import (
	"fmt"
	"strings"
)

const (
	idPrefix = "rcm"
	idSep    = "_"
)

// RequestID derives the identifier caching and deduplication layers key a request
// by. cmd, query_id, self_pid and front_server_id are required.
//
//	without query_date: rcm_<cmd>_<self_pid>_<front_server_id>_<query_id>[_<query_addr>]
//	with query_date:    <cmd>_<query_date>_<self_pid>_<front_server_id>_<query_id>[_<query_addr>]
//
// Field order and separator are part of the contract.
func (d *Document) RequestID() (string, error) {
	required := [...]string{"cmd", "query_id", "self_pid", "front_server_id"}
	var vals [len(required)]string
	for i, k := range required {
		v, ok := d.Get(k)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingField, k)
		}
		vals[i] = v
	}
	cmd, queryID, selfPid, frontServerID := vals[0], vals[1], vals[2], vals[3]

	parts := make([]string, 0, 7)
	if date, ok := d.Get("query_date"); ok {
		parts = append(parts, cmd, date)
	} else {
		parts = append(parts, idPrefix, cmd)
	}
	parts = append(parts, selfPid, frontServerID, queryID)
	if addr, ok := d.Get("query_addr"); ok {
		parts = append(parts, addr)
	}
	return strings.Join(parts, idSep), nil
}
