//go:build windows

package wmi

import (
	stackwmi "github.com/StackExchange/wmi"
)

func (r Reader) wmiQuery(query string, dst any, machine string) error {
	args := []any{machine, r.config.Namespace}
	if r.config.User != "" {
		args = append(args, r.config.User, r.config.Password)
	}

	return stackwmi.Query(query, dst, args...)
}
