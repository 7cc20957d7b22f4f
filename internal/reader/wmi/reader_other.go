//go:build !windows

package wmi

func (r Reader) wmiQuery(string, any, string) error {
	return ErrUnsupported
}
