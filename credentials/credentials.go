package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
)

// SSID returns the contents of the ssid.text file in this package's
// directory. Create ssid.text and password.text with the credentials
// of the network the device should join; keep them out of version
// control.
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the contents of the password.text file in this
// package's directory.
func Password() string {
	return strings.TrimSpace(pass)
}
