package audit

import (
	"strings"

	"github.com/mssola/useragent"
)

const (
	DeviceMobile  = "MOBILE"
	DeviceDesktop = "DESKTOP"
	DeviceBot     = "BOT"
	DeviceUnknown = "UNKNOWN"
)

type Device struct {
	Type     string
	Browser  string
	OS       string
	Platform string
}

// DescribeDevice parses a User-Agent header. A device type supplied by the
// client wins over the parsed one.
func DescribeDevice(userAgent, declaredType string) Device {
	declaredType = strings.ToUpper(strings.TrimSpace(declaredType))

	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		if declaredType == "" {
			declaredType = DeviceUnknown
		}
		return Device{Type: declaredType}
	}

	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	browser := name
	if version != "" {
		browser = name + " " + version
	}

	device := Device{
		Type:     declaredType,
		Browser:  browser,
		OS:       ua.OS(),
		Platform: ua.Platform(),
	}
	if device.Type == "" {
		switch {
		case ua.Bot():
			device.Type = DeviceBot
		case ua.Mobile():
			device.Type = DeviceMobile
		default:
			device.Type = DeviceDesktop
		}
	}
	return device
}
