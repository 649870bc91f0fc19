// Package device turns user-agent strings into display names for session listings.
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

const unknownDevice = "Unknown Device"

// ParseUserAgent returns a short name such as "Chrome on Mac OS X".
func ParseUserAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return unknownDevice
	}

	parsed := useragent.New(ua)
	browser, _ := parsed.Browser()
	if parsed.Bot() {
		browser = "Bot"
	}
	browser = strings.TrimSpace(browser)
	if browser == "" {
		browser = "Unknown Browser"
	}

	return browser + " on " + osName(parsed)
}

func osName(ua *useragent.UserAgent) string {
	platform := strings.TrimSpace(ua.Platform())
	switch platform {
	case "iPhone", "iPad", "iPod":
		return platform
	}
	if name := strings.TrimSpace(ua.OSInfo().Name); name != "" {
		return name
	}
	if platform != "" {
		return platform
	}
	return "Unknown OS"
}
