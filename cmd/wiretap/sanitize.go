package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern  = regexp.MustCompile(`\+?\b1?\d{10}\b`)
	secretPattern = regexp.MustCompile(`(?i)^((?:Secret|Password|Md5sum|Key):\s*).+`)
)

// phoneKeys are headers whose values may carry a subscriber number.
var phoneKeys = []string{"CallerID", "ConnectedLine", "Channel", "DestChannel", "Exten", "DialString"}

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, sanitize(data), 0o644)
}

// sanitize redacts credentials, IP addresses other than loopback and phone
// numbers in caller and channel headers. Line endings are preserved.
func sanitize(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		body, cr := strings.CutSuffix(line, "\r")

		body = secretPattern.ReplaceAllString(body, "${1}REDACTED")
		body = ipPattern.ReplaceAllStringFunc(body, func(ip string) string {
			if ip == "127.0.0.1" {
				return ip
			}
			return "10.0.0.1"
		})
		if carriesNumber(body) {
			body = phonePattern.ReplaceAllString(body, "15550001234")
		}

		if cr {
			body += "\r"
		}
		lines[i] = body
	}
	return []byte(strings.Join(lines, "\n"))
}

func carriesNumber(line string) bool {
	key, _, ok := strings.Cut(line, ":")
	if !ok {
		return false
	}
	for _, k := range phoneKeys {
		if strings.HasPrefix(key, k) {
			return true
		}
	}
	return false
}
