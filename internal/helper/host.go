package helper

import (
	"net"

	"github.com/tidwall/match"
)

// MatchHost reports whether address ("host:port") matches one of the host
// patterns. Patterns may use * and ? wildcards; a pattern with a port only
// matches that port.
func MatchHost(address string, hosts []string) bool {
	hostname, port := splitPattern(address)
	for _, host := range hosts {
		h, p := splitPattern(host)
		if p != "" && p != port {
			continue
		}
		if match.Match(hostname, h) {
			return true
		}
	}
	return false
}

func splitPattern(s string) (string, string) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return s, ""
	}
	return host, port
}
