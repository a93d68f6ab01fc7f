package util

import "net"

// IPClassification is the security class of a literal IP address in a redirect URI
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback covers 127.0.0.0/8 and ::1
	IPClassificationLoopback
	// IPClassificationPrivate covers RFC 1918 and fc00::/7
	IPClassificationPrivate
	// IPClassificationLinkLocal covers 169.254.0.0/16, fe80::/10 and ff02::/16
	IPClassificationLinkLocal
	// IPClassificationUnspecified covers 0.0.0.0 and ::
	IPClassificationUnspecified
)

// String returns the label used in logs and metrics
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil ip is unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		// includes the cloud metadata address 169.254.169.254
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLinkLocal reports whether ip is link-local unicast or multicast
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLoopbackHostname reports whether hostname is "localhost" or a loopback IP literal.
// It expects a hostname without port, as returned by url.URL.Hostname. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
