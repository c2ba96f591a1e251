package gateway

import (
	"context"
	"net/netip"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
)

// Opener hands a validated URL to the system browser.
type Opener func(ctx context.Context, url string) error

// SystemOpener launches the platform's URL handler and does not wait for
// it to exit. The handler outlives the request.
func SystemOpener(_ context.Context, target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// internalSuffixes are name suffixes that only resolve on the local machine
// or network.
var internalSuffixes = []string{".localhost", ".local", ".internal", ".home.arpa"}

// checkExternalURL accepts absolute http and https URLs to public hosts.
// Loopback, private, link-local and other non-routable targets are refused
// so the channel cannot reach services on this machine or network. Names
// are not resolved.
func checkExternalURL(raw string) (*url.URL, error) {
	const name = "url"

	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return nil, reject(name, "malformed url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, reject(name, "malformed url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, reject(name, "scheme %q is not allowed", u.Scheme)
	}
	if u.Opaque != "" || u.Host == "" {
		return nil, reject(name, "url must be absolute")
	}
	if u.User != nil {
		return nil, reject(name, "credentials in url are not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, reject(name, "missing host")
	}
	if host == "localhost" {
		return nil, reject(name, "local targets are not allowed")
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, reject(name, "local targets are not allowed")
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !publicAddr(addr) {
			return nil, reject(name, "address %s is not publicly routable", addr)
		}
		return u, nil
	}
	// Browsers read "2130706433", "0x7f.1" and "127.1" as IPv4 addresses.
	// Anything shaped like a number that is not a canonical public
	// dotted quad is refused.
	if numericHost(host) {
		return nil, reject(name, "non-canonical numeric host %q", host)
	}
	return u, nil
}

func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsGlobalUnicast() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!sharedAddressSpace.Contains(addr)
}

// RFC 6598 carrier-grade NAT range.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func numericHost(host string) bool {
	labels := strings.Split(host, ".")
	last := labels[len(labels)-1]
	if last == "" {
		return false
	}
	if strings.HasPrefix(last, "0x") {
		return true
	}
	for _, r := range last {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
