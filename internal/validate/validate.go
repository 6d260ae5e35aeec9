// Package validate checks user-supplied configuration values before they
// reach the network layer.
package validate

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// groupNameRe matches printable group names without whitespace or control
// characters. Group names travel inside frames and appear in logs and
// status reports, so shell-hostile characters are fine but blanks are not.
var groupNameRe = regexp.MustCompile(`^[^\s]{1,128}$`)

// GroupName checks that a group name is non-empty, at most 128 characters
// and free of whitespace.
func GroupName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidGroupName)
	}
	if !groupNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-128 characters without whitespace", ErrInvalidGroupName, name)
	}
	return nil
}

// Port checks that p is a usable TCP port.
func Port(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	return nil
}

// Host checks that h is a plausible hostname or IP address. It accepts
// anything net.SplitHostPort-safe; the dial itself is the real test.
func Host(h string) error {
	if h == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidHost)
	}
	if strings.ContainsAny(h, " \t\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidHost, h)
	}
	if ip := net.ParseIP(h); ip != nil {
		return nil
	}
	if len(h) > 253 {
		return fmt.Errorf("%w: %q is too long for a hostname", ErrInvalidHost, h)
	}
	return nil
}
