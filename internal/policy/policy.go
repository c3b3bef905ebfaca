// Package policy implements the flat sender allow-list used to
// authorise outbound sms.send traffic. It is immutable once loaded,
// so reads never take a lock.
package policy

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// SenderPolicy is the immutable-after-load authorisation table.
type SenderPolicy struct {
	required bool
	allowed  map[string]struct{}
}

// Disabled returns a policy that authorises every sender, used when
// the daemon is configured without an allow-list file.
func Disabled() *SenderPolicy {
	return &SenderPolicy{required: false}
}

// Load reads a plain-text allow-list: one phone number per line,
// blank lines and lines starting with '#' ignored.
func Load(path string) (*SenderPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadFrom(f)
}

func loadFrom(r io.Reader) (*SenderPolicy, error) {
	p := &SenderPolicy{required: true, allowed: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.allowed[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Allowed reports whether sender may submit outbound traffic. With no
// allow-list configured, every sender is allowed.
func (p *SenderPolicy) Allowed(sender string) bool {
	if !p.required {
		return true
	}
	_, ok := p.allowed[sender]
	return ok
}
