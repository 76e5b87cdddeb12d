package nodeprobe

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/isitobservable/netcheck/pkg/types"
)

// Report is the classification of one pingmany run.
type Report struct {
	Reachable   []string
	Unreachable []string
}

var (
	headerRe  = regexp.MustCompile(`^---\s+(\S+)\s+ping statistics\s+---$`)
	summaryRe = regexp.MustCompile(`^(\d+) packets transmitted, (\d+) (?:packets )?received\b`)
	bytesRe   = regexp.MustCompile(`^\d+ bytes from `)
)

// chatterPrefixes are per-packet and diagnostic lines ping prints outside the
// statistics blocks. They carry no classification.
var chatterPrefixes = []string{
	"PING ",
	"From ",
	"Request timeout",
	"no answer yet",
	"rtt ",
	"round-trip ",
	"ping: ",
}

// ParseReport classifies every target from pingmany's output. Each target
// must have exactly one statistics block: a header line followed directly
// by its transmitted/received summary. A target is reachable only when one
// packet was sent and one reply received. Any other line shape is an error.
func ParseReport(output string, targets []string) (Report, error) {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	seen := make(map[string]bool, len(targets))

	var rep Report
	lines := strings.Split(output, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t\r")
		if line == "" || isChatter(line) {
			continue
		}

		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			return Report{}, parseError(i+1, "unrecognized line %q", line)
		}
		ip := m[1]
		if _, err := netip.ParseAddr(ip); err != nil {
			return Report{}, parseError(i+1, "statistics header names %q, not an IP address", ip)
		}
		if !want[ip] {
			return Report{}, parseError(i+1, "statistics for %s, which was not a target", ip)
		}
		if seen[ip] {
			return Report{}, parseError(i+1, "duplicate statistics for %s", ip)
		}
		seen[ip] = true

		if i+1 >= len(lines) {
			return Report{}, parseError(i+1, "statistics for %s have no summary line", ip)
		}
		i++
		summary := strings.TrimRight(lines[i], " \t\r")
		s := summaryRe.FindStringSubmatch(summary)
		if s == nil {
			return Report{}, parseError(i+1, "expected summary for %s, got %q", ip, summary)
		}
		sent, _ := strconv.Atoi(s[1])
		received, _ := strconv.Atoi(s[2])
		if sent == 1 && received == 1 {
			rep.Reachable = append(rep.Reachable, ip)
		} else {
			rep.Unreachable = append(rep.Unreachable, ip)
		}
	}

	var missing []string
	for _, t := range targets {
		if !seen[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return Report{}, &types.CheckError{
			Code:    types.ErrCodeParse,
			Message: "no statistics for " + strings.Join(missing, ", "),
		}
	}
	return rep, nil
}

func isChatter(line string) bool {
	if bytesRe.MatchString(line) {
		return true
	}
	for _, p := range chatterPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func parseError(lineNo int, format string, args ...any) error {
	return &types.CheckError{
		Code:    types.ErrCodeParse,
		Message: fmt.Sprintf(format, args...),
		Detail:  fmt.Sprintf("line %d", lineNo),
	}
}
