package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
)

const (
	okSymbol   = "✔"
	failSymbol = "✗"
	skipSymbol = "-"
)

type palette struct {
	ok, fail, skip *color.Color
}

func newPalette(useColor bool) palette {
	p := palette{
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed),
		skip: color.New(color.FgYellow),
	}
	for _, c := range []*color.Color{p.ok, p.fail, p.skip} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// WriteSummary renders a deterministic human-readable report that always
// ends with an explicit PASS or FAIL line.
func WriteSummary(w io.Writer, r RunResult, useColor bool) error {
	p := newPalette(useColor)
	var b strings.Builder

	if len(r.Nodes) > 0 {
		b.WriteString("Node connectivity:\n")
		for _, name := range sortedKeys(r.Nodes) {
			n := r.Nodes[name]
			switch {
			case n.Error != "":
				fmt.Fprintf(&b, "  %s %s (%s) error: %s\n", p.fail.Sprint(failSymbol), n.Name, n.IP, n.Error)
			case len(n.Unreachable) > 0:
				fmt.Fprintf(&b, "  %s %s (%s) cannot reach %s\n", p.fail.Sprint(failSymbol), n.Name, n.IP, strings.Join(n.Unreachable, " "))
			default:
				fmt.Fprintf(&b, "  %s %s (%s) reaches all %d peers\n", p.ok.Sprint(okSymbol), n.Name, n.IP, len(n.Reachable))
			}
		}
		if missing := r.unaddressedNodes(); len(missing) > 0 {
			fmt.Fprintf(&b, "  %s not probed by any peer (no address): %s\n", p.fail.Sprint(failSymbol), strings.Join(missing, " "))
		}
	}

	if len(r.ControlPlanes) > 0 {
		b.WriteString("Control-plane connectivity:\n")
		for _, ns := range sortedKeys(r.ControlPlanes) {
			cp := r.ControlPlanes[ns]
			switch cp.Status {
			case StatusSuccess:
				fmt.Fprintf(&b, "  %s %s %s -> %s\n", p.ok.Sprint(okSymbol), ns, cp.APIServer, cp.Etcd)
			case StatusSkipped:
				fmt.Fprintf(&b, "  %s %s skipped: %s\n", p.skip.Sprint(skipSymbol), ns, cp.Detail)
			default:
				fmt.Fprintf(&b, "  %s %s failed: %s\n", p.fail.Sprint(failSymbol), ns, cp.Detail)
			}
		}
	}

	for _, pe := range r.PhaseErrors {
		fmt.Fprintf(&b, "%s %s phase failed: %s\n", p.fail.Sprint(failSymbol), pe.Phase, pe.Error)
	}

	executed, failed, skipped := r.counts()
	if r.Success {
		fmt.Fprintf(&b, "%s all %d tests successful, %d skipped\n", p.ok.Sprint("PASS:"), executed, skipped)
	} else {
		fmt.Fprintf(&b, "%s %d/%d tests failed, %d skipped, %d phase errors\n", p.fail.Sprint("FAIL:"), failed, executed, skipped, len(r.PhaseErrors))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (r RunResult) unaddressedNodes() []string {
	var out []string
	for _, name := range sortedKeys(r.Nodes) {
		if r.Nodes[name].IP == "" {
			out = append(out, name)
		}
	}
	return out
}

// counts returns executed, failed and skipped target totals.
func (r RunResult) counts() (executed, failed, skipped int) {
	for _, n := range r.Nodes {
		executed++
		if n.Status == StatusFailure {
			failed++
		}
	}
	for _, cp := range r.ControlPlanes {
		switch cp.Status {
		case StatusSkipped:
			skipped++
		case StatusFailure:
			executed++
			failed++
		default:
			executed++
		}
	}
	return executed, failed, skipped
}

// WriteJSON renders the result as indented JSON.
func WriteJSON(w io.Writer, r RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
