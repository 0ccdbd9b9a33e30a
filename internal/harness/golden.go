package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders the trace and audit trail of a run as stable text.
// Timestamps and operation ids are left out; both vary with the clock
// and id generator rather than with behavior.
func Snapshot(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)

	buf.WriteString("trace:\n")
	for _, ev := range result.Trace {
		fmt.Fprintf(&buf, "  %d %s", ev.Seq, ev.Op)
		if ev.Entity != "" {
			fmt.Fprintf(&buf, " %s", ev.Entity)
		}
		if ev.Alias != "" {
			fmt.Fprintf(&buf, " (%s)", ev.Alias)
		}
		fmt.Fprintf(&buf, " -> %s", ev.Outcome)
		if len(ev.Changed) > 0 {
			fmt.Fprintf(&buf, " [%s]", strings.Join(ev.Changed, ", "))
		}
		if ev.Error != "" {
			fmt.Fprintf(&buf, " %s", ev.Error)
		}
		buf.WriteByte('\n')
	}

	buf.WriteString("audit:\n")
	for _, r := range result.Audit {
		fmt.Fprintf(&buf, "  %s#%d %s %s actor=%q detail=%q\n",
			r.Kind, r.EntityID, r.Event, r.Code, r.Actor, r.Detail)
	}
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario, nil)
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(name, result))
}
