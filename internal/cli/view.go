package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/ir"
)

// EntityView is the printable form of an entity.
type EntityView struct {
	Kind    string         `json:"kind"`
	ID      int64          `json:"id"`
	Status  string         `json:"status,omitempty"`
	Scope   int64          `json:"scope,omitempty"`
	Fields  map[string]any `json:"fields"`
	Updated time.Time      `json:"updated"`
}

func viewOf(e *entity.Entity) EntityView {
	fields := make(map[string]any, len(e.Values)+len(e.Members))
	for name, v := range e.Values {
		fields[name] = ir.Native(v)
	}
	for name, set := range e.Members {
		fields[name] = []int64(set)
	}
	return EntityView{
		Kind:    e.Kind,
		ID:      e.ID,
		Status:  e.Status,
		Scope:   e.Scope,
		Fields:  fields,
		Updated: e.Updated,
	}
}

func viewsOf(list []*entity.Entity) []EntityView {
	out := make([]EntityView, len(list))
	for i, e := range list {
		out[i] = viewOf(e)
	}
	return out
}

// writeEntities prints one line per entity with fields in name order.
func writeEntities(w io.Writer, views []EntityView) {
	for _, v := range views {
		var b strings.Builder
		fmt.Fprintf(&b, "%s#%d", v.Kind, v.ID)
		if v.Status != "" {
			fmt.Fprintf(&b, " [%s]", v.Status)
		}
		for _, name := range slices.Sorted(maps.Keys(v.Fields)) {
			fmt.Fprintf(&b, " %s=%v", name, v.Fields[name])
		}
		fmt.Fprintln(w, b.String())
	}
}
