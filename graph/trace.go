package graph

import (
	"fmt"
	"sort"
	"strings"
)

// TraceEntry records one step result of a run.
type TraceEntry struct {
	// PreviousIDs are the IDs of the results whose outputs fed this
	// invocation. Empty for the start step.
	PreviousIDs []string `json:"previous_result_ids"`

	// ResultID is the ID of the result this entry records.
	ResultID string `json:"result_id"`

	// Step is the name of the step that produced the result.
	Step string `json:"step"`

	// Outputs are the result's outputs.
	Outputs Values `json:"outputs"`

	// Err is the failure message of a failed result.
	Err string `json:"error,omitempty"`
}

// Trace is the ordered list of results produced by a run.
type Trace []TraceEntry

// Lineage is a run's trace as a DAG of results.
type Lineage struct {
	Nodes     []LineageNode
	Edges     []LineageEdge
	Roots     []string // results with no predecessor
	Terminals []string // results nothing consumed
}

// LineageNode is one result in a Lineage.
type LineageNode struct {
	ID     string
	Step   string
	Failed bool
}

// LineageEdge links a result to a result computed from its outputs.
type LineageEdge struct {
	From string
	To   string
}

// Lineage builds the result DAG of the trace. Edges pointing at results
// outside the trace are dropped.
func (t Trace) Lineage() Lineage {
	l := Lineage{
		Nodes:     []LineageNode{},
		Edges:     []LineageEdge{},
		Roots:     []string{},
		Terminals: []string{},
	}
	known := make(map[string]bool, len(t))
	for _, e := range t {
		known[e.ResultID] = true
	}

	consumed := make(map[string]bool)
	for _, e := range t {
		l.Nodes = append(l.Nodes, LineageNode{ID: e.ResultID, Step: e.Step, Failed: e.Err != ""})
		hasParent := false
		for _, p := range e.PreviousIDs {
			if !known[p] {
				continue
			}
			hasParent = true
			consumed[p] = true
			l.Edges = append(l.Edges, LineageEdge{From: p, To: e.ResultID})
		}
		if !hasParent {
			l.Roots = append(l.Roots, e.ResultID)
		}
	}
	for _, e := range t {
		if !consumed[e.ResultID] {
			l.Terminals = append(l.Terminals, e.ResultID)
		}
	}
	return l
}

// Steps returns how many results each step produced.
func (t Trace) Steps() map[string]int {
	counts := make(map[string]int)
	for _, e := range t {
		counts[e.Step]++
	}
	return counts
}

// DOT renders the lineage in Graphviz format. Failed results are drawn red.
func (l Lineage) DOT() string {
	var b strings.Builder
	b.WriteString("digraph run {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, n := range l.Nodes {
		attrs := fmt.Sprintf("label=%q", n.Step+"\n"+shortID(n.ID))
		if n.Failed {
			attrs += ", color=red"
		}
		fmt.Fprintf(&b, "  %q [%s];\n", n.ID, attrs)
	}
	edges := append([]LineageEdge(nil), l.Edges...)
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	for _, e := range edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
	}
	b.WriteString("}\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
