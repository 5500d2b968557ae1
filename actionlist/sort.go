package actionlist

import (
	"github.com/superfly/blockplan/action"
)

// actionNode pairs an action with its registration index for reporting.
type actionNode struct {
	index  int
	placed bool
	action *action.Action
}

// sortActions returns the pending actions in execution order. Requirement
// edges are derived pairwise from the actions themselves; among actions
// whose requirements are all satisfied, the earliest-registered runs first,
// so the order is fully deterministic for a given plan. A requirement cycle
// means the plan is unsatisfiable and fails with a PartitioningError.
func (l *List) sortActions() ([]*actionNode, error) {
	n := len(l.actions)
	nodes := make([]*actionNode, n)
	for i, a := range l.actions {
		nodes[i] = &actionNode{index: i, action: a}
	}

	indeg := make([]int, n)
	succ := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if l.actions[i].Requires(l.actions[j]) {
				succ[j] = append(succ[j], i)
				indeg[i]++
			}
		}
	}

	out := make([]*actionNode, 0, n)
	for len(out) < n {
		// Pick the earliest-registered ready action. Linear scan keeps the
		// tie break trivially correct; plans are tens of actions, not
		// thousands.
		pick := -1
		for i := 0; i < n; i++ {
			if indeg[i] == 0 && !nodes[i].placed {
				pick = i
				break
			}
		}
		if pick < 0 {
			var stuck []string
			for i := 0; i < n; i++ {
				if !nodes[i].placed {
					stuck = append(stuck, l.actions[i].String())
				}
			}
			return nil, &PartitioningError{Reason: "requirement cycle among pending actions", Actions: stuck}
		}
		nodes[pick].placed = true
		indeg[pick] = -1
		out = append(out, nodes[pick])
		for _, s := range succ[pick] {
			indeg[s]--
		}
	}
	return out, nil
}

// SortedSummaries returns the execution-order action summaries, for
// inspection and dry runs.
func (l *List) SortedSummaries() ([]string, error) {
	nodes, err := l.sortActions()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.action.String()
	}
	return out, nil
}
