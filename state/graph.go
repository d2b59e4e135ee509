package state

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

func parseSymbolList(s string, validSymbols []string) ([]string, error) {
	spl := strings.Split(strings.TrimSpace(s), ",")
	line := make([]string, 0)
	for _, s := range spl {
		x := strings.TrimSpace(s)
		if x == "" {
			continue
		}
		if !slices.Contains(validSymbols, x) {
			return nil, fmt.Errorf(`%s is not a valid node/group`, x)
		}
		line = append(line, x)
	}
	if len(line) == 0 {
		return nil, fmt.Errorf(`node/group list must not be empty`)
	}
	slices.Sort(line)
	return line, nil
}

/*
ParseGraph parses a mesh topology. The syntax is something like this:

	edge = 1, 2, 3

	core = 4, 5

	edge, core, 9 // every node in edge and core is linked to 9, and edge is linked to core, but not within edge or core

	core, core // every node in core is linked to every other node in core

	7, 8 // 7 and 8 are linked

nodes is the set of node ids the graph evaluates down to
*/
func ParseGraph(graph []string, nodes []NodeId) ([]Pair[NodeId, NodeId], error) {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, strconv.Itoa(int(n)))
	}
	isNode := func(s string) bool {
		return slices.Contains(names, s)
	}

	parsedPairings := make([]Pair[string, string], 0)
	groups := make(map[string][]string)
	symbols := slices.Clone(names)

	// pass 0, collect all symbols
	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.Contains(line, "=") {
			spl := strings.Split(line, "=")
			if len(spl) != 2 {
				return nil, fmt.Errorf("invalid graph: %s. group definition must contain one '='", line)
			}
			grp := strings.TrimSpace(spl[0])
			if isNode(grp) {
				return nil, fmt.Errorf("group name must not be a node id: %s", grp)
			}
			symbols = append(symbols, grp)
		}
	}
	slices.Sort(symbols)
	symbols = slices.Compact(symbols)

	// map: group -> groups it depends on, used for topological sorting
	topo := make(map[string][]string)
	expansion := make(map[string][]string)

	// pass 1, parse lines
	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		if strings.Contains(line, "=") {
			spl := strings.Split(line, "=")
			grp := strings.TrimSpace(spl[0])
			if _, ok := groups[grp]; ok {
				return nil, fmt.Errorf("duplicate group name: %s", grp)
			}
			lst, err := parseSymbolList(spl[1], symbols)
			if err != nil {
				return nil, err
			}
			deps := make([]string, 0)
			for _, l := range lst {
				if !isNode(l) {
					deps = append(deps, l)
				} else {
					expansion[grp] = append(expansion[grp], l)
				}
			}
			slices.Sort(deps)
			topo[grp] = slices.Compact(deps)
			groups[grp] = lst
		} else {
			lst, err := parseSymbolList(line, symbols)
			if err != nil {
				return nil, err
			}
			if len(lst) < 2 {
				return nil, fmt.Errorf("invalid pairing, %v", lst)
			}
			for i, a := range lst {
				for _, b := range lst[:i] {
					parsedPairings = append(parsedPairings, MakeSortedPair(a, b))
				}
			}
		}
	}

	// pass 2, expand groups in topological order
	for len(topo) > 0 {
		var group string
		for k, v := range topo {
			if len(v) == 0 {
				group = k
				break
			}
		}
		if group == "" {
			cycle := make([]string, 0, len(topo))
			for g := range topo {
				cycle = append(cycle, g)
			}
			slices.Sort(cycle)
			return nil, fmt.Errorf("cycle detected in graph: %v", cycle)
		}
		delete(topo, group)

		for k, deps := range topo {
			if slices.Contains(deps, group) {
				expansion[k] = append(expansion[k], expansion[group]...)
				slices.Sort(expansion[k])
				expansion[k] = slices.Compact(expansion[k])
				topo[k] = slices.DeleteFunc(deps, func(d string) bool {
					return d == group
				})
			}
		}
	}

	// pass 3, rewrite pairings in terms of nodes
	expand := func(sym string) []NodeId {
		if isNode(sym) {
			return []NodeId{mustNodeId(sym)}
		}
		out := make([]NodeId, 0, len(expansion[sym]))
		for _, x := range expansion[sym] {
			out = append(out, mustNodeId(x))
		}
		return out
	}
	pairings := make([]Pair[NodeId, NodeId], 0)
	for _, pair := range parsedPairings {
		for _, x := range expand(pair.V1) {
			for _, y := range expand(pair.V2) {
				if x != y {
					pairings = append(pairings, MakeSortedPair(x, y))
				}
			}
		}
	}
	SortPairs(pairings)
	return slices.Compact(pairings), nil
}

func mustNodeId(s string) NodeId {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		panic(err)
	}
	return NodeId(v)
}
