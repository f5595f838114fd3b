package state

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TopologyCfg describes a simulated mesh: the nodes to run and which of them can hear each other.
//
// Graph lines either connect every listed node/group with each other ("1, 2, 3") or define a
// group ("edge = 4, 5"). Groups may contain other groups.
type TopologyCfg struct {
	Nodes   []NodeCfg     `yaml:"nodes"`
	Graph   []string      `yaml:"graph"`
	Latency time.Duration `yaml:"latency,omitempty"`
	Loss    float64       `yaml:"loss,omitempty"`
}

func (t *TopologyCfg) NodeIds() []NodeId {
	ids := make([]NodeId, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		ids = append(ids, n.Id)
	}
	return ids
}

// Links expands the graph into the set of radio links.
func (t *TopologyCfg) Links() ([]Pair[NodeId, NodeId], error) {
	return ParseGraph(t.Graph, t.NodeIds())
}

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

// ParseGraph returns every link described by graph, each as a sorted pair.
func ParseGraph(graph []string, nodes []NodeId) ([]Pair[NodeId, NodeId], error) {
	names := make([]string, 0, len(nodes))
	byName := make(map[string]NodeId)
	for _, n := range nodes {
		names = append(names, n.String())
		byName[n.String()] = n
	}

	symbols := slices.Clone(names)
	// pass 0, collect group names
	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if !strings.Contains(line, "=") {
			continue
		}
		spl := strings.Split(line, "=")
		if len(spl) != 2 {
			return nil, fmt.Errorf("invalid graph: %s. group definition must contain one '='", line)
		}
		grp := strings.TrimSpace(spl[0])
		if _, err := strconv.Atoi(grp); err == nil {
			return nil, fmt.Errorf("group name must not be a node id: %s", grp)
		}
		symbols = append(symbols, grp)
	}
	slices.Sort(symbols)
	symbols = slices.Compact(symbols)

	// group -> groups it still depends on
	topo := make(map[string][]string)
	expansion := make(map[string][]NodeId)
	groups := make(map[string]bool)
	var edges []Pair[string, string]

	// pass 1, parse definitions and edges
	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "=") {
			spl := strings.Split(line, "=")
			grp := strings.TrimSpace(spl[0])
			if groups[grp] {
				return nil, fmt.Errorf("duplicate group name: %s", grp)
			}
			groups[grp] = true
			lst, err := parseSymbolList(spl[1], symbols)
			if err != nil {
				return nil, err
			}
			deps := make([]string, 0)
			for _, l := range lst {
				if id, ok := byName[l]; ok {
					expansion[grp] = append(expansion[grp], id)
				} else {
					deps = append(deps, l)
				}
			}
			slices.Sort(deps)
			topo[grp] = slices.Compact(deps)
			continue
		}
		lst, err := parseSymbolList(line, symbols)
		if err != nil {
			return nil, err
		}
		if len(lst) < 2 {
			return nil, fmt.Errorf("invalid pairing, %v", lst)
		}
		for i := range lst {
			for _, other := range lst[:i] {
				edges = append(edges, MakeSortedPair(other, lst[i]))
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
			for k := range topo {
				cycle = append(cycle, k)
			}
			slices.Sort(cycle)
			return nil, fmt.Errorf("cycle detected in graph: %v", cycle)
		}
		delete(topo, group)
		for k, deps := range topo {
			if idx := slices.Index(deps, group); idx != -1 {
				expansion[k] = append(expansion[k], expansion[group]...)
				topo[k] = slices.Delete(deps, idx, idx+1)
			}
		}
	}

	resolve := func(sym string) []NodeId {
		if id, ok := byName[sym]; ok {
			return []NodeId{id}
		}
		return expansion[sym]
	}

	// pass 3, rewrite edges between node ids
	links := make([]Pair[NodeId, NodeId], 0)
	for _, e := range edges {
		for _, a := range resolve(e.V1) {
			for _, b := range resolve(e.V2) {
				if a != b {
					links = append(links, MakeSortedPair(a, b))
				}
			}
		}
	}
	SortPairs(links)
	return slices.Compact(links), nil
}
