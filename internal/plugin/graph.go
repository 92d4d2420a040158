// Package plugin resolves the declared plugin dependency graph. Only enabled
// plugins take part in it.
//
// A plugin with strict_dependencies waits for each of its depends_on plugins
// that is enabled, dependencies on disabled or unknown plugins are dropped.
// Without strict_dependencies depends_on is ignored and the plugin is
// independent of the others.
package plugin

import (
	"errors"
	"fmt"
	"slices"

	"github.com/honeyscan/honeyscan/internal/model"
)

var ErrCycle = errors.New("cyclic dependency detected among plugins")

// Graph is an immutable view over enabled plugins in topological order
type Graph struct {
	plugins map[string]model.Plugin
	deps    map[string][]string
	order   []string
}

// New builds the graph. The order is stable, ties are broken by the
// declaration order. ErrCycle is returned when no order exists.
func New(declared []model.Plugin) (*Graph, error) {
	g := &Graph{
		plugins: make(map[string]model.Plugin, len(declared)),
		deps:    make(map[string][]string, len(declared)),
	}
	var names []string
	for _, p := range declared {
		if !p.Enabled {
			continue
		}
		if _, ok := g.plugins[p.Name]; ok {
			return nil, fmt.Errorf("plugin %s: declared twice", p.Name)
		}
		g.plugins[p.Name] = p
		names = append(names, p.Name)
	}

	for _, name := range names {
		p := g.plugins[name]
		if !p.StrictDependencies {
			continue
		}
		for _, dep := range p.DependsOn {
			if _, ok := g.plugins[dep]; !ok || slices.Contains(g.deps[name], dep) {
				continue
			}
			g.deps[name] = append(g.deps[name], dep)
		}
	}

	order, err := g.sort(names)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// sort is Kahn's algorithm seeded in declaration order
func (g *Graph) sort(names []string) ([]string, error) {
	inDegree := make(map[string]int, len(names))
	for _, name := range names {
		inDegree[name] = len(g.deps[name])
	}
	var queue []string
	for _, name := range names {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	ret := make([]string, 0, len(names))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		ret = append(ret, node)
		for _, other := range names {
			if slices.Contains(g.deps[other], node) {
				inDegree[other]--
				if inDegree[other] == 0 {
					queue = append(queue, other)
				}
			}
		}
	}
	if len(ret) != len(names) {
		var stuck []string
		for _, name := range names {
			if inDegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return ret, nil
}

// Order returns names of enabled plugins, dependencies first
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Plugins returns enabled plugins in Order
func (g *Graph) Plugins() []model.Plugin {
	ret := make([]model.Plugin, 0, len(g.order))
	for _, name := range g.order {
		ret = append(ret, g.plugins[name])
	}
	return ret
}

// DependsOn returns the effective dependencies of a plugin
func (g *Graph) DependsOn(name string) []string {
	return slices.Clone(g.deps[name])
}

// Has reports if the plugin is enabled
func (g *Graph) Has(name string) bool {
	_, ok := g.plugins[name]
	return ok
}

func (g *Graph) Plugin(name string) (model.Plugin, bool) {
	p, ok := g.plugins[name]
	return p, ok
}

// Applicable returns plugins consuming at least one of the tags, in Order
func (g *Graph) Applicable(tags []string) []model.Plugin {
	var ret []model.Plugin
	for _, name := range g.order {
		p := g.plugins[name]
		if slices.ContainsFunc(p.Consumes, func(c string) bool { return slices.Contains(tags, c) }) {
			ret = append(ret, p)
		}
	}
	return ret
}

// Rank returns the position of the plugin in Order, unknown plugins rank last
func (g *Graph) Rank(name string) int {
	if idx := slices.Index(g.order, name); idx != -1 {
		return idx
	}
	return len(g.order)
}
