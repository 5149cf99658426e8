// Package resolver walks the recipe dependency graph from a root package and
// produces a deterministic, topologically ordered build plan.
package resolver

import (
	"log/slog"
	"sort"

	"mpkg/pkg/mpkgerr"
	"mpkg/pkg/recipe"
)

// Resolve returns the build order for root: every recipe reachable from
// root, ordered so that for each edge d -> p ("d is a dependency of p"), d
// precedes p. root is last.
//
// Ties among packages with no unresolved dependency remaining are broken
// lexicographically, so the result is stable across runs against the same
// recipe tree.
func Resolve(recipesDir, root string) ([]*recipe.Recipe, error) {
	recipes := make(map[string]*recipe.Recipe)
	if err := collect(recipesDir, root, recipes, nil); err != nil {
		return nil, err
	}
	return topoSort(recipes, root)
}

// collect performs the depth-first traversal that gathers every recipe
// reachable from name, failing fast on a missing recipe or a cycle.
func collect(recipesDir, name string, recipes map[string]*recipe.Recipe, stack []string) error {
	for _, s := range stack {
		if s == name {
			return &mpkgerr.DependencyCycleError{Cycle: append(append([]string{}, stack...), name)}
		}
	}
	if _, ok := recipes[name]; ok {
		return nil
	}

	r, err := recipe.Load(recipesDir, name)
	if err != nil {
		return err
	}
	recipes[name] = r

	stack = append(stack, name)
	for _, dep := range r.Depends {
		if err := collect(recipesDir, dep, recipes, stack); err != nil {
			return err
		}
	}

	return nil
}

// topoSort runs Kahn's algorithm over the collected recipe set, picking the
// lexicographically smallest name among ready nodes at each step so the
// output is deterministic.
func topoSort(recipes map[string]*recipe.Recipe, root string) ([]*recipe.Recipe, error) {
	indegree := make(map[string]int, len(recipes))
	dependents := make(map[string][]string, len(recipes))

	for name := range recipes {
		indegree[name] = 0
	}
	for name, r := range recipes {
		for _, dep := range r.Depends {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []*recipe.Recipe
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]

		order = append(order, recipes[name])

		next := append([]string{}, dependents[name]...)
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(recipes) {
		// Every node with indegree > 0 when the queue drains is part of
		// (or depends on) a cycle. Report the ones left over.
		var leftover []string
		for name, deg := range indegree {
			if deg > 0 {
				leftover = append(leftover, name)
			}
		}
		sort.Strings(leftover)
		return nil, &mpkgerr.DependencyCycleError{Cycle: leftover}
	}

	slog.Debug("resolved build order", "root", root, "count", len(order))
	return order, nil
}
