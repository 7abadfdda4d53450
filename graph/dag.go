package graph

// Order returns the steps in an order where every step follows the steps
// it declares with DependsOn. Steps without dependencies keep their
// registration order.
//
// Returns an EngineError wrapping ErrSelfDependency, ErrMissingDependency
// or ErrCyclicDependency when the declarations are invalid.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string, len(g.steps))
	for _, name := range g.order {
		inDegree[name] = 0
	}
	for _, name := range g.order {
		for _, dep := range g.steps[name].dependsOn {
			if dep == name {
				return nil, engineError("SELF_DEPENDENCY", ErrSelfDependency, "step %s", name)
			}
			if _, ok := g.steps[dep]; !ok {
				return nil, engineError("MISSING_DEPENDENCY", ErrMissingDependency, "step %s depends on unknown step %s", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, name)
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(g.order) {
		var cyclic []string
		for _, name := range g.order {
			if inDegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return nil, engineError("CYCLIC_DEPENDENCY", ErrCyclicDependency, "steps %v", cyclic)
	}
	return sorted, nil
}
