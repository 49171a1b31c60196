package feature

// Dependency resolution for the scheduler: ordering, satisfaction checks,
// and cycle detection over a project's feature list. All functions treat the
// input slice as the universe; dependency IDs pointing outside it are handled
// per the options below.

// SatisfyOptions tunes dependency satisfaction checks.
type SatisfyOptions struct {
	// TreatMissingAsMet counts dependencies whose records no longer exist
	// as satisfied instead of blocking the dependent forever. The scheduler
	// leaves this off; deleted dependencies are surfaced, not papered over.
	TreatMissingAsMet bool
}

// DependenciesSatisfied reports whether every dependency of f has reached a
// terminal status. A dependency ID with no record in all blocks the feature
// unless opts says otherwise.
func DependenciesSatisfied(f *Feature, all []*Feature, opts SatisfyOptions) bool {
	if len(f.DependsOn) == 0 {
		return true
	}

	byID := indexByID(all)
	for _, depID := range f.DependsOn {
		dep, ok := byID[depID]
		if !ok {
			if opts.TreatMissingAsMet {
				continue
			}
			return false
		}
		if !dep.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// OrderFeatures returns the features in dependency order: a feature never
// precedes anything it depends on, and independent features keep their input
// order. Features caught in a dependency cycle cannot be ordered and are
// appended at the end in input order; they stay unsatisfiable until the cycle
// is broken, so the scheduler skips them anyway.
func OrderFeatures(features []*Feature) []*Feature {
	byID := indexByID(features)

	// Only edges inside the input set participate in ordering; an ID we
	// cannot see cannot tell us where its dependents belong.
	indegree := make(map[string]int, len(features))
	dependents := make(map[string][]string)
	for _, f := range features {
		indegree[f.ID] = 0
	}
	for _, f := range features {
		for _, depID := range f.DependsOn {
			if _, ok := byID[depID]; !ok {
				continue
			}
			indegree[f.ID]++
			dependents[depID] = append(dependents[depID], f.ID)
		}
	}

	ordered := make([]*Feature, 0, len(features))
	scheduled := make(map[string]bool, len(features))
	var queue []*Feature
	for _, f := range features {
		if indegree[f.ID] == 0 {
			queue = append(queue, f)
		}
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		ordered = append(ordered, f)
		scheduled[f.ID] = true
		for _, depID := range dependents[f.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				queue = append(queue, byID[depID])
			}
		}
	}

	if len(ordered) < len(features) {
		for _, f := range features {
			if !scheduled[f.ID] {
				ordered = append(ordered, f)
			}
		}
	}
	return ordered
}

// DetectCycles finds circular dependency chains. Each returned cycle lists
// the feature IDs along the chain, ending with a repeat of the first.
func DetectCycles(features []*Feature) [][]string {
	byID := indexByID(features)

	var cycles [][]string
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	for _, f := range features {
		if !visited[f.ID] {
			if cycle := cycleDFS(f.ID, byID, visited, recStack, nil); len(cycle) > 0 {
				cycles = append(cycles, cycle)
			}
		}
	}
	return cycles
}

func cycleDFS(id string, byID map[string]*Feature, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	f, ok := byID[id]
	if !ok {
		recStack[id] = false
		return nil
	}

	for _, depID := range f.DependsOn {
		if !visited[depID] {
			if cycle := cycleDFS(depID, byID, visited, recStack, path); len(cycle) > 0 {
				return cycle
			}
		} else if recStack[depID] {
			cycleStart := -1
			for i, pathID := range path {
				if pathID == depID {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], depID)
			}
		}
	}

	recStack[id] = false
	return nil
}

func indexByID(features []*Feature) map[string]*Feature {
	byID := make(map[string]*Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}
	return byID
}
