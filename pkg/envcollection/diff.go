package envcollection

// Diff is the structural difference between two merges within one scope.
// Added and Changed hold the new mutators, Removed the old ones.
type Diff struct {
	Added   map[string][]ContributorMutator
	Changed map[string][]ContributorMutator
	Removed map[string][]ContributorMutator
}

// Diff compares m (the cached merge) with other (the current one). It returns nil when
// both produce the same mutators for scope.
func (m *Merged) Diff(other *Merged, scope *Scope) *Diff {
	return DiffCollections(m, other, scope)
}

// DiffCollections returns nil when before and after are equivalent within scope.
func DiffCollections(before, after *Merged, scope *Scope) *Diff {
	oldMap := before.VariableMap(scope)
	newMap := after.VariableMap(scope)

	diff := &Diff{
		Added:   make(map[string][]ContributorMutator),
		Changed: make(map[string][]ContributorMutator),
		Removed: make(map[string][]ContributorMutator),
	}

	for variable, newMutators := range newMap {
		if missing := missingMutators(newMutators, oldMap[variable]); len(missing) > 0 {
			diff.Added[variable] = missing
		}
	}
	for variable, oldMutators := range oldMap {
		if missing := missingMutators(oldMutators, newMap[variable]); len(missing) > 0 {
			diff.Removed[variable] = missing
		}
		if changed := changedMutators(oldMutators, newMap[variable]); len(changed) > 0 {
			diff.Changed[variable] = changed
		}
	}

	if len(diff.Added) == 0 && len(diff.Changed) == 0 && len(diff.Removed) == 0 {
		return nil
	}
	return diff
}

// mutatorKey identifies a mutator within one variable. A contributor may hold one
// mutator per scope for the same variable.
func mutatorKey(m ContributorMutator) string {
	return m.ContributorID + "\x00" + scopeKey(m.Scope)
}

// missingMutators returns the entries of current that have no counterpart in other.
func missingMutators(current, other []ContributorMutator) []ContributorMutator {
	if len(other) == 0 {
		return current
	}
	present := make(map[string]bool, len(other))
	for _, m := range other {
		present[mutatorKey(m)] = true
	}

	var result []ContributorMutator
	for _, m := range current {
		if !present[mutatorKey(m)] {
			result = append(result, m)
		}
	}
	return result
}

// changedMutators returns the other-side entries whose counterpart has a different effect.
func changedMutators(current, other []ContributorMutator) []ContributorMutator {
	if len(other) == 0 {
		return nil
	}
	byKey := make(map[string]ContributorMutator, len(other))
	for _, m := range other {
		byKey[mutatorKey(m)] = m
	}

	var result []ContributorMutator
	for _, m := range current {
		if o, ok := byKey[mutatorKey(m)]; ok && !m.sameEffect(o.Mutator) {
			result = append(result, o)
		}
	}
	return result
}
