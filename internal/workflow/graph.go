package workflow

import (
	"sort"

	"github.com/kazz187/flowguild/internal/issue"
)

// BuildSteps turns an issue set plus its dependency relationships into the
// workflow's ordered step list. Only edges between issues inside the set are
// kept; a dependency on an outside issue is considered pre-satisfied. A
// blocks(A -> B) edge contributes depends_on(B -> A).
//
// The topological sort is deterministic: among dispatchable issues the one
// earliest in the input order wins. If the set contains a dependency cycle no
// steps are built and the returned error carries the offending cycles.
func BuildSteps(workflowID string, issues []*issue.Issue, rels []issue.Relationship) ([]*Step, error) {
	pos := make(map[string]int, len(issues))
	for i, iss := range issues {
		pos[iss.ID] = i
	}

	// prereqs maps an issue to the in-set issues it depends on.
	prereqs := make(map[string][]string, len(issues))
	seen := make(map[string]map[string]bool)
	addEdge := func(from, dep string) {
		if _, ok := pos[from]; !ok {
			return
		}
		if _, ok := pos[dep]; !ok {
			return
		}
		if seen[from] == nil {
			seen[from] = make(map[string]bool)
		}
		if seen[from][dep] {
			return
		}
		seen[from][dep] = true
		prereqs[from] = append(prereqs[from], dep)
	}
	for _, rel := range rels {
		switch rel.Type {
		case issue.RelationDependsOn:
			addEdge(rel.From, rel.To)
		case issue.RelationBlocks:
			addEdge(rel.To, rel.From)
		}
	}
	for from := range prereqs {
		deps := prereqs[from]
		sort.Slice(deps, func(i, j int) bool { return pos[deps[i]] < pos[deps[j]] })
	}

	if cycles := findCycles(issues, prereqs); len(cycles) > 0 {
		return nil, newCycleError(cycles)
	}

	order := topoOrder(issues, prereqs)

	steps := make([]*Step, len(order))
	stepIDOf := make(map[string]string, len(order))
	orderPos := make(map[string]int, len(order))
	for i, id := range order {
		steps[i] = &Step{
			ID:      StepID(workflowID, i),
			IssueID: id,
			Status:  StepStatusPending,
			Index:   i,
		}
		stepIDOf[id] = steps[i].ID
		orderPos[id] = i
	}
	for i, id := range order {
		deps := prereqs[id]
		if len(deps) == 0 {
			continue
		}
		stepDeps := make([]string, len(deps))
		copy(stepDeps, deps)
		sort.Slice(stepDeps, func(a, b int) bool { return orderPos[stepDeps[a]] < orderPos[stepDeps[b]] })
		for j, dep := range stepDeps {
			stepDeps[j] = stepIDOf[dep]
		}
		steps[i].Dependencies = stepDeps
	}
	return steps, nil
}

// findCycles runs a DFS with a recursion stack over the prerequisite edges
// and extracts the member sequence of every back edge it meets.
func findCycles(issues []*issue.Issue, prereqs map[string][]string) [][]string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		recStack[id] = true
		stack = append(stack, id)

		for _, dep := range prereqs[id] {
			if !visited[dep] {
				visit(dep)
			} else if recStack[dep] {
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := make([]string, len(stack)-start)
				copy(cycle, stack[start:])
				cycles = append(cycles, cycle)
			}
		}

		recStack[id] = false
		stack = stack[:len(stack)-1]
	}

	for _, iss := range issues {
		if !visited[iss.ID] {
			visit(iss.ID)
		}
	}
	return cycles
}

// topoOrder runs Kahn's algorithm, breaking ties by original issue order.
// Callers must have rejected cycles first.
func topoOrder(issues []*issue.Issue, prereqs map[string][]string) []string {
	pos := make(map[string]int, len(issues))
	indegree := make(map[string]int, len(issues))
	dependents := make(map[string][]string)
	for i, iss := range issues {
		pos[iss.ID] = i
		indegree[iss.ID] = len(prereqs[iss.ID])
		for _, dep := range prereqs[iss.ID] {
			dependents[dep] = append(dependents[dep], iss.ID)
		}
	}

	var ready []string
	for _, iss := range issues {
		if indegree[iss.ID] == 0 {
			ready = append(ready, iss.ID)
		}
	}

	order := make([]string, 0, len(issues))
	for len(ready) > 0 {
		min := 0
		for i := 1; i < len(ready); i++ {
			if pos[ready[i]] < pos[ready[min]] {
				min = i
			}
		}
		id := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}
