package plan

import (
	"fmt"

	"github.com/planforge/planforge/pkg/errdefs"
)

// PlanError reports an invalid plan. It is always fatal and raised before
// any compilation unit is built.
type PlanError struct {
	Reason string
}

// NewPlanError creates a PlanError.
func NewPlanError(reason string) *PlanError {
	return &PlanError{Reason: reason}
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	return "invalid plan: " + e.Reason
}

// Validate checks the plan's structural invariants:
//   - task ids unique plan-wide
//   - every dependency resolves within the same play, never on a later
//     batch
//   - the dependency relation of each play is acyclic
//   - declared total_tasks matches the actual count when set
//
// Module references are checked separately against a resolved module set
// so that all missing modules can be enumerated in one pass.
func (p *ExecutionPlan) Validate() ([]*TaskGraph, error) {
	if len(p.Plays) == 0 {
		return nil, NewPlanError("plan has no plays")
	}

	seen := make(map[string]string) // task id -> play id
	for _, play := range p.Plays {
		if play.ID == "" {
			return nil, NewPlanError("play has empty id")
		}
		for _, batch := range play.Batches {
			if batch.ID == "" {
				return nil, NewPlanError(fmt.Sprintf("play %s has a batch with empty id", play.ID))
			}
			for _, task := range batch.Tasks {
				if task.ID == "" {
					return nil, NewPlanError(fmt.Sprintf("batch %s has a task with empty id", batch.ID))
				}
				if task.Module == "" {
					return nil, NewPlanError(fmt.Sprintf("task %s has no module", task.ID))
				}
				if prior, dup := seen[task.ID]; dup {
					return nil, NewPlanError(
						fmt.Sprintf("duplicate task id %s (plays %s and %s)", task.ID, prior, play.ID))
				}
				seen[task.ID] = play.ID
			}
		}
	}

	if p.TotalTasks != 0 && p.TotalTasks != len(seen) {
		return nil, NewPlanError(
			fmt.Sprintf("total_tasks is %d but plan contains %d tasks", p.TotalTasks, len(seen)))
	}

	hostIDs := make(map[string]bool, len(p.Hosts))
	for _, h := range p.Hosts {
		if h.ID == "" {
			return nil, NewPlanError("inventory host has empty id")
		}
		if hostIDs[h.ID] {
			return nil, NewPlanError(fmt.Sprintf("duplicate inventory host id %s", h.ID))
		}
		hostIDs[h.ID] = true
	}

	graphs := make([]*TaskGraph, 0, len(p.Plays))
	for i := range p.Plays {
		graph, err := BuildGraph(&p.Plays[i])
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, graph)
	}

	return graphs, nil
}

// CheckModules verifies every task references a module present in the
// resolved set, returning the sorted list of missing module names.
func (p *ExecutionPlan) CheckModules(available map[string]bool) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, name := range p.ModuleNames() {
		if !available[name] && !seen[name] {
			missing = append(missing, name)
			seen[name] = true
		}
	}
	return missing
}

// classify maps a PlanError into the shared error taxonomy.
func (e *PlanError) Classify() *errdefs.Error {
	return errdefs.NewPermanent(e.Reason, e).WithCode(errdefs.CodePlanInvalid)
}
