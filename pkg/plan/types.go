// Package plan defines the execution plan model consumed by the planforge
// pipeline: plays containing batches containing tasks, targeted at a host
// inventory. The plan arrives as an already-structured document; this
// package validates it and computes the per-play dependency graph.
package plan

import (
	"sort"
)

// ExecutionPlan is the structured document the pipeline compiles and deploys.
type ExecutionPlan struct {
	// Metadata carries free-form plan metadata (name, revision, author).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Plays are executed in declared order.
	Plays []Play `json:"plays" yaml:"plays" validate:"required,min=1,dive"`

	// TotalTasks is the declared task count, checked against the actual count.
	TotalTasks int `json:"total_tasks" yaml:"total_tasks"`

	// Hosts is the inventory the plan targets.
	Hosts []Host `json:"hosts" yaml:"hosts" validate:"dive"`
}

// Play is an ordered group of batches.
type Play struct {
	// ID uniquely identifies the play within the plan.
	ID string `json:"play_id" yaml:"play_id" validate:"required"`

	// Name is the human-readable play name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Batches execute in declared order.
	Batches []Batch `json:"batches" yaml:"batches" validate:"required,min=1,dive"`
}

// Batch is an ordered group of tasks. Tasks inside one batch may run
// concurrently when individually marked parallel-safe.
type Batch struct {
	// ID uniquely identifies the batch within its play.
	ID string `json:"batch_id" yaml:"batch_id" validate:"required"`

	// Tasks are the units of work in this batch.
	Tasks []Task `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
}

// Task is a single unit of work dispatched to a named module.
type Task struct {
	// ID uniquely identifies the task plan-wide.
	ID string `json:"task_id" yaml:"task_id" validate:"required"`

	// Name is the human-readable task name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Module is the name of the capability module that executes this task.
	Module string `json:"module" yaml:"module" validate:"required"`

	// Args are the module arguments, opaque to the pipeline.
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`

	// Dependencies lists task ids that must complete before this task.
	// Dependencies may not cross play boundaries.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Conditions are Starlark boolean expressions evaluated against the
	// execution context; all must hold for the task to run.
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// ParallelSafe marks the task as safe to run concurrently with other
	// parallel-safe tasks in the same batch.
	ParallelSafe bool `json:"parallel_safe,omitempty" yaml:"parallel_safe,omitempty"`
}

// Host describes one inventory entry.
type Host struct {
	// ID uniquely identifies the host within the inventory.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Address is the host address (hostname or IP).
	Address string `json:"address" yaml:"address" validate:"required"`

	// Port is the SSH port; 22 when unset.
	Port int `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// User is the remote user for transfers and execution.
	User string `json:"user,omitempty" yaml:"user,omitempty"`

	// OS is the reported operating system (e.g. "linux", "darwin").
	OS string `json:"os,omitempty" yaml:"os,omitempty"`

	// Arch is the reported architecture (e.g. "amd64", "arm64").
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty"`

	// LibC selects the ABI flavor where it matters (e.g. "gnu", "musl").
	LibC string `json:"libc,omitempty" yaml:"libc,omitempty"`

	// TargetOverride forces a target triple, bypassing metadata resolution.
	TargetOverride string `json:"target_override,omitempty" yaml:"target_override,omitempty"`

	// ExecPath is where the compiled runner is installed on the host.
	ExecPath string `json:"exec_path,omitempty" yaml:"exec_path,omitempty"`

	// Labels are key-value pairs for policy selection.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Subset returns a copy of the plan restricted to the given hosts.
// Plays, batches, and tasks are shared by value; the host list is replaced.
func (p *ExecutionPlan) Subset(hosts []Host) *ExecutionPlan {
	sub := *p
	sub.Hosts = append([]Host(nil), hosts...)
	return &sub
}

// TaskCount returns the number of tasks across all plays and batches.
func (p *ExecutionPlan) TaskCount() int {
	n := 0
	for _, play := range p.Plays {
		for _, batch := range play.Batches {
			n += len(batch.Tasks)
		}
	}
	return n
}

// ModuleNames returns the sorted, de-duplicated set of module names the
// plan references.
func (p *ExecutionPlan) ModuleNames() []string {
	seen := make(map[string]bool)
	for _, play := range p.Plays {
		for _, batch := range play.Batches {
			for _, task := range batch.Tasks {
				seen[task.Module] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TasksByID indexes every task in the plan. Callers must have validated
// id uniqueness first.
func (p *ExecutionPlan) TasksByID() map[string]*Task {
	idx := make(map[string]*Task)
	for pi := range p.Plays {
		for bi := range p.Plays[pi].Batches {
			for ti := range p.Plays[pi].Batches[bi].Tasks {
				t := &p.Plays[pi].Batches[bi].Tasks[ti]
				idx[t.ID] = t
			}
		}
	}
	return idx
}
