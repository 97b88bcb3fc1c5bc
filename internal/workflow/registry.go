// Package workflow runs workflows: ordered steps whose work is done by
// workers behind the broker. The engine starts jobs, routes step results to
// the next step and records progress reports.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/message"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownStep     = errors.New("unknown workflow step")
)

// StepFunc starts the work of a step for msg, usually by handing it to a worker.
type StepFunc func(ctx context.Context, msg *message.Message) error

// ResultFunc inspects the result of a step before the workflow moves on.
type ResultFunc func(ctx context.Context, msg *message.Message) error

// Step is one stage of a workflow.
type Step struct {
	Name     string
	Run      StepFunc
	OnResult ResultFunc
	// Next names the step that follows; empty ends the workflow.
	Next string
}

// Definition is a named workflow. Its first step is the default entry point.
type Definition struct {
	Name  string
	Steps []Step
}

// Step looks up a step by name.
func (d Definition) Step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

func (d Definition) validate() error {
	if d.Name == "" {
		return errors.New("workflow without name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: step without name", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %s", d.Name, s.Name)
		}
		if s.Run == nil {
			return fmt.Errorf("workflow %s: step %s has nothing to run", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range d.Steps {
		if s.Next != "" && !seen[s.Next] {
			return fmt.Errorf("workflow %s: step %s continues with unknown step %s", d.Name, s.Name, s.Next)
		}
	}
	return nil
}

// Registry holds the known workflows.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a workflow.
func (r *Registry) Register(d Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.defs[d.Name] = d
	return nil
}

// Lookup returns the workflow and the named step, or its first step when
// stepName is empty.
func (r *Registry) Lookup(name, stepName string) (Definition, Step, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, Step{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if stepName == "" {
		return d, d.Steps[0], nil
	}
	s, ok := d.Step(stepName)
	if !ok {
		return Definition{}, Step{}, fmt.Errorf("%w: %s.%s", ErrUnknownStep, name, stepName)
	}
	return d, s, nil
}

// Names lists the registered workflows in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublishStep returns a StepFunc that hands the step message to a worker queue.
func PublishStep(pub broker.Publisher, queue, key string) StepFunc {
	return func(ctx context.Context, msg *message.Message) error {
		body, err := msg.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode step message: %w", err)
		}
		if err := pub.Publish(ctx, queue, key, body); err != nil {
			return fmt.Errorf("publish to %s: %w", queue, err)
		}
		return nil
	}
}

// RegistryFromConfig builds a registry of declared workflows whose steps
// publish to their configured worker queue.
func RegistryFromConfig(cfgs []config.WorkflowConfig, pub broker.Publisher) (*Registry, error) {
	r := NewRegistry()
	for _, wc := range cfgs {
		d := Definition{Name: wc.Name}
		for _, sc := range wc.Steps {
			d.Steps = append(d.Steps, Step{
				Name: sc.Name,
				Run:  PublishStep(pub, sc.Queue, sc.Key),
				Next: sc.Next,
			})
		}
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}
