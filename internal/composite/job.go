// Package composite runs lifecycle operations spanning several members as a
// tree of jobs. A failing job rolls back the jobs that already succeeded.
package composite

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Job is one node of a composite operation.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
	// Rollback undoes a successful Run. Optional.
	Rollback func(ctx context.Context) error
}

// Step returns a leaf job.
func Step(name string, run func(ctx context.Context) error) Job {
	return Job{Name: name, Run: run}
}

// WithRollback returns j with rollback attached.
func (j Job) WithRollback(rollback func(ctx context.Context) error) Job {
	j.Rollback = rollback
	return j
}

// Parallel runs children concurrently and waits for all of them. When a
// child fails the children that succeeded are rolled back and the first
// failure in child order is returned as is. A failed rollback is joined to
// it.
func Parallel(name string, children ...Job) Job {
	return Job{
		Name: name,
		Run: func(ctx context.Context) error {
			errs := runAll(ctx, children, func(j Job) func(context.Context) error { return j.Run })
			first := -1
			var succeeded []Job
			for i, err := range errs {
				if err != nil {
					if first < 0 {
						first = i
					}
					continue
				}
				succeeded = append(succeeded, children[i])
			}
			if first < 0 {
				return nil
			}
			if rerr := rollbackAll(ctx, succeeded); rerr != nil {
				return errors.Join(errs[first], rerr)
			}
			return errs[first]
		},
		Rollback: func(ctx context.Context) error {
			return rollbackAll(ctx, children)
		},
	}
}

// Sequence runs children in order. When a child fails the children before it
// are rolled back in reverse order.
func Sequence(name string, children ...Job) Job {
	return Job{
		Name: name,
		Run: func(ctx context.Context) error {
			for i, child := range children {
				if err := child.Run(ctx); err != nil {
					if rerr := rollbackReverse(ctx, children[:i]); rerr != nil {
						return errors.Join(err, rerr)
					}
					return err
				}
			}
			return nil
		},
		Rollback: func(ctx context.Context) error {
			return rollbackReverse(ctx, children)
		},
	}
}

// Execute runs the root job.
func Execute(ctx context.Context, root Job) error {
	if root.Run == nil {
		return nil
	}
	return root.Run(ctx)
}

func runAll(ctx context.Context, jobs []Job, pick func(Job) func(context.Context) error) []error {
	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		fn := pick(j)
		if fn == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func rollbackAll(ctx context.Context, jobs []Job) error {
	errs := runAll(ctx, jobs, func(j Job) func(context.Context) error { return j.Rollback })
	var out []error
	for i, err := range errs {
		if err != nil {
			out = append(out, fmt.Errorf("rollback %s: %w", jobs[i].Name, err))
		}
	}
	return errors.Join(out...)
}

func rollbackReverse(ctx context.Context, jobs []Job) error {
	var out []error
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Rollback == nil {
			continue
		}
		if err := jobs[i].Rollback(ctx); err != nil {
			out = append(out, fmt.Errorf("rollback %s: %w", jobs[i].Name, err))
		}
	}
	return errors.Join(out...)
}
