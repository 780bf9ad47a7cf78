package broadcast

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/hashsend/internal/hashsearch"
)

// Job is one account's unit of work in a batch.
type Job struct {
	Name string
	Run  func(ctx context.Context) (*Outcome, error)
}

// JobResult is the per-job outcome of RunBatch. Exactly one of Outcome and
// Err is set.
type JobResult struct {
	Name    string
	Outcome *Outcome
	Err     error
}

// BroadcastJob wraps s.Broadcast(res) as a Job.
func (s *Supervisor) BroadcastJob(name string, res *hashsearch.Result) Job {
	return Job{Name: name, Run: func(ctx context.Context) (*Outcome, error) {
		return s.Broadcast(ctx, res)
	}}
}

// RunBatch runs jobs with at most limit in flight and returns their results
// in input order. Failures are reported per job and never stop the others.
// Jobs of the same funding account still run one at a time when their
// supervisors share a Locker.
func RunBatch(ctx context.Context, jobs []Job, limit int) []JobResult {
	results := make([]JobResult, len(jobs))
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, job := range jobs {
		g.Go(func() error {
			results[i].Name = job.Name
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Outcome, results[i].Err = job.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
