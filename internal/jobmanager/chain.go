package jobmanager

import (
	"context"
	"fmt"

	"github.com/BTreeMap/Courier/internal/util"
)

// Chain builds stages of jobs where every job of stage i+1 depends on every job of stage i.
type Chain struct {
	m      *Manager
	stages [][]Job
}

// StartChain begins a chain whose first stage is jobs.
func (m *Manager) StartChain(jobs ...Job) *Chain {
	return &Chain{m: m, stages: [][]Job{jobs}}
}

// Then appends a stage.
func (c *Chain) Then(jobs ...Job) *Chain {
	c.stages = append(c.stages, jobs)
	return c
}

// Enqueue adds every job of the chain in one transaction and returns their IDs in order.
func (c *Chain) Enqueue(ctx context.Context) ([]string, error) {
	ids, _, err := c.enqueue(ctx, false)
	return ids, err
}

// EnqueueAndWait enqueues the chain and waits until every job is terminal. The returned
// error is non-nil if any job did not succeed.
func (c *Chain) EnqueueAndWait(ctx context.Context) ([]Result, error) {
	_, waits, err := c.enqueue(ctx, true)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(waits))
	var firstErr error
	for _, ch := range waits {
		select {
		case res := <-ch:
			results = append(results, res)
			if res.State != StateSucceeded && firstErr == nil {
				firstErr = fmt.Errorf("job %s %s: %v", res.ID, res.State, res.Err)
			}
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, firstErr
}

func (c *Chain) enqueue(ctx context.Context, wait bool) ([]string, []chan Result, error) {
	// Stable IDs let later stages reference earlier ones before admission.
	var batch []pending
	var prev []string
	for _, stage := range c.stages {
		var cur []string
		for _, job := range stage {
			p := job.Parameters()
			if p.ID == "" {
				p.ID = util.NewJobID()
				bindParameters(job, p)
			}
			if job.Parameters().ID == "" {
				return nil, nil, fmt.Errorf("chain job %s must embed Base or supply an ID", job.FactoryKey())
			}
			batch = append(batch, pending{job: job, deps: prev})
			cur = append(cur, p.ID)
		}
		prev = cur
	}
	return c.m.enqueue(ctx, batch, wait)
}
