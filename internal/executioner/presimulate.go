package executioner

import (
	"context"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/logging"
)

// presimulateAll simulates every pending item before execution in the
// sequential and parallel modes. It reports whether any item failed.
func (c *Controller) presimulateAll(ctx context.Context) bool {
	switch c.presimulate {
	case PresimulateSequential:
		if c.batcher != nil {
			c.logger.Warn("sequential presimulation is not used with batching, simulating inline")
			return false
		}
	case PresimulateParallel:
	default:
		return false
	}

	var targets []string
	byTarget := make(map[string][]execution.Item)
	for _, item := range c.queue.ItemsByStatus(domain.StatusPending) {
		t := item.Payload.Target
		if _, ok := byTarget[t]; !ok {
			targets = append(targets, t)
		}
		byTarget[t] = append(byTarget[t], item)
	}

	failed := false
	for _, target := range targets {
		if ctx.Err() != nil || c.isCancelled() {
			return failed
		}
		if c.presimulateTarget(ctx, target, byTarget[target]) {
			failed = true
		}
	}
	return failed
}

// presimulateTarget simulates items on a session of their own, released
// once the results are recorded. Payloads are rebuilt under that session
// first; if any cannot be, the target's items are simulated inline instead.
func (c *Controller) presimulateTarget(ctx context.Context, target string, items []execution.Item) bool {
	s, err := c.sessions.OpenSession(ctx, target)
	if err != nil {
		// The per-item flow reports the missing session.
		c.logger.Warn("presimulation skipped", append([]any{"target", target}, logging.ErrorFields(err)...)...)
		return false
	}
	defer s.Release()

	payloads := make([]domain.Payload, len(items))
	for i, item := range items {
		p, err := c.sessions.Rebuild(ctx, s, item)
		if err != nil {
			c.logger.Warn("presimulation skipped, payload not rebuilt",
				append([]any{"target", target, "item", item.Index}, logging.ErrorFields(err)...)...)
			return false
		}
		payloads[i] = p
	}
	for i, item := range items {
		if err := c.queue.SetPayload(item.ID, payloads[i]); err != nil {
			c.logger.Error("set payload failed", append([]any{"item", item.ID}, logging.ErrorFields(err)...)...)
		}
		if err := c.queue.UpdateStatus(item.ID, domain.StatusSimulating, nil); err != nil {
			c.logger.Error("update status failed", append([]any{"item", item.ID}, logging.ErrorFields(err)...)...)
		}
	}

	c.logger.Info("presimulating", "mode", string(c.presimulate), "target", target, "items", len(items))
	failed := false
	if c.presimulate == PresimulateSequential {
		results, err := c.sim.SimulateSequential(ctx, s, payloads)
		if err != nil {
			failure := domain.AsError(err, domain.CodeSimulationFailed, "simulation could not run")
			for _, item := range items {
				c.fail(&unit{ids: []string{item.ID}, indices: []int{item.Index}, payload: item.Payload}, failure)
			}
			return true
		}
		for i, item := range items {
			if c.applySimulation(item.ID, results[i]) == resultFailed {
				failed = true
			}
		}
		return failed
	}

	for i, out := range c.sim.SimulateAll(ctx, s, payloads) {
		item := items[i]
		if out.Err != nil {
			c.fail(&unit{ids: []string{item.ID}, indices: []int{item.Index}, payload: item.Payload},
				domain.AsError(out.Err, domain.CodeSimulationFailed, "simulation could not run"))
			failed = true
			continue
		}
		if c.applySimulation(item.ID, out.Result) == resultFailed {
			failed = true
		}
	}
	return failed
}
