package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/executioner"
	"dotbot-exec/internal/orchestrator"
)

// console prints plan progress and asks for approvals.
type console struct {
	mu       sync.Mutex
	out      io.Writer
	networks map[string]domain.Network

	ok   func(format string, a ...interface{}) string
	warn func(format string, a ...interface{}) string
	bad  func(format string, a ...interface{}) string
	dim  func(format string, a ...interface{}) string

	// prompt asks a yes/no question until done closes. Replaced in tests.
	prompt func(label string, done <-chan struct{}) (bool, error)
}

func newConsole(out io.Writer, networks map[string]domain.Network, noColor bool) *console {
	if noColor {
		color.NoColor = true
	}
	return &console{
		out:      out,
		networks: networks,
		ok:       color.GreenString,
		warn:     color.YellowString,
		bad:      color.RedString,
		dim:      color.New(color.Faint).SprintfFunc(),
		prompt:   confirmPrompt,
	}
}

var errPromptAbandoned = errors.New("prompt abandoned")

// abortableStdin lets a prompt's reads end early. Close is idempotent since
// readline closes its input too.
type abortableStdin struct {
	*readline.CancelableStdin
	once sync.Once
}

func (s *abortableStdin) Close() error {
	s.once.Do(func() { _ = s.CancelableStdin.Close() })
	return nil
}

func confirmPrompt(label string, done <-chan struct{}) (bool, error) {
	stdin := &abortableStdin{CancelableStdin: readline.NewCancelableStdin(os.Stdin)}
	defer stdin.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-done:
			_ = stdin.Close()
		case <-finished:
		}
	}()

	p := promptui.Prompt{Label: label, IsConfirm: true, Stdin: stdin}
	_, err := p.Run()
	select {
	case <-done:
		return false, errPromptAbandoned
	default:
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort):
		return false, nil
	default:
		return false, err
	}
}

func (c *console) printf(format string, a ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

func (c *console) prepareErrors(res *orchestrator.PrepareResult) {
	if res == nil {
		return
	}
	for _, e := range res.Errors {
		c.printf("%s %s\n", c.bad("✗"), e)
	}
}

func (c *console) prepared(plan *orchestrator.Plan, res *orchestrator.PrepareResult) {
	c.printf("Plan %s: %d items on %s (sender %s)\n",
		plan.ID, len(res.ItemIDs), strings.Join(res.Targets, ", "), plan.Sender)
	for _, w := range res.Warnings {
		c.printf("%s %s\n", c.warn("!"), w)
	}
}

func (c *console) restored(n int) {
	c.printf("Restored %d finished items from saved state\n", n)
}

// observe prints status changes. It never touches the queue.
func (c *console) observe(ev execution.Event) {
	if ev.Type != execution.EventStatusChanged || ev.Item == nil {
		return
	}
	it := ev.Item
	prefix := fmt.Sprintf("[%d/%d]", it.Index+1, ev.Progress.Total)

	switch it.Status {
	case domain.StatusFinalized:
		detail := ""
		if it.Result != nil {
			if it.Result.ExtrinsicHash != "" {
				detail = " " + c.dim("%s", it.Result.ExtrinsicHash)
			} else if it.Result.Output != "" {
				detail = " " + it.Result.Output
			}
		}
		c.printf("%s %s %s%s\n", prefix, c.ok("finalized"), it.Payload.Description, detail)
	case domain.StatusFailed:
		reason := ""
		if it.Error != nil {
			reason = fmt.Sprintf(": %s (%s)", it.Error.Message, it.Error.Code)
		}
		c.printf("%s %s %s%s\n", prefix, c.bad("failed"), it.Payload.Description, reason)
	case domain.StatusCancelled:
		c.printf("%s %s %s\n", prefix, c.warn("cancelled"), it.Payload.Description)
	default:
		c.printf("%s %s %s\n", prefix, c.dim("%s", it.Status), it.Payload.Description)
	}
}

// approver asks on the terminal before every signature.
func (c *console) approver() executioner.Approver {
	return func(req executioner.ApprovalRequest, resolve executioner.Resolver) {
		c.printf("%s", c.describe(req))
		ok, err := c.prompt("Sign and submit", req.Done)
		switch {
		case errors.Is(err, errPromptAbandoned):
			c.printf("%s\n", c.dim("approval abandoned"))
		case err != nil:
			c.printf("%s %v\n", c.bad("prompt failed:"), err)
		}
		resolve(ok && err == nil)
	}
}

func (c *console) describe(req executioner.ApprovalRequest) string {
	n := c.networks[req.Payload.Target]

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", req.Description)
	if len(req.ItemIDs) > 1 {
		fmt.Fprintf(&b, "  covers %d items\n", len(req.ItemIDs))
	}
	fmt.Fprintf(&b, "  network  %s\n", req.Payload.Target)
	if req.EstimatedFee != nil {
		fmt.Fprintf(&b, "  fee      %s\n", formatFee(*req.EstimatedFee, n))
	}
	if sim := req.Simulation; sim != nil {
		if sim.Validated {
			fmt.Fprintf(&b, "  dry-run  %s at %s\n", c.ok("passed"), sim.BlockHash)
		} else {
			fmt.Fprintf(&b, "  dry-run  %s\n", c.warn("not run, fee estimate only"))
		}
	}
	for _, w := range req.Warnings {
		fmt.Fprintf(&b, "  %s %s\n", c.warn("!"), w)
	}
	return b.String()
}

func formatFee(fee sdkmath.Int, n domain.Network) string {
	if n.Symbol == "" {
		return fee.String() + " planck"
	}
	return n.FormatAmount(fee)
}

func (c *console) summary(q *execution.Queue) {
	p := q.Progress()
	c.printf("\n%s finalized, %s failed, %s cancelled, %d remaining\n",
		c.ok("%d", p.Completed), c.bad("%d", p.Failed), c.warn("%d", p.Cancelled), p.Remaining)
}
