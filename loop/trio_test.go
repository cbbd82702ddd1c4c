package loop_test

import (
	"context"
	"strings"
	"testing"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/loop"
)

// newTrio wires the standard pairing: claude architects, gemini
// executes, codex audits.
func newTrio(r *rig) *loop.Trio {
	return loop.NewTrio(r.caller, fastConfig(), agent.KindClaude, agent.KindGemini, agent.KindCodex)
}

func TestTrio_Run_CompletesOnSignOff(t *testing.T) {
	r := newRig(t, 100)
	r.codex.batch = []*agent.Result{
		{Text: "SIGN-OFF"},
		{Text: "SIGN-OFF\nAll plan items complete."},
	}

	out, err := newTrio(r).Run(context.Background(), r.target, "add metrics to the server", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Completed || out.Steps != 3 {
		t.Errorf("Run() outcome = %+v, want completion in 3 steps", out)
	}
	if out.Phase != loop.PhaseAuditing {
		t.Errorf("Phase = %s, want auditing", out.Phase)
	}
	if r.claude.runCount() != 1 || r.gemini.runCount() != 1 {
		t.Errorf("run calls = claude %d gemini %d, want 1 each", r.claude.runCount(), r.gemini.runCount())
	}
	wantNotice(t, r.notices, "Plan approved by Codex.")
	wantNotice(t, r.notices, "Task complete at step 3: Codex signed off.")
}

func TestTrio_Run_PlanRejectionLoopsBack(t *testing.T) {
	r := newRig(t, 100)
	r.codex.batch = []*agent.Result{
		{Text: "Add a rollback step to the migration plan."},
		{Text: "SIGN-OFF"},
		{Text: "SIGN-OFF"},
	}

	out, err := newTrio(r).Run(context.Background(), r.target, "migrate the user table", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Completed || out.Steps != 4 {
		t.Errorf("Run() outcome = %+v, want completion in 4 steps after one plan rework", out)
	}

	// The second architect round carries the review feedback.
	redo := r.claude.runReq(1).Prompt
	if !strings.Contains(redo, "Previous audit feedback to incorporate:") || !strings.Contains(redo, "rollback step") {
		t.Errorf("rework prompt missing the plan feedback:\n%s", redo)
	}
}

func TestTrio_Run_AuditRejectionLoopsToArchitect(t *testing.T) {
	r := newRig(t, 100)
	r.codex.batch = []*agent.Result{
		{Text: "SIGN-OFF"},
		{Text: "The error handling swallows the root cause."},
		{Text: "SIGN-OFF"},
		{Text: "SIGN-OFF"},
	}

	out, err := newTrio(r).Run(context.Background(), r.target, "harden the importer", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Completed || out.Steps != 6 {
		t.Errorf("Run() outcome = %+v, want completion in 6 steps after one audit loop", out)
	}

	// The rejected audit reaches both the architect and the next
	// execute round.
	if got := r.claude.runReq(1).Prompt; !strings.Contains(got, "swallows the root cause") {
		t.Errorf("architect rework prompt missing the audit feedback:\n%s", got)
	}
	if got := r.gemini.runReq(1).Prompt; !strings.Contains(got, "Fix the issues identified in the recent audit:") {
		t.Errorf("execute prompt missing the audit feedback:\n%s", got)
	}
}

func TestTrio_Run_ExecutorFailureFallsBack(t *testing.T) {
	r := newRig(t, 100)
	r.codex.batch = []*agent.Result{
		{Text: "SIGN-OFF"},
		{Text: "SIGN-OFF"},
	}
	r.gemini.run = []*agent.Result{
		{Text: "", Failure: "exit status 1", ExitCode: 1},
	}

	out, err := newTrio(r).Run(context.Background(), r.target, "wire the exporter", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Completed || out.Steps != 3 {
		t.Errorf("Run() outcome = %+v, want completion despite the executor failure", out)
	}
	// The architect ran twice: the plan round plus the fallback.
	if r.claude.runCount() != 2 {
		t.Errorf("claude run calls = %d, want 2", r.claude.runCount())
	}
	if got := r.claude.runReq(1).Prompt; !strings.Contains(got, "Implement the next pending step") {
		t.Errorf("fallback prompt = %q, want the execute instruction", got)
	}
	wantNotice(t, r.notices, "Gemini failed: exit status 1")
	wantNotice(t, r.notices, "Falling back to Claude.")
}

func TestTrio_Run_EmptyAuditRetriesOnce(t *testing.T) {
	r := newRig(t, 100)
	r.codex.batch = []*agent.Result{
		{Text: "SIGN-OFF"},
		{Text: "   "},
		{Text: "SIGN-OFF"},
	}

	out, err := newTrio(r).Run(context.Background(), r.target, "clean up the queue", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Completed || out.Steps != 3 {
		t.Errorf("Run() outcome = %+v, want completion after the audit retry", out)
	}
	if r.codex.batchCount() != 3 {
		t.Errorf("auditor consults = %d, want 3 (one retry)", r.codex.batchCount())
	}
	wantNotice(t, r.notices, "Codex returned no output. Retrying.")
}

func TestTrio_Run_StepLimitStopsPlanChurn(t *testing.T) {
	r := newRig(t, 100)
	cfg := fastConfig()
	cfg.StepLimit = 3
	// The default scripted reply never signs off, so the plan loop
	// churns until the ceiling.
	out, err := loop.NewTrio(r.caller, cfg, agent.KindClaude, agent.KindGemini, agent.KindCodex).
		Run(context.Background(), r.target, "unapprovable plan", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Completed || out.Reason != "step limit reached" {
		t.Errorf("Run() outcome = %+v, want a step-limit halt", out)
	}
	wantNotice(t, r.notices, "Step limit reached (3).")
}

func TestTrio_Run_CancelledBeforeStart(t *testing.T) {
	r := newRig(t, 100)

	out, err := newTrio(r).Run(context.Background(), r.target, "never mind", func() bool { return true })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Completed || out.Reason != "cancelled" || out.Steps != 0 {
		t.Errorf("Run() outcome = %+v, want an immediate cancel", out)
	}
	if r.claude.runCount() != 0 || r.gemini.runCount() != 0 {
		t.Errorf("agents were invoked after cancellation")
	}
}
