package loop

import (
	"fmt"
	"strings"

	"github.com/agentloop/engine/agent"
)

// displayName renders an agent kind the way prompts refer to it.
func displayName(kind agent.Kind) string {
	switch kind {
	case agent.KindClaude:
		return "Claude"
	case agent.KindCodex:
		return "Codex"
	case agent.KindGemini:
		return "Gemini"
	}
	return string(kind)
}

// names substitutes agent display names into prompt templates. The
// templates below use {primary} and {secondary} tokens so the loops
// work with any pairing of agent kinds.
type names struct {
	r *strings.Replacer
}

func newNames(primary, secondary agent.Kind) names {
	p, s := displayName(primary), displayName(secondary)
	return names{r: strings.NewReplacer(
		"{primary}", p,
		"{PRIMARY}", strings.ToUpper(p),
		"{secondary}", s,
		"{SECONDARY}", strings.ToUpper(s),
	)}
}

func (n names) apply(template string) string {
	return n.r.Replace(template)
}

// ---- shared session care ----

// summaryPrompt asks an agent to condense its session into a
// restorable state description before the conversation is reset.
const summaryPrompt = `Summarize this session for context continuity (max 500 words). Focus on ACTIONABLE STATE:
1. Files being edited — exact paths and what changed
2. Current task — what's in progress, what's done, what's left
3. Key decisions — architectural choices, approaches chosen and WHY
4. Bugs/issues — any errors encountered and their status (fixed/open)
5. Code snippets — any critical code patterns or values needed to continue

Omit: greetings, abandoned approaches, resolved debugging back-and-forth.
Format as a compact bullet list. This summary will be used to restore context after a session reset.`

// compactedPrompt wraps the next instruction with the summary of the
// conversation that was just reset.
func compactedPrompt(summary, prompt string) string {
	return "[Session compacted - Previous context summary:]\n" + summary + "\n\n[Continuing task:]\n" + prompt
}

// ---- single-reviewer loop ----

// planSetupPrompt asks the primary to consolidate or create the plan
// artifact before autonomous stepping begins.
func planSetupPrompt(planFile string) string {
	return "Before we begin autonomous implementation, I need a plan file.\n" +
		"IMPORTANT: If you are currently in plan mode, exit plan mode FIRST (use ExitPlanMode), then proceed.\n" +
		"Do NOT use EnterPlanMode at any point during this autonomous session.\n" +
		"1. If you already created a plan/todo file in this project, copy its content to " + planFile + " in the project root.\n" +
		"2. If no plan exists yet, create " + planFile + " with a structured checklist for the task.\n" +
		"Use markdown checkboxes: - [ ] for pending, - [x] for done.\n" +
		"Then reply with ONLY the text: PLAN_READY"
}

// firstStepPrompt turns the task into the opening instruction, with
// checkbox upkeep and plan-mode guards attached.
func firstStepPrompt(task, planFile string) string {
	return task +
		"\n\nRemember to update " + planFile + " checkboxes (- [ ] → - [x]) as you complete each item." +
		"\n\nIMPORTANT: Do NOT enter plan mode (EnterPlanMode) during this session. " +
		"Just implement directly — the plan is already in " + planFile + "."
}

const reviewSkeleton = `You are a senior engineering project manager overseeing an autonomous coding session.
You are responsible for driving the work through three phases: implementation → code review → testing.

ORIGINAL TASK:
%s
%s
YOUR PRIMARY REFERENCE IS THE PLAN ABOVE. Use it to maintain big-picture awareness:
1. First, check whether the work {primary} just did is actually complete and correct.
2. Then, check which plan items are still unchecked (- [ ]) to decide what's next.
3. If ALL items are checked (- [x]), the plan is COMPLETE — proceed to verification.
Don't tunnel-vision on the current item — but also don't skip ahead until it's done right.

PROGRESS SO FAR (step %d):
%s

{PRIMARY}'S LATEST OUTPUT:
%s

%s

GENERAL RULES:
1. If {primary} asked a question or needs a decision, provide a sensible answer and frame it as the next prompt.
2. If {primary} presented a plan and is waiting for approval, approve it and tell {primary} to proceed.
3. If there are errors or failing tests, craft a specific follow-up prompt to fix them.
4. If {primary} seems stuck or going in circles, try a different approach.
5. NEVER ask {primary} for a status update — you can already see its output above. Prompts like
   "what's the status?", "please continue", or "keep going" waste a step and produce no work.
   Instead, tell {primary} what to do NEXT. If you're unsure of specifics (you don't have full
   codebase context), it's fine to say something like "Now implement the error handling for
   the upload feature" without specifying exact files — {primary} has the full session context
   and will figure out the details. The key is: every prompt must drive NEW work forward.
6. Keep prompts concise but complete. {primary} has full conversation context from the session.
7. DESIGN GUARDIAN ROLE: You are the architectural gatekeeper. Every time you read {primary}'s output,
   actively evaluate the design and architecture choices: separation of concerns, abstraction quality,
   coupling between components, naming conventions, consistency with existing codebase patterns,
   scalability, and maintainability. If something looks wrong or suboptimal, DO NOT just move on to
   the next task — intervene and tell {primary} to fix the structural issue first. Be specific: name
   the problem, explain why it's wrong, and suggest how to restructure. Catching bad architecture
   early saves expensive rework later.
8. If {primary} entered plan mode or is asking for plan approval, tell it to exit plan mode immediately and just implement directly. Plan mode wastes steps in autonomous execution.

RESPOND WITH ONE OF:
- "QUOTA:<wait_minutes>\n<details>" if {primary}'s output indicates it hit a rate limit, quota exceeded,
  usage cap, or is out of usage. Extract the reset time from {primary}'s message and calculate how many
  minutes until the reset. Put that number after QUOTA: (e.g. "QUOTA:45" means wait 45 minutes).
  If you cannot determine the reset time, use "QUOTA:60". On the next line, include the raw reset
  info from {primary}'s output (e.g. "Resets at 3:45 PM").
- "VERIFY:<next_phase>\n<verification prompt for {primary}>" to ask {primary} to verify before transitioning
- "PHASE:<next_phase>\n<prompt for {primary}>" to transition (ONLY when reviewing a verification result)
- "DONE\n<summary>" to finish (ONLY when reviewing a verification result where all tests pass)
- Or the exact next prompt to send to {primary} (nothing else, no meta-commentary)`

const planSectionTemplate = `
{PRIMARY}'S IMPLEMENTATION PLAN:
%s

IMPORTANT: This plan is your source of truth. Track progress against ALL items — look at
the checkboxes: - [ ] means not done, - [x] means done. If ALL items are - [x], the plan
IS complete — proceed to verification/transition. Don't let {primary} get stuck polishing one
item while other plan items remain unstarted. If unchecked items remain, direct {primary} to
the NEXT unchecked (- [ ]) item in the plan by name.
`

const pendingDoneBlock = `CONTEXT: You previously asked {primary} to verify the work before finishing.
{primary}'s output above is the verification result.

- If {primary}'s verification found issues, incomplete work, or plan items that are clearly
  NOT implemented, tell {primary} to fix them. Give a specific prompt about what needs to be
  fixed. Do NOT say DONE.
- {primary} should have confirmed that the original plan items are implemented. If it has
  addressed the plan and the verification looks solid, that is sufficient.
- If {primary}'s verification confirms everything is solid (plan items addressed, tests pass,
  code is correct, requirements met), respond with: DONE
  followed by a summary of what was accomplished.
- Do NOT repeatedly ask {primary} to re-read the plan if it has already provided a verification.
  If the verification is reasonable, say DONE.`

const pendingPhaseBlock = `CONTEXT: You previously asked {primary} to verify the work before moving to %[1]s.
{primary}'s output above is the verification result.

- If {primary}'s verification found issues, incomplete code, or problems, tell {primary} to fix them.
  Give a specific prompt about what needs to be fixed. Do NOT transition yet.
- If {primary} has confirmed the work is complete and addressed the plan items (even if not in
  a strict checklist format), respond with: PHASE:%[1]s
  followed by a prompt for {primary} to begin the %[1]s phase.
- Do NOT repeatedly ask {primary} to re-read the plan if it has already provided a verification.
  If the verification looks reasonable, transition.`

// phaseInstructions tell the reviewer what to drive toward in each
// phase and which directives are allowed out of it.
var phaseInstructions = map[Phase]string{
	PhaseImplementing: `CURRENT PHASE: IMPLEMENTATION
Your goal is to drive the implementation to completion across ALL plan items, not just the current one.

HOW TO CHECK IF IMPLEMENTATION IS COMPLETE:
Look at the plan checkboxes. If ALL items show - [x] (checked), or if {primary}'s output
confirms all items are implemented, then implementation IS complete — move to verification.
If ANY items still show - [ ] (unchecked), implementation is NOT complete.

- First, check if the work {primary} just did is complete and correct. If not, tell {primary} to finish or fix it.
- CRITICAL: Examine {primary}'s output for design and architecture problems BEFORE moving on.
  Look for: poor abstractions, god functions/classes, tight coupling between modules, patterns
  that won't scale, inconsistency with the existing codebase, hardcoded values that should be
  configurable, race conditions, or structural decisions you disagree with. If you spot any of
  these, INTERVENE IMMEDIATELY — include specific architectural feedback in your next prompt
  telling {primary} what to restructure and why. It's much cheaper to fix design issues during
  implementation than to catch them in review.
- Once the current item is done AND architecturally sound, check the plan for the next unchecked item (- [ ]) and direct {primary} to it by name.
- If unchecked items remain, give {primary} the next specific implementation step based on the plan.
- If ALL plan items are checked (- [x]) or {primary}'s output indicates everything is implemented,
  DO NOT transition yet. Instead, ask {primary} to verify its work: craft a prompt telling {primary}
  to re-read the plan file and the files it changed, then confirm that EVERY item from the plan
  has been implemented. {primary} must explicitly list each plan item and state whether it is done
  or missing. Also check for TODOs, placeholder code, missed requirements, or incomplete sections.
  Respond with: VERIFY:reviewing
  followed by the verification prompt for {primary}.
- Do NOT say DONE during this phase.`,

	PhaseReviewing: `CURRENT PHASE: CODE REVIEW
{primary} should be reviewing the code that was implemented. Drive a thorough review.
Pay special attention to design and architecture flaws:
- Poor separation of concerns, god functions/classes, tight coupling
- Missing abstractions or wrong abstraction levels
- Patterns that won't scale or will be hard to maintain/extend
- Inconsistency with the existing codebase's architecture and conventions
- Hardcoded values that should be configurable, missing error boundaries
- Race conditions, state management issues, or concurrency problems

- If {primary} found issues (including design/architecture flaws) during review, tell {primary}
  to fix them. Be specific about what the flaw is and how to restructure. Stay in this phase.
- If the review looks clean, DO NOT transition yet. Instead, ask {primary} to do one final
  verification pass: craft a prompt telling {primary} to re-read changed files looking for
  bugs, edge cases, design flaws, and anything the review might have missed.
  Respond with: VERIFY:testing
  followed by the verification prompt for {primary}.
- Do NOT say DONE during this phase.`,

	PhaseTesting: `CURRENT PHASE: TESTING
{primary} should be writing and running tests. Prioritize integration and end-to-end tests
over unit tests — verify that components work together correctly, not just in isolation.

- Focus on INTEGRATION TESTS first: test real workflows, API interactions, data flowing
  through multiple components, and realistic user scenarios end-to-end.
- Unit tests are secondary — only add them for complex pure logic or tricky edge cases.
- If tests need to be written, tell {primary} which integration/e2e tests to write.
- If tests are failing, tell {primary} to fix them. Be specific.
- If tests are written AND passing, DO NOT say DONE yet. Instead, ask {primary} to verify
  by re-running ALL tests and confirming everything passes.
  Respond with: VERIFY:done
  followed by the verification prompt for {primary}.
- If anything is missing, tell {primary} what else to test or fix.`,
}

// reviewRequest is everything the reviewer sees for one consultation.
type reviewRequest struct {
	task    string
	output  string // primary's latest output
	step    int
	history string
	phase   Phase
	pending Phase  // verification target awaiting judgment, if any
	stale   string // stale-progress warning, if triggered
	plan    string // plan artifact content, already capped
}

// reviewOutputLimit caps the primary output quoted to the reviewer.
const reviewOutputLimit = 6000

func buildReviewPrompt(n names, req reviewRequest) string {
	output := req.output
	if len(output) > reviewOutputLimit {
		output = output[:reviewOutputLimit] + "\n\n... (output truncated)"
	}

	var block string
	switch {
	case req.pending == PhaseDone:
		block = pendingDoneBlock
	case req.pending != "":
		block = fmt.Sprintf(pendingPhaseBlock, req.pending)
	default:
		block = phaseInstructions[req.phase]
		if block == "" {
			block = phaseInstructions[PhaseImplementing]
		}
	}

	planSection := ""
	if req.plan != "" {
		planSection = fmt.Sprintf(planSectionTemplate, req.plan)
	}

	prompt := fmt.Sprintf(reviewSkeleton, req.task, planSection, req.step, req.history, output, block)
	if req.stale != "" {
		prompt += "\n\nSTALE PROGRESS WARNING:\n" + req.stale
	}
	return n.apply(prompt)
}

// staleWarning is injected into the reviewer prompt when the last
// rounds all produced the same decision.
func staleWarning(repeats int, pattern, primary string) string {
	return fmt.Sprintf("The last %d steps all had the same action pattern: '%s'. "+
		"%s is NOT making progress — it is stuck in a loop. You MUST try a fundamentally different "+
		"approach. Do NOT ask %s to verify or re-read the plan again. Instead, either:\n"+
		"1. Accept the current state and transition to the next phase, OR\n"+
		"2. Give %s a SPECIFIC, CONCRETE coding task (not a review/verify request)",
		repeats, pattern, primary, primary, primary)
}

// reviewFallbacks are phase-aware instructions used when the reviewer
// times out, so the loop keeps moving without a decision.
var reviewFallbacks = map[Phase]string{
	PhaseImplementing: "Continue implementing the next unfinished item from the plan.",
	PhaseReviewing:    "Continue the code review. Check for bugs, edge cases, design flaws, and anything that needs fixing.",
	PhaseTesting:      "Continue writing and running tests. Focus on integration tests for the key workflows.",
}

// ---- three-role loop ----

func architectPrompt(task, planFile, feedback string) string {
	p := fmt.Sprintf("Update %s in the root directory to reflect the implementation plan for the following task:\n\n%s\n\n"+
		"Use markdown checkboxes: - [ ] for pending, - [x] for done.\n"+
		"Ensure architecture is solid and testing is planned.\n"+
		"IMPORTANT: Do NOT enter plan mode (EnterPlanMode). Write %s directly.",
		planFile, task, planFile)
	if feedback != "" {
		p += "\n\nPrevious audit feedback to incorporate:\n" + feedback
	}
	return p
}

func planReviewPrompt(task, planFile string) string {
	return fmt.Sprintf("Review %s against the original task:\n\n%s\n\n"+
		"Check that the plan is complete, feasible, well-structured, and covers testing.\n"+
		"If the plan is solid and ready for execution, respond with exactly 'SIGN-OFF'.\n"+
		"Otherwise, provide specific feedback on what needs to change.",
		planFile, task)
}

func executePrompt(planFile, feedback string) string {
	if feedback != "" {
		return fmt.Sprintf("Fix the issues identified in the recent audit:\n%s\n\n"+
			"Then proceed with the next pending step from %s. Verify your work with tests where applicable.",
			feedback, planFile)
	}
	return fmt.Sprintf("Review the current %s and project state. "+
		"Implement the next pending step of the plan. Verify your work with tests where applicable.",
		planFile)
}

func auditPrompt(task, planFile string) string {
	return fmt.Sprintf("Review the recent changes and current project state against %s and the original task:\n\n%s\n\n"+
		"Check for bugs, security issues, or deviations from the plan.\n"+
		"If everything looks correct and all plan items are complete, respond with exactly 'SIGN-OFF'.\n"+
		"Otherwise, provide precise, actionable feedback on what needs fixing.",
		planFile, task)
}

// signedOff reports whether any line of a verdict opens with the
// sign-off token. Reviewers often put preamble before the verdict.
func signedOff(verdict string) bool {
	for _, line := range strings.Split(verdict, "\n") {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "SIGN-OFF") {
			return true
		}
	}
	return false
}

// ---- cross-review loop ----

const deepReviewTemplate = `Do a deep, thorough review of the code you've been working on in this session. Focus on the files and areas we've touched or discussed — NOT the entire project.%s
Be ruthlessly critical. Look for:
1. BUGS: Logic errors, off-by-one, null/undefined access, race conditions
2. DESIGN FLAWS: Poor abstractions, god functions, tight coupling, wrong patterns
3. SECURITY: Injection, XSS, auth bypasses, secret leaks
4. ERROR HANDLING: Silent failures, swallowed exceptions, missing error paths
5. EDGE CASES: Empty inputs, large inputs, concurrent access, network failures
6. PERFORMANCE: N+1 queries, unnecessary allocations, blocking operations in async code

For each issue found:
- State the exact file and location
- Explain why it's a problem
- Fix it immediately

After fixing everything you find, report what you fixed and what looks clean.`

// deepReviewPrompt opens the cross-review loop: the primary reviews
// its own session's work. Session context narrows the scope to what
// was actually touched.
func deepReviewPrompt(summary, lastPrompt string) string {
	context := ""
	switch {
	case summary != "":
		context = "\n\nSESSION CONTEXT (what we've been working on):\n" + clip(summary, 2000) + "\n"
	case lastPrompt != "":
		context = "\n\nLAST TASK: " + lastPrompt + "\n"
	}
	return fmt.Sprintf(deepReviewTemplate, context)
}

const fixFindingsTemplate = `A senior engineer ({secondary}) reviewed your code and found these issues. Fix them ALL:

%s

After fixing, do another pass to make sure you didn't introduce regressions. Report exactly what you changed. If you disagree with any feedback, explain why.`

func fixFindingsPrompt(n names, feedback string) string {
	return n.apply(fmt.Sprintf(fixFindingsTemplate, feedback))
}

const crossCheckTemplate = `You are a ruthless senior staff engineer doing a deep code review.

You are reviewing {primary}'s detailed review output. Your job is to catch things {primary} missed or got wrong:

1. DESIGN/ARCHITECTURE FLAWS: Poor abstractions, god functions, tight coupling, wrong patterns
2. BANDAIDS/HACKS: Quick fixes that don't address root causes, workarounds due to laziness
3. DEGRADING FALLBACKS: New fallback paths that silently degrade the product instead of failing properly
4. MISSED ISSUES: Bugs, race conditions, security issues {primary} didn't catch
5. OVER-ENGINEERING: Unnecessary abstractions, premature optimization, gold-plating

REVIEW HISTORY SO FAR:
%s

{PRIMARY}'S LATEST REVIEW OUTPUT:
%s

If you find ANY of the above issues, respond with a SPECIFIC prompt to give to {primary} telling it exactly what to fix and why. Be direct and technical — name the exact function, file, pattern, or line that's wrong.

If {primary}'s review and fixes are solid — no design flaws, no bandaids, no degrading fallbacks, no hacks — respond with exactly:
CLEAN

Do NOT be lenient. Do NOT say CLEAN if there are real issues. But also do NOT nitpick style or cosmetic issues — focus on correctness, design, and architecture.`

// Caps for text quoted into cross-review prompts.
const (
	crossOutputLimit  = 8000
	crossHistoryLimit = 6000
)

func crossCheckPrompt(n names, output, history string) string {
	if len(output) > crossOutputLimit {
		output = output[:crossOutputLimit] + "\n\n... (output truncated)"
	}
	return n.apply(fmt.Sprintf(crossCheckTemplate, tailOf(history, crossHistoryLimit), output))
}

const secondaryFixTemplate = `You are a ruthless senior staff engineer doing a deep code review AND fixing issues directly.

{primary} (another AI) has already done %d rounds of self-review and fixes. Your job is to find what {primary} missed and FIX it yourself.

IMPORTANT: Focus ONLY on the files and code areas mentioned in the review history below. Do NOT review the entire project — only the files that were worked on in this session.

REVIEW HISTORY SO FAR:
%s

Your job:
1. Read the actual code files mentioned in the review history
2. Look for issues {primary} missed or got wrong:
   - BUGS: Logic errors, race conditions, null access, off-by-one
   - DESIGN FLAWS: Poor abstractions, god functions, tight coupling
   - BANDAIDS/HACKS: Quick fixes that don't address root causes
   - SECURITY: Injection, XSS, auth bypasses, secret leaks
   - OVER-ENGINEERING: Unnecessary abstractions, premature optimization
3. FIX every issue you find directly in the code files
4. Report what you found and fixed

After reviewing and fixing, report exactly what you found and changed.

If the code is solid and you found nothing to fix, respond with exactly:
ALL_CLEAN

Focus on correctness, design, and architecture — not cosmetics.`

const secondaryFollowupTemplate = `You are a ruthless senior staff engineer doing a deep code review AND fixing issues directly.

{primary} (another AI) reviewed your previous fixes and found problems. Here's {primary}'s critique:

{PRIMARY}'S CRITIQUE:
%s

REVIEW HISTORY SO FAR:
%s

Your job:
1. Read {primary}'s critique carefully
2. Review the actual code files to verify {primary}'s claims
3. If {primary} is right, fix the issues directly in the files
4. If {primary} is wrong, explain why (but still check for other issues)
5. Look for anything BOTH you and {primary} may have missed

After reviewing and fixing, report exactly what you found and changed.

If the code is solid and you found nothing to fix, respond with exactly:
ALL_CLEAN

Focus on correctness, design, and architecture — not cosmetics.`

func secondaryFixPrompt(n names, step int, history, critique string) string {
	history = tailOf(history, crossHistoryLimit)
	if critique != "" {
		return n.apply(fmt.Sprintf(secondaryFollowupTemplate, clip(critique, 4000), history))
	}
	return n.apply(fmt.Sprintf(secondaryFixTemplate, step, history))
}

const finalCritiqueTemplate = `Another AI ({secondary}) just did a deep code review and made direct fixes to the codebase.

REVIEW HISTORY:
%s

Your job is to cross-review {secondary}'s work with fresh eyes:

1. Read the actual code files — did {secondary}'s fixes actually improve things?
2. Did {secondary} introduce any regressions or new bugs?
3. Did {secondary} use bandaids/hacks instead of proper fixes?
4. Did {secondary} miss important issues that are still in the code?
5. Did {secondary} over-engineer or add unnecessary complexity?
6. Are there design/architecture concerns {secondary} overlooked?

If you find problems, fix them immediately and report what you changed.
If {secondary}'s work is solid and the code is clean, say exactly: ALL_CLEAN`

// finalCritiqueHistoryLimit bounds the history window the primary
// judges the secondary's work over.
const finalCritiqueHistoryLimit = 4000

func finalCritiquePrompt(n names, history string) string {
	return n.apply(fmt.Sprintf(finalCritiqueTemplate, tailOf(history, finalCritiqueHistoryLimit)))
}

// tailOf keeps the most recent n bytes of rolling history.
func tailOf(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
