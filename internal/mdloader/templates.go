package mdloader

import "fmt"

// RuleMDTemplate returns a starter rule-rationale doc for the given rule ID.
// This file is read by operators (and `sentryd doctor`) to understand why a
// detectrules.Catalogue entry exists and how it has been tuned over time.
func RuleMDTemplate(ruleID string) string {
	return fmt.Sprintf(`# Rule: %s

## Purpose

Describe the attack family this rule catches and why the keywords/patterns
were chosen.

## Known False Positives

- List phrasing that has triggered this rule without being an actual attack.
- Note any environment or source predicate added to narrow the match.

## Tuning History

- Record confidence adjustments (RecordPatternMatch / RecordPatternFalsePositive)
  that changed this rule's effective weight.

## Related Rules

List other rule IDs that frequently co-fire with this one, or that this rule
superseded.
`, ruleID)
}

// PolicyMDTemplate returns a starter POLICY.md for the given policy name.
// This file provides the semantic context that the ai-judge LLM uses when
// evaluating whether a proposed remediation action should be allowed,
// denied, or escalated to a human approver.
func PolicyMDTemplate(policyName string) string {
	return fmt.Sprintf(`# Policy: %s

## Purpose

Describe what this policy protects and why it exists.

## Evaluation Criteria

When evaluating a proposed remediation action against this policy, consider:

1. **Proportionality**: Is the action's blast radius proportional to the
   alert's severity and certainty?
2. **Reversibility**: Can the action be undone if the alert turns out to be
   a false positive?
3. **Scope**: Does the action's target match the entity the alert actually
   implicates?
4. **Precedent**: Is this consistent with remediation decisions the engine
   has made for similar alerts?

## Allow When

- The action is reversible and scoped to the alerting entity.
- The alert's certainty and severity justify the action's risk level.
- The action follows an established, previously-approved pattern.

## Deny When

- The action is irreversible and the alert's certainty is not high.
- The action's target is broader than the alert's evidence supports.
- The action matches a known false-positive pattern for this rule.

## Escalation

If the judge cannot confidently determine allow/deny, the action should be
escalated to a human approver via the ApprovalWorkflow rather than guessed.
`, policyName)
}

// PolicyYAMLTemplate returns a starter policy configuration file for the
// given policy name.
func PolicyYAMLTemplate(policyName string) string {
	return fmt.Sprintf(`# Policy configuration for: %s
# Referenced from the policies[] section of the main config.

name: %s
type: ai-judge
effect: require_approval
message: "Action escalated by ai-judge policy: %s"
model: claude-sonnet-4
context: %s   # path within policies_dir, contains POLICY.md
timeout: 10s
timeout_effect: require_approval  # fail closed to a human on timeout
`, policyName, policyName, policyName, policyName)
}

// PlaybookTemplate returns a starter runbook for the given threat type. It
// is surfaced to operators alongside a pending Playbook so they know what
// to check before approving, rejecting, or running a dry run.
//
// Supported threat types: "prompt_injection", "data_exfiltration",
// "credential_access", "destructive_action", "privilege_escalation".
// Unknown types return a generic runbook.
func PlaybookTemplate(threatType string) string {
	switch threatType {
	case "prompt_injection":
		return promptInjectionPlaybook()
	case "data_exfiltration":
		return dataExfiltrationPlaybook()
	case "credential_access":
		return credentialAccessPlaybook()
	case "destructive_action":
		return destructiveActionPlaybook()
	case "privilege_escalation":
		return privilegeEscalationPlaybook()
	default:
		return genericPlaybook(threatType)
	}
}

func promptInjectionPlaybook() string {
	return `# Playbook: Prompt Injection

## Trigger

A detector flagged agent input (or a tool result returned to the agent) as
an attempt to override its instructions or extract hidden context.

## Analysis Steps

1. **Locate the injection point**: user message, tool output, or a document
   the agent retrieved and summarized?
2. **Check what the agent did next**: did it comply with the injected
   instruction, ignore it, or flag it itself?
3. **Assess reach**: did the agent have access to anything sensitive at the
   time (credentials, other sessions, destructive tools)?

## Remediation Options

- **Terminate session**: the agent acted on the injected instruction.
- **Suspend user**: the injection came from a message this user authored,
  not a retrieved document.
- **Block source**: the injection arrived via a specific upstream IP or
  document source that should be denied going forward.

## Notes

Check whether this pattern matches an existing rule or is novel enough to
report via the learning system's missed-attack pipeline.
`
}

func dataExfiltrationPlaybook() string {
	return `# Playbook: Data Exfiltration

## Trigger

A detector flagged an agent action that reads and forwards data matching a
sensitive pattern (credentials, PII, bulk record access) to an external
destination.

## Analysis Steps

1. **Identify what left**: which fields, how much volume, to where?
2. **Confirm the destination**: is it an allowed integration endpoint, or
   genuinely external?
3. **Check authorization**: was this data access within the agent's normal
   operating scope, or a departure from its baseline behavior?

## Remediation Options

- **Block IP**: the destination is the controllable point.
- **Terminate session**: the access pattern itself is the problem.
- **Suspend user**: the request originated from a specific authenticated
  identity that should be paused pending review.

## Notes

Irreversible once data has left — bias toward immediate containment over a
dry run when certainty is high.
`
}

func credentialAccessPlaybook() string {
	return `# Playbook: Credential Access

## Trigger

A detector flagged an attempt to read, dump, or request secrets: API keys,
tokens, database credentials, environment variables.

## Analysis Steps

1. **Scope the exposure**: which credential, and what does it grant access to?
2. **Check whether it was used**: a read is less urgent than a read followed
   by an authenticated call elsewhere.
3. **Identify the blast radius**: is this credential shared across agents or
   sessions?

## Remediation Options

- **Terminate session** and **suspend user** together when the credential
  was both read and used.
- **Block IP** if the access came through a specific network path worth
  cutting off immediately.

## Notes

Credential rotation is outside this system's remediation surface — flag it
for the owning team once containment is in place.
`
}

func destructiveActionPlaybook() string {
	return `# Playbook: Destructive Action

## Trigger

A detector or policy guard flagged an agent attempting an irreversible
operation (delete, drop, truncate, force-push) outside its normal scope.

## Analysis Steps

1. **Confirm irreversibility**: is there a backup, or is this genuinely
   unrecoverable?
2. **Check environment**: production destructive actions always require
   approval regardless of certainty; non-production may not.
3. **Assess intent**: does the surrounding context show the agent understood
   what it was about to do?

## Remediation Options

- **Require approval** is the default effect for destructive actions in
  production; don't bypass it even at high certainty.
- **Terminate session** if the action already executed.

## Notes

This playbook's dry run should always be run before approval — destructive
actions are exactly the case dry-run simulation exists for.
`
}

func privilegeEscalationPlaybook() string {
	return `# Playbook: Privilege Escalation

## Trigger

A detector flagged a conversational or behavioral pattern consistent with an
agent (or the user directing it) attempting to acquire permissions beyond
its granted scope: progressive probing, trust-building, permission requests
disguised as routine tasks.

## Analysis Steps

1. **Trace the conversation window**: what sequence of requests led here?
2. **Check current permission state**: did anything actually escalate, or
   was the attempt blocked upstream?
3. **Assess persistence**: is this a single attempt or a repeated pattern
   across sessions from the same owner?

## Remediation Options

- **Terminate session** to cut the current attempt short.
- **Suspend user** when the pattern recurs across multiple sessions for the
  same owner — see cascade remediation.

## Notes

Conversational detection is probabilistic; prefer require_approval over an
automatic terminate unless certainty is high.
`
}

func genericPlaybook(threatType string) string {
	return fmt.Sprintf(`# Playbook: %s

## Trigger

This playbook applies when a detection of type %q fires and no specific
runbook has been written yet.

## Analysis Steps

1. Review the alert's evidence and the Analyst's reasoning.
2. Examine recent activity for the implicated agent, user, and session.
3. Assess severity and potential impact.
4. Determine the appropriate remediation action.

## Remediation Options

Choose from the whitelisted action catalogue: block_ip, terminate_session,
suspend_user, isolate_agent, rate_limit, or require_approval if uncertain.

## Notes

Consider writing a dedicated runbook once this threat type recurs.
`, threatType, threatType)
}
