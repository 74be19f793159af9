package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	PolicyRetryLimits      = "retry-limits"
	PolicyUntilLimits      = "until-limits"
	PolicyForbiddenActions = "forbidden-actions"
	PolicyUntilDelay       = "until-delay"
)

// builtinTasks is shared by the built-in policies: every top-level task plus
// the steps of its rescue block.
const builtinTasks = `
tasks contains task if {
	some task in input.tasks
}

tasks contains task if {
	some parent in input.tasks
	some task in parent.rescue
}
`

// GetBuiltinPolicies returns all built-in policies. Their limits are read from
// data.flowctl.config, which the Engine populates from Config.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		retryLimitsPolicy(),
		untilLimitsPolicy(),
		forbiddenActionsPolicy(),
		untilDelayPolicy(),
	}
}

func retryLimitsPolicy() Policy {
	return Policy{
		Name:        PolicyRetryLimits,
		Description: "Caps retry attempts and the maximum backoff delay",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"retry", "limits"},
		UpdatedAt:   time.Now(),
		Rego: `package flowctl.builtin.retry

import rego.v1
` + builtinTasks + `
deny contains violation if {
	some task in tasks
	task.retry.max_attempts > data.flowctl.config.max_retry_attempts
	violation := {
		"message": sprintf("retry.max_attempts %v exceeds the limit of %v", [task.retry.max_attempts, data.flowctl.config.max_retry_attempts]),
		"task": task.name,
	}
}

deny contains violation if {
	some task in tasks
	task.retry.max_delay > data.flowctl.config.max_retry_delay
	violation := {
		"message": sprintf("retry.max_delay %vs exceeds the limit of %vs", [task.retry.max_delay, data.flowctl.config.max_retry_delay]),
		"task": task.name,
	}
}
`,
	}
}

func untilLimitsPolicy() Policy {
	return Policy{
		Name:        PolicyUntilLimits,
		Description: "Caps the number of attempts of until loops",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"loop", "limits"},
		UpdatedAt:   time.Now(),
		Rego: `package flowctl.builtin.until

import rego.v1
` + builtinTasks + `
deny contains violation if {
	some task in tasks
	task.until != ""
	task.until_max_attempts > data.flowctl.config.max_until_attempts
	violation := {
		"message": sprintf("until_max_attempts %v exceeds the limit of %v", [task.until_max_attempts, data.flowctl.config.max_until_attempts]),
		"task": task.name,
	}
}
`,
	}
}

func forbiddenActionsPolicy() Policy {
	return Policy{
		Name:        PolicyForbiddenActions,
		Description: "Rejects tasks that reference a forbidden action",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"actions", "security"},
		UpdatedAt:   time.Now(),
		Rego: `package flowctl.builtin.actions

import rego.v1
` + builtinTasks + `
deny contains violation if {
	some task in tasks
	task.action in data.flowctl.config.forbidden_actions
	violation := {
		"message": sprintf("action %q is forbidden", [task.action]),
		"task": task.name,
	}
}
`,
	}
}

// untilDelayPolicy warns about until loops that poll without waiting.
func untilDelayPolicy() Policy {
	return Policy{
		Name:        PolicyUntilDelay,
		Description: "Warns when an until loop has no delay between attempts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"loop", "hygiene"},
		UpdatedAt:   time.Now(),
		Rego: `package flowctl.builtin.untildelay

import rego.v1
` + builtinTasks + `
deny contains violation if {
	some task in tasks
	task.until != ""
	task.until_delay == 0
	violation := {
		"message": "until loop polls without until_delay",
		"task": task.name,
	}
}
`,
	}
}
