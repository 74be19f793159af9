// Package policy vets workflows with Open Policy Agent before they run.
//
// Every policy is a Rego module that defines a deny set in its package. Each
// element is either a message string or an object with message, task and an
// optional severity. Violations with error or critical severity reject the
// workflow; info and warning findings are only reported.
//
// Policies see the workflow as input:
//
//	{
//	  "tasks": [
//	    {"name": "fetch", "action": "command", "depends_on": [], "loop": false,
//	     "retry": {"max_attempts": 3, "max_delay": 30}, "until_delay": 0}
//	  ],
//	  "context": {"operation": "admit", "timestamp": "..."}
//	}
//
// Durations are given in seconds. The limits of the built-in policies are
// exposed as data.flowctl.config.
//
// # Usage
//
//	cfg := policy.DefaultConfig()
//	cfg.ForbiddenActions = []string{"command"}
//	eng, err := policy.NewEngine(logger, cfg)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
//	scheduler := engine.NewScheduler(registry, evaluator, engine.Options{Admission: eng})
//
// Engine.Watch reloads policies when files under the watched paths change.
// Built-in policies survive reloads.
//
// # Writing policies
//
//	# Disallow sleeping in production workflows.
//	# severity: critical
//	package custom.nosleep
//
//	import rego.v1
//
//	deny contains violation if {
//	    some task in input.tasks
//	    task.action == "sleep"
//	    violation := {"message": "sleep is not allowed", "task": task.name}
//	}
//
// The leading comment becomes the description and the severity line sets the
// default severity. JSON files holding a serialized Policy are accepted too.
package policy
