// Package config loads flowctl workflow documents and the runtime
// configuration file.
//
// # Workflow documents
//
// A workflow is written in YAML or CUE under a top-level "workflow" key:
//
//	workflow:
//	  name: deploy
//	  vars:
//	    hosts: [web1, web2]
//	  tasks:
//	    - name: echo
//	      id: greet
//	      args: {msg: "deploying {{ len(hosts) }} hosts"}
//	    - name: deploy
//	      loop: "{{ hosts }}"
//	      depends_on: greet
//	      retry: {max_attempts: 3, delay: 2s, retry_on: [ConnectionError]}
//	      rescue:
//	        - name: echo
//	          args: {msg: rollback}
//
// Both formats are unified with the built-in #Workflow CUE schema, decoded
// into WorkflowFile, checked with validator struct tags and converted to
// engine.TaskSpec values. Errors carry file positions where the source
// format provides them.
//
//	loader := config.NewLoader()
//	wf, err := loader.LoadFile(ctx, "deploy.yaml")
//	if err != nil {
//	    return err
//	}
//	report, err := scheduler.Execute(ctx, wf.Tasks, wf.Vars)
//
// Task names are action references. The graph key is the id field, or the
// name when no id is given; repeated names without an id get a numeric
// suffix (echo, echo_2, ...).
//
// # Runtime configuration
//
// RuntimeConfig holds execution, expression, store, policy and telemetry
// settings. LoadRuntimeConfig overlays a YAML file on DefaultRuntimeConfig
// and validates the result.
package config
