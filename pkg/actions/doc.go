// Package actions provides the built-in actions available to flowctl
// workflows.
//
//	echo     log args.msg and return it
//	set      return the arguments as a map, for use with set_to
//	fail     fail with args.msg; args.kind sets the retry classification
//	sleep    wait args.duration (seconds or a Go duration string)
//	assert   fail unless args.that (a value or a list) is true
//	flaky    fail the first args.failures calls per node, then succeed
//	command  run a local process
//	file     write a local file idempotently
//	ssh      run a command on a remote host
//	upload   copy a file to a remote host over SFTP
//	wasm     run a sandboxed WASI command module
//
// NewRegistry returns an engine.Registry with all of them registered.
// NewRegistryWith also shares SSH connections through an ssh.Pool.
// Applications add their own actions to the same registry.
package actions
