// Package expression provides the expression evaluators used for task guards,
// until conditions, loop iterables and argument placeholders.
//
// Two dialects are available. Starlark is the default and evaluates Python-like
// expressions such as `result["status"] == "ok"` or `attempt >= 3`. HCL evaluates
// HashiCorp Configuration Language expressions and templates such as
// `length(hosts) > 0` or `"${name}-backup"`.
//
// Both evaluators satisfy the engine's ExpressionEvaluator contract:
//
//	ev, err := expression.New(expression.DialectStarlark, expression.Options{})
//	ok, err := ev.EvalBool(ctx, "count > 2", map[string]interface{}{"count": 3})
//
// Evaluators are stateless apart from their options and are safe for concurrent use.
package expression
