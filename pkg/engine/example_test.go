package engine_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/flowctl/pkg/engine"
	"github.com/openfroyo/flowctl/pkg/expression"
)

// Example_workflow runs a small workflow with a loop, a guard, a failure and
// a rescue block, then prints each node's final state.
func Example_workflow() {
	registry := engine.NewRegistry()
	_ = registry.RegisterFunc("greet", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		return fmt.Sprintf("hello %v", args["who"]), nil
	})
	_ = registry.RegisterFunc("migrate", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("database locked")
	})
	_ = registry.RegisterFunc("unlock", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		return "unlocked after " + vars["failed_task"].(string), nil
	})

	scheduler := engine.NewScheduler(registry, expression.NewStarlarkEvaluator(expression.Options{}), engine.Options{})

	specs := []engine.TaskSpec{
		{Name: "greet", Action: "greet", Loop: "users", Args: map[string]interface{}{"who": "{{ item }}"}, SetTo: "greeting"},
		{Name: "migrate", Action: "migrate", DependsOn: []string{"greet"}, Rescue: []engine.TaskSpec{{Action: "unlock"}}},
		{Name: "audit", Action: "greet", When: "env == 'prod'", DependsOn: []string{"migrate"}},
		{Name: "announce", Action: "greet", DependsOn: []string{"migrate"}, Args: map[string]interface{}{"who": "{{ greeting }}"}},
	}

	report, err := scheduler.Execute(context.Background(), specs, map[string]interface{}{
		"users": []interface{}{"ada", "linus"},
		"env":   "staging",
	})
	if err != nil {
		fmt.Println("rejected:", err)
		return
	}

	for _, n := range report.Nodes {
		line := fmt.Sprintf("%s: %s", n.Name, n.State)
		if n.Result != nil {
			line += fmt.Sprintf(" (%v)", n.Result)
		}
		fmt.Println(line)
	}
	fmt.Println(strings.ToUpper(string(report.Status)))

	// Output:
	// greet[0]: succeeded (hello ada)
	// greet[1]: succeeded (hello linus)
	// migrate: rescued
	// audit: skipped
	// announce: succeeded (hello hello linus)
	// migrate.rescue[0]: succeeded (unlocked after migrate)
	// SUCCEEDED
}

// Example_plan builds the node graph of a workflow without running it.
func Example_plan() {
	registry := engine.NewRegistry()
	_ = registry.RegisterFunc("noop", func(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
		return nil, nil
	})
	scheduler := engine.NewScheduler(registry, nil, engine.Options{})

	graph, err := scheduler.Plan(context.Background(), []engine.TaskSpec{
		{Name: "build", Action: "noop"},
		{Name: "test", Action: "noop", DependsOn: []string{"build"}, Loop: []interface{}{"unit", "e2e"}},
		{Name: "release", Action: "noop", DependsOn: []string{"test"}},
	}, nil)
	if err != nil {
		fmt.Println(err)
		return
	}

	levels, _ := graph.Levels()
	for i, level := range levels {
		names := make([]string, 0, len(level))
		for _, id := range level {
			names = append(names, graph.Node(id).Name)
		}
		fmt.Printf("level %d: %s\n", i, strings.Join(names, ", "))
	}

	// Output:
	// level 0: build
	// level 1: test[0], test[1]
	// level 2: release
}
