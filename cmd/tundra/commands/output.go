package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/opentundra/opentundra/pkg/engine"
)

const runDurationUnit = 100 * time.Millisecond

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func marshalIndentJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func opSymbol(op engine.OperationType) string {
	switch op {
	case engine.OperationCreate:
		return "+"
	case engine.OperationUpdate:
		return "~"
	case engine.OperationDelete:
		return "-"
	case engine.OperationRecreate:
		return "±"
	default:
		return " "
	}
}

// printPlan renders the plan in level order, one line per unit.
func printPlan(plan *engine.Plan) {
	units := make([]engine.PlanUnit, len(plan.Units))
	copy(units, plan.Units)
	sort.Slice(units, func(i, j int) bool {
		if units[i].Level != units[j].Level {
			return units[i].Level < units[j].Level
		}
		return units[i].ResourceID < units[j].ResourceID
	})

	fmt.Printf("Plan for stack %q (%s)\n\n", plan.Stack, plan.ID)
	for _, unit := range units {
		fmt.Printf("  %s %-40s %s (level %d)\n",
			opSymbol(unit.Operation), unit.ResourceID, unit.Operation, unit.Level)
		for _, change := range unit.Changes {
			if change.Path == "." {
				continue
			}
			fmt.Printf("      %s %s\n", change.Action, change.Path)
		}
	}

	s := plan.Summary
	fmt.Printf("\nSummary: %d to create, %d to update, %d to recreate, %d to delete, %d unchanged\n",
		s.ToCreate, s.ToUpdate, s.ToRecreate, s.ToDelete, s.NoChange)
}

// printRun renders a finished run's outcome.
func printRun(run *engine.Run) {
	s := run.Summary
	fmt.Printf("\nRun %s: %s in %s\n", run.ID, run.Status, run.Duration.Round(runDurationUnit))
	fmt.Printf("  %d succeeded, %d failed, %d skipped\n", s.Succeeded, s.Failed, s.Skipped)
}

// printViolations lists policy violations grouped by severity.
func printViolations(result *engine.PolicyResult) {
	for _, v := range result.Violations {
		line := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(v.Severity), v.Policy, v.Message)
		if v.ResourceID != "" {
			line += fmt.Sprintf(" (resource %s)", v.ResourceID)
		}
		fmt.Println(line)
	}
	for _, w := range result.Warnings {
		fmt.Printf("[WARNING] %s\n", w)
	}
}

// confirm prompts for a yes/no answer on stdin, defaulting to no.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
