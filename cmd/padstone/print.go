package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"

	"github.com/model-checking/padstone/pkg/account"
	"github.com/model-checking/padstone/pkg/pipelines"
	"github.com/model-checking/padstone/pkg/stacks"
)

var (
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	timeoutColor = color.New(color.FgYellow)
)

// printReport writes the deployment outcome to stdout, one line per stack
// and pipeline, colored by outcome.
func printReport(r *account.Report) {
	names := make([]string, 0, len(r.Stacks))
	for name := range r.Stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("stack    %-28s %s\n", name, colorStackStatus(r.Stacks[name]))
	}

	names = names[:0]
	for name := range r.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("pipeline %-28s %s\n", name, colorPipelineStatus(r.Pipelines[name]))
	}
}

func colorStackStatus(s stacks.Status) string {
	switch {
	case s == stacks.StatusTimeout:
		return timeoutColor.Sprint(string(s))
	case s.Succeeded():
		return okColor.Sprint(string(s))
	case s.Failed():
		return failColor.Sprint(string(s))
	}
	return string(s)
}

func colorPipelineStatus(s pipelines.Status) string {
	switch {
	case s == pipelines.StatusTimeout:
		return timeoutColor.Sprint(string(s))
	case s.Failed():
		return failColor.Sprint(string(s))
	}
	return okColor.Sprint(string(s))
}
