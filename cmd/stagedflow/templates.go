package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/fatih/color"
)

func templatesCommand(args []string) error {
	fs := flag.NewFlagSet("templates", flag.ContinueOnError)
	file := fs.String("file", "", "YAML file with additional templates")
	verbose := fs.Bool("v", false, "Show the steps of each template")
	if err := fs.Parse(args); err != nil {
		return err
	}
	registry, err := loadRegistry(*file)
	if err != nil {
		return err
	}
	return printTemplates(os.Stdout, registry, *verbose)
}

func printTemplates(w io.Writer, registry *stagedflow.Registry, verbose bool) error {
	for _, name := range registry.Names() {
		tmpl, err := registry.Get(name)
		if err != nil {
			return err
		}
		color.New(color.FgCyan).Fprintf(w, "%s", tmpl.Name())
		fmt.Fprintf(w, " (%s, %d steps, about %v)\n", tmpl.Kind(), tmpl.Len(), tmpl.NominalDuration())
		if tmpl.Description() != "" {
			fmt.Fprintf(w, "  %s\n", tmpl.Description())
		}
		if !verbose {
			continue
		}
		for i, step := range tmpl.Steps() {
			marker := ""
			if step.External {
				marker = " [wallet]"
			}
			fmt.Fprintf(w, "  %d. %s%s: %s\n", i+1, step.Title, marker, step.HandlerName())
		}
	}
	return nil
}
