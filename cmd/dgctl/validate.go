package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bigredeye/deploygate/internal/graph"
	"github.com/bigredeye/deploygate/internal/pipeline"
)

func makeValidateCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check pipeline definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validate(path, vars); err != nil {
					fmt.Printf("%s: %s\n", path, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "Override a variable (HCL definitions)")

	return cmd
}

func validate(path string, vars map[string]string) error {
	def, err := pipeline.LoadFile(path, vars)
	if err != nil {
		return err
	}
	g, err := graph.New(def)
	if err != nil {
		return err
	}
	fmt.Printf("%s: pipeline %s, order %s\n", path, def.Name, strings.Join(g.TopologicalOrder(), " -> "))
	return nil
}
