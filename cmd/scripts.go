package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/smazurov/observer/internal/scripts"
	"github.com/spf13/cobra"
)

// CreateScriptsCmd creates the scripts command. It loads a scripts directory
// offline and prints the name and digest Redis will know each script by.
func CreateScriptsCmd() *cobra.Command {
	var dir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List Lua scripts and their digests",
		Long: `Loads every *.lua file from the scripts directory, checks its syntax and prints ` +
			`the SHA-1 digest used with SCRIPT LOAD and EVALSHA. Does not connect to Redis.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return listScripts(c.OutOrStdout(), dir, asJSON)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "scripts", "Scripts directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

func listScripts(out io.Writer, dir string, asJSON bool) error {
	cache := scripts.NewCache()
	regs, err := scripts.LoadDir(cache, dir)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(regs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIGEST")
	for _, reg := range regs {
		fmt.Fprintf(w, "%s\t%s\n", reg.Name, reg.Digest)
	}
	return w.Flush()
}
