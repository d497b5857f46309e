// Package cli implements the per-kind item commands, e.g.
// "provisiond system add web01 --parent p1".
//
// Each command opens the object graph from the home directory, runs one
// operation and closes it again. Constraint checks and triggers run as
// they do inside the server. With --sync a full sync follows every
// successful change.
package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"provisiond/internal/item"
	"provisiond/internal/orchestrator"
)

// Opener returns a loaded orchestrator. The command closes it.
type Opener func(ctx context.Context) (*orchestrator.Orchestrator, error)

// NewItemCommands returns one command per item kind.
func NewItemCommands(open Opener) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(item.Kinds))
	for _, kind := range item.Kinds {
		cmds = append(cmds, newKindCmd(kind, open))
	}
	return cmds
}

func newKindCmd(kind item.Kind, open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:     string(kind),
		Aliases: []string{kind.Plural()},
		Short:   "Manage " + kind.Plural(),
	}
	cmd.PersistentFlags().StringP("output", "o", formatTable, "output format: table, json or yaml")
	cmd.PersistentFlags().Bool("sync", false, "run a full sync after a successful change")

	c := &kindCmd{kind: kind, open: open}
	cmd.AddCommand(
		c.listCmd(),
		c.getCmd(),
		c.addCmd(),
		c.editCmd(),
		c.removeCmd(),
		c.findCmd(),
		c.renameCmd(),
		c.copyCmd(),
		c.descendantsCmd(),
	)
	return cmd
}

// kindCmd builds the subcommands for one kind.
type kindCmd struct {
	kind item.Kind
	open Opener
}

// run opens the orchestrator, calls fn and closes it.
func (c *kindCmd) run(cmd *cobra.Command, fn func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error) (err error) {
	format, _ := cmd.Flags().GetString("output")
	p, err := newPrinter(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	o, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, o.Close()) }()
	return fn(ctx, o, p)
}

// changed runs the optional sync after a mutation.
func changed(ctx context.Context, cmd *cobra.Command, o *orchestrator.Orchestrator) error {
	if doSync, _ := cmd.Flags().GetBool("sync"); !doSync {
		return nil
	}
	rep, err := o.Sync(ctx)
	if rep != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "sync: %d managers, %d failed, %s\n",
			len(rep.Managers), len(rep.Failed()), rep.Duration.Round(time.Millisecond))
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
