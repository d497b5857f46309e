package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"provisiond/internal/collection"
	"provisiond/internal/item"
	"provisiond/internal/orchestrator"
)

func (c *kindCmd) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List " + c.kind.Plural() + " in insertion order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				coll := o.Collections()
				names, err := coll.List(c.kind)
				if err != nil {
					return err
				}
				items := make([]*item.Item, 0, len(names))
				for _, name := range names {
					it, err := coll.Get(ctx, c.kind, name)
					if err != nil {
						return err
					}
					items = append(items, it)
				}
				return printItems(p, items)
			})
		},
	}
}

func printItems(p *printer, items []*item.Item) error {
	if p.structured() {
		if items == nil {
			items = []*item.Item{}
		}
		return p.encode(items)
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.Name, it.Parent, it.Comment})
	}
	p.table([]string{"NAME", "PARENT", "COMMENT"}, rows)
	return nil
}

func (c *kindCmd) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one " + string(c.kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, _ := cmd.Flags().GetBool("resolved")
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				if resolved {
					r, err := o.Collections().Blend(ctx, c.kind, args[0])
					if err != nil {
						return err
					}
					return printResolved(p, r)
				}
				it, err := o.Collections().Get(ctx, c.kind, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					return p.encode(it)
				}
				p.kv(itemPairs(it))
				return nil
			})
		},
	}
	cmd.Flags().Bool("resolved", false, "show attributes resolved through the parent chain")
	return cmd
}

func printResolved(p *printer, r *item.Resolved) error {
	lineage := make([]string, len(r.Lineage))
	for i, k := range r.Lineage {
		lineage[i] = k.String()
	}
	if p.structured() {
		return p.encode(map[string]any{
			"name":    r.Name,
			"kind":    r.Kind,
			"lineage": lineage,
			"values":  r.Values,
			"maps":    r.Maps,
		})
	}
	pairs := [][2]string{
		{"Name", r.Name},
		{"Lineage", strings.Join(lineage, " <- ")},
	}
	for _, k := range sortedKeys(r.Values) {
		pairs = append(pairs, [2]string{k, r.Values[k]})
	}
	for _, attr := range sortedKeys(r.Maps) {
		var parts []string
		for _, k := range sortedKeys(r.Maps[attr]) {
			if v := r.Maps[attr][k]; v != "" {
				parts = append(parts, k+"="+v)
			} else {
				parts = append(parts, k)
			}
		}
		pairs = append(pairs, [2]string{attr, strings.Join(parts, " ")})
	}
	p.kv(pairs)
	return nil
}

func (c *kindCmd) addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a " + string(c.kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			check, _ := cmd.Flags().GetBool("check")
			it := item.New(c.kind, args[0])
			if from != "" {
				var err error
				if it, err = readItemFile(from, c.kind, args[0]); err != nil {
					return err
				}
			}
			if err := applyItemFlags(cmd, it); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				if err := o.Collections().Add(ctx, it, collection.AddOptions{CheckOnly: check}); err != nil {
					return err
				}
				if check {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s passes every check\n", c.kind, it.Name)
					return nil
				}
				return changed(ctx, cmd, o)
			})
		},
	}
	cmd.Flags().String("from", "", "read the item from a YAML or JSON file; flags override it")
	cmd.Flags().Bool("check", false, "validate without adding")
	addItemFlags(cmd, c.kind)
	return cmd
}

func (c *kindCmd) editCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Change fields of a " + string(c.kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				it, err := o.Collections().Get(ctx, c.kind, args[0])
				if err != nil {
					return err
				}
				if err := applyItemFlags(cmd, it); err != nil {
					return err
				}
				if err := o.Collections().Edit(ctx, it); err != nil {
					return err
				}
				return changed(ctx, cmd, o)
			})
		},
	}
	addItemFlags(cmd, c.kind)
	return cmd
}

func (c *kindCmd) removeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a " + string(c.kind),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, _ := cmd.Flags().GetBool("recursive")
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				err := o.Collections().Remove(ctx, c.kind, args[0], collection.RemoveOptions{Recursive: recursive})
				if err != nil {
					return err
				}
				return changed(ctx, cmd, o)
			})
		},
	}
	cmd.Flags().BoolP("recursive", "r", false, "also remove everything that depends on it")
	return cmd
}

func (c *kindCmd) findCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find [field=pattern...]",
		Short: "Find " + c.kind.Plural() + " by index or by field patterns",
		Long: `Find items in one of two ways.

With --index, the named secondary index is looked up for the exact value
given as the only argument, e.g. "find --index mac_address aa:bb:cc:dd:ee:ff".

Otherwise every argument is a field=pattern criterion and all of them must
match. Patterns are case-insensitive globs; a leading ~ negates one.
Resolved attributes and, for systems, interface fields can be matched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			index, _ := cmd.Flags().GetString("index")
			if index != "" && len(args) != 1 {
				return fmt.Errorf("--index takes exactly one value")
			}
			criteria := make(map[string]string, len(args))
			if index == "" {
				for _, a := range args {
					k, v, ok := strings.Cut(a, "=")
					if !ok || k == "" {
						return fmt.Errorf("criterion %q: want field=pattern", a)
					}
					criteria[k] = v
				}
			}
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				var items []*item.Item
				if index != "" {
					seq, err := o.Collections().Find(ctx, c.kind, index, args[0])
					if err != nil {
						return err
					}
					for it := range seq {
						items = append(items, it)
					}
				} else {
					var err error
					if items, err = o.Collections().Search(ctx, c.kind, criteria); err != nil {
						return err
					}
				}
				return printItems(p, items)
			})
		},
	}
	cmd.Flags().String("index", "", "secondary index to look the value up in")
	return cmd
}

func (c *kindCmd) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a " + string(c.kind) + " and update everything referring to it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				if err := o.Collections().Rename(ctx, c.kind, args[0], args[1]); err != nil {
					return err
				}
				return changed(ctx, cmd, o)
			})
		},
	}
}

func (c *kindCmd) copyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy a " + string(c.kind) + " under a new name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				if err := o.Collections().Copy(ctx, c.kind, args[0], args[1]); err != nil {
					return err
				}
				return changed(ctx, cmd, o)
			})
		},
	}
}

func (c *kindCmd) descendantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "descendants <name>",
		Short: "List every item that depends on a " + string(c.kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, o *orchestrator.Orchestrator, p *printer) error {
				keys, err := o.Collections().Descendants(ctx, c.kind, args[0])
				if err != nil {
					return err
				}
				if p.structured() {
					out := make([]string, len(keys))
					for i, k := range keys {
						out[i] = k.String()
					}
					return p.encode(out)
				}
				rows := make([][]string, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, []string{string(k.Kind), k.Name})
				}
				p.table([]string{"KIND", "NAME"}, rows)
				return nil
			})
		},
	}
}
