package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"typegraph/internal/catalog"
	"typegraph/internal/chunkstore"
	"typegraph/internal/config"
	"typegraph/internal/objstore"
	"typegraph/internal/pipeline"
	"typegraph/internal/types"
)

func runCmd(a *app) *cobra.Command {
	var f stageFlags
	cmd := &cobra.Command{
		Use:   "run [library[@constraint]...]",
		Short: "Pack, enrich, reassemble and publish libraries",
		Long: `Run every stage for the named libraries, or for the latest version of
every library in the work directory when none are named. Libraries already
present in the durable store are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(a.cfg, config.StageRun); err != nil {
				return err
			}
			ctx := cmd.Context()
			libs, err := a.targets(args)
			if err != nil {
				return err
			}
			if len(libs) == 0 {
				a.logger.Warn("no libraries found", "workdir", a.cfg.WorkDir)
				return nil
			}

			client, err := newClient(ctx, a.cfg.LLM, a.logger)
			if err != nil {
				return err
			}
			defer client.Close()
			objects, closeObjects, err := newObjects(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer closeObjects()

			var failed []error
			for _, lib := range libs {
				p, err := a.newPipeline(client, objects)
				if err != nil {
					return err
				}
				rep, err := p.Run(ctx, lib)
				if err != nil {
					if ctx.Err() != nil {
						return err
					}
					a.logger.Error("library failed", "library", lib.Name, "version", lib.Version, "error", err)
					failed = append(failed, fmt.Errorf("%s: %w", lib.Slug(), err))
					continue
				}
				printReport(a.stdout, rep)
			}
			return errors.Join(failed...)
		},
	}
	f.chunking(cmd)
	f.enrichment(cmd)
	f.storage(cmd)
	return cmd
}

// targets resolves command arguments, or every latest library without any.
func (a *app) targets(args []string) ([]catalog.Library, error) {
	if len(args) == 0 {
		_, latest, err := a.libraries()
		return latest, err
	}
	out := make([]catalog.Library, 0, len(args))
	for _, arg := range args {
		lib, err := a.selectLibrary(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, lib)
	}
	return out, nil
}

func packCmd(a *app) *cobra.Command {
	var f stageFlags
	cmd := &cobra.Command{
		Use:   "pack <library[@constraint]>",
		Short: "Split a library's graph into sanitized units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(a.cfg, config.StagePack); err != nil {
				return err
			}
			ctx := cmd.Context()
			lib, err := a.selectLibrary(args[0])
			if err != nil {
				return err
			}
			graph, err := pipeline.LoadGraph(lib.Signatures)
			if err != nil {
				return err
			}
			p, err := a.newPipeline(nil, nil)
			if err != nil {
				return err
			}
			st, err := a.openStore(lib)
			if err != nil {
				return err
			}
			packed, err := p.Pack(ctx, st, graph)
			if err != nil {
				return err
			}
			san, err := p.Sanitize(ctx, st, packed.Handles)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %d units (%d written, %d unchanged), %d sanitized, %d discarded, %d oversize\n",
				lib.Slug(), len(packed.Handles), packed.Written, packed.Skipped, len(san.Handles), len(san.Discarded), len(packed.Violations))
			for _, v := range packed.Violations {
				fmt.Fprintf(a.stdout, "  oversize %s#%d: cost %d > %d\n", v.Identity, v.SequenceIndex, v.Cost, v.Budget)
			}
			for _, e := range san.Unreadable {
				fmt.Fprintf(a.stdout, "  unreadable %s\n", e.Error())
			}
			return nil
		},
	}
	f.chunking(cmd)
	return cmd
}

func enrichCmd(a *app) *cobra.Command {
	var f stageFlags
	cmd := &cobra.Command{
		Use:   "enrich <library[@constraint]>",
		Short: "Enrich a packed library's units with the configured model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(a.cfg, config.StageEnrich); err != nil {
				return err
			}
			ctx := cmd.Context()
			lib, err := a.selectLibrary(args[0])
			if err != nil {
				return err
			}
			st, err := a.openStore(lib)
			if err != nil {
				return err
			}
			handles, err := st.List(ctx, chunkstore.StageSanitized)
			if err != nil {
				return err
			}
			if len(handles) == 0 {
				return fmt.Errorf("no sanitized units for %s; run pack first", lib.Slug())
			}
			client, err := newClient(ctx, a.cfg.LLM, a.logger)
			if err != nil {
				return err
			}
			defer client.Close()
			p, err := a.newPipeline(client, nil)
			if err != nil {
				return err
			}
			enr := p.Enrich(ctx, st, handles)
			fmt.Fprintf(a.stdout, "%s: %d units, %d enriched, %d reused, %d salvaged, %d failed\n",
				lib.Slug(), len(handles), enr.Enriched, enr.Reused, enr.Salvaged, len(enr.Failures))
			for _, fl := range enr.Failures {
				fmt.Fprintf(a.stdout, "  failed %s after %d attempts: %s\n", fl.Unit, fl.Attempts, fl.Error)
			}
			return ctx.Err()
		},
	}
	f.enrichment(cmd)
	return cmd
}

func reassembleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reassemble <library[@constraint]>",
		Short: "Rebuild a library's graph from its current units",
		Long: `Rebuild the graph from the enriched units, falling back to sanitized units
where no current enrichment exists, and write it to the finalized directory.
Nothing is published.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(config.StageReassemble); err != nil {
				return err
			}
			lib, err := a.selectLibrary(args[0])
			if err != nil {
				return err
			}
			p, err := a.newPipeline(nil, nil)
			if err != nil {
				return err
			}
			rep, err := p.Assemble(cmd.Context(), lib)
			if err != nil {
				return err
			}
			printReport(a.stdout, rep)
			return nil
		},
	}
	return cmd
}

func inspectCmd(a *app) *cobra.Command {
	var (
		key     string
		f       stageFlags
		asJSON  bool
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "inspect [graph.json]",
		Short: "Print per-section counts of a signature graph",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(a.cfg, config.StageInspect); err != nil {
				return err
			}
			if (key == "") == (len(args) == 0) {
				return errors.New("give either a graph file or --key")
			}
			var data []byte
			var err error
			if key != "" {
				data, err = a.fetch(cmd, key)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			g, err := types.Decode(data)
			if err != nil {
				return err
			}
			stats := g.Stats()
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printStats(a.stdout, stats, uint64(len(data)))
			if problems := g.Validate(); problems != nil {
				fmt.Fprintf(a.stdout, "problems:\n%v\n", problems)
				if strict {
					return problems
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "fetch the graph from the durable store instead of a file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print statistics as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when the graph has invariant problems")
	f.storage(cmd)
	return cmd
}

func (a *app) fetch(cmd *cobra.Command, key string) ([]byte, error) {
	objects, closeObjects, err := newObjects(cmd.Context(), a.cfg.Store)
	if err != nil {
		return nil, err
	}
	defer closeObjects()
	if objects == nil {
		return nil, &config.Error{Key: "STORE_BACKEND", Msg: "--key needs a storage backend"}
	}
	data, err := objects.Get(cmd.Context(), key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%s is not in the %s store", key, a.cfg.Store.Backend)
	}
	return data, err
}

func libsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "libs",
		Short: "List the libraries found in the work directory",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := a.cfg.Validate(config.StageLibs); err != nil {
				return err
			}
			every, latest, err := a.libraries()
			if err != nil {
				return err
			}
			libs := latest
			if all {
				libs = every
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tSIGNATURES")
			for _, l := range libs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Name, l.Version, l.Signatures)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every version, not only the latest")
	return cmd
}

func printReport(w io.Writer, rep pipeline.Report) {
	switch {
	case rep.Skipped:
		fmt.Fprintf(w, "%s %s: already published, skipped\n", rep.Library, rep.Version)
		return
	case rep.Complete():
		fmt.Fprintf(w, "%s %s: complete\n", rep.Library, rep.Version)
	default:
		fmt.Fprintf(w, "%s %s: incomplete, see %s\n", rep.Library, rep.Version, pipeline.FailureReportName)
	}
	fmt.Fprintf(w, "  units %d, enriched %d, reused %d, salvaged %d, failed %d, discarded %d, oversize %d\n",
		rep.Units, rep.Enriched, rep.Reused, rep.Salvaged, len(rep.Failures), len(rep.Discarded), len(rep.Violations))
	fmt.Fprintf(w, "  entities %d\n", rep.Stats.Total)
	for _, id := range rep.Unresolved {
		fmt.Fprintf(w, "  unresolved %s\n", id)
	}
	for _, id := range rep.Orphans {
		fmt.Fprintf(w, "  orphaned %s\n", id)
	}
	for _, e := range rep.Unreadable {
		fmt.Fprintf(w, "  unreadable %s\n", e)
	}
	if rep.Output != "" {
		fmt.Fprintf(w, "  wrote %s\n", rep.Output)
	}
	if rep.Published != "" {
		fmt.Fprintf(w, "  published %s\n", rep.Published)
	}
}

func printStats(w io.Writer, st types.Stats, size uint64) {
	fmt.Fprintf(w, "version %s, %d entities, %s\n", st.Version, st.Total, humanize.Bytes(size))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SECTION\tNAMESPACE\tENTITIES\tDOCUMENTED")
	for _, s := range st.Sections {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.Section, s.Namespace, s.Entities, s.Documented)
	}
	tw.Flush()
}
