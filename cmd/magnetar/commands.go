package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/internal/ingest"
	"github.com/magnetar-io/magnetar/pkg/cache"
	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/chunk/chunkio"
	"github.com/magnetar-io/magnetar/pkg/config"
	"github.com/magnetar-io/magnetar/pkg/json"
	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/model"
	"github.com/magnetar-io/magnetar/pkg/query"
	"github.com/magnetar-io/magnetar/pkg/store"
)

// loadChunks reads every chunk frame from a .mgc file.
func loadChunks(path string) ([]*chunk.Chunk, error) {
	f, err := os.Open(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	interner := model.NewInterner(4096)
	return chunkio.DecodeAll(f, interner)
}

// loadStore reads a .mgc file into a fresh store through the ingester, so
// the CLI exercises the same write path as a live process.
func loadStore(cfg *config.Config, path string) (*store.ChunkStore, error) {
	chunks, err := loadChunks(path)
	if err != nil {
		return nil, err
	}

	s := store.New(cfg.Store)
	ing := ingest.New(s, cfg.Ingest)
	for _, c := range chunks {
		if _, err := ing.Enqueue(cmdCtx, c); err != nil {
			_ = ing.Close()
			return nil, err
		}
	}
	if err := ing.Close(); err != nil {
		return nil, err
	}
	if st := ing.Stats(); st.Failed > 0 {
		logger.Get().Warn("some chunks failed to insert", zap.Int64("failed", st.Failed))
	}
	return s, nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// chunkSummary is the inspect output for one chunk.
type chunkSummary struct {
	ChunkID   string                      `json:"chunk_id"`
	Entity    string                      `json:"entity"`
	Rows      int                         `json:"rows"`
	Static    bool                        `json:"static"`
	Bytes     int64                       `json:"bytes"`
	Timelines map[string]map[string]int64 `json:"timelines,omitempty"`
	Columns   []string                    `json:"columns"`
}

func summarize(c *chunk.Chunk) chunkSummary {
	sum := chunkSummary{
		ChunkID: c.ID().String(),
		Entity:  string(c.Entity()),
		Rows:    c.NumRows(),
		Static:  c.IsStatic(),
		Bytes:   c.HeapSizeBytes(),
	}
	for _, tl := range c.Timelines() {
		if sum.Timelines == nil {
			sum.Timelines = make(map[string]map[string]int64)
		}
		rng, _ := c.TimeRange(tl)
		sum.Timelines[tl.Name()] = map[string]int64{
			"min": int64(rng.Min),
			"max": int64(rng.Max),
		}
	}
	for _, name := range c.ComponentNames() {
		if desc, ok := c.Descriptor(name); ok {
			sum.Columns = append(sum.Columns, desc.String())
		}
	}
	return sum
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.mgc>",
		Short: "Print a per-chunk summary of a chunk file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := loadChunks(args[0])
			if err != nil {
				return err
			}
			summaries := make([]chunkSummary, 0, len(chunks))
			for _, c := range chunks {
				summaries = append(summaries, summarize(c))
			}
			return printJSON(cmd.OutOrStdout(), summaries)
		},
	}
}

func newStatsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file.mgc>",
		Short: "Load a chunk file and print store statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore(cfg, args[0])
			if err != nil {
				return err
			}
			out := struct {
				Store    store.Stats        `json:"store"`
				Entities []model.EntityPath `json:"entities"`
			}{
				Store:    s.Stats(),
				Entities: s.Entities(),
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// queryRow is the JSON shape of one query result row.
type queryRow struct {
	Time   *int64      `json:"time"` // null for static rows
	RowID  string      `json:"row_id"`
	Chunk  string      `json:"chunk_id"`
	Value  interface{} `json:"value"`
	Static bool        `json:"static"`
}

func toQueryRow(r query.Row) queryRow {
	out := queryRow{
		RowID:  r.RowID.String(),
		Chunk:  r.ChunkID.String(),
		Value:  r.Value,
		Static: r.IsStatic(),
	}
	if !r.IsStatic() {
		t := int64(r.Time)
		out.Time = &t
	}
	return out
}

func newQueryCmd(cfg *config.Config) *cobra.Command {
	var (
		entityFlag    string
		componentFlag string
		timelineFlag  string
		timeTypeFlag  string
		atFlag        int64
		minFlag       int64
		maxFlag       int64
		rangeMode     bool
		includeStatic bool
	)

	cmd := &cobra.Command{
		Use:   "query <file.mgc>",
		Short: "Run a latest-at or range query against a chunk file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := model.ParseTimeType(timeTypeFlag)
			if err != nil {
				return err
			}
			tl := model.NewTimeline(timelineFlag, tt)
			entity := model.NewEntityPath(entityFlag)
			comp := model.ComponentName(componentFlag)

			s, err := loadStore(cfg, args[0])
			if err != nil {
				return err
			}
			engine := query.NewEngine(s)
			qc := cache.New(s, engine)
			defer qc.Close()

			if rangeMode {
				q := query.NewRangeQuery(tl, model.ResolvedTimeRange{
					Min: model.TimeInt(minFlag),
					Max: model.TimeInt(maxFlag),
				})
				q.IncludeStatic = includeStatic
				res, err := qc.Range(cmdCtx, q, entity, comp)
				if err != nil {
					return err
				}
				rows := make([]queryRow, 0, len(res.Rows))
				for _, r := range res.Rows {
					rows = append(rows, toQueryRow(r))
				}
				return printJSON(cmd.OutOrStdout(), rows)
			}

			res, err := qc.LatestAt(cmdCtx, query.NewLatestAtQuery(tl, model.TimeInt(atFlag)), entity, comp)
			if err != nil {
				return err
			}
			if res == nil {
				return printJSON(cmd.OutOrStdout(), nil)
			}
			return printJSON(cmd.OutOrStdout(), toQueryRow(res.Row))
		},
	}

	cmd.Flags().StringVar(&entityFlag, "entity", "", "entity path to query")
	cmd.Flags().StringVar(&componentFlag, "component", "", "component name to query")
	cmd.Flags().StringVar(&timelineFlag, "timeline", "log_time", "timeline name")
	cmd.Flags().StringVar(&timeTypeFlag, "time-type", "timestamp", "timeline type: sequence or timestamp")
	cmd.Flags().Int64Var(&atFlag, "at", int64(model.TimeMax), "latest-at query time")
	cmd.Flags().Int64Var(&minFlag, "min", int64(model.TimeMin), "range minimum, inclusive")
	cmd.Flags().Int64Var(&maxFlag, "max", int64(model.TimeMax), "range maximum, inclusive")
	cmd.Flags().BoolVar(&rangeMode, "range", false, "run a range query instead of latest-at")
	cmd.Flags().BoolVar(&includeStatic, "include-static", false, "prepend static values to range results")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("component")

	return cmd
}

func newRepackCmd() *cobra.Command {
	var compressionFlag string

	cmd := &cobra.Command{
		Use:   "repack <in.mgc> <out.mgc>",
		Short: "Rewrite a chunk file, sorting chunks and changing compression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			compression, err := chunkio.ParseCompression(compressionFlag)
			if err != nil {
				return err
			}
			chunks, err := loadChunks(args[0])
			if err != nil {
				return err
			}
			for _, c := range chunks {
				for _, tl := range c.Timelines() {
					if !c.IsSorted(tl) {
						if err := c.SortIfUnsorted(tl); err != nil {
							return err
						}
						break
					}
				}
			}

			out, err := os.Create(args[1]) //nolint:gosec // G304: operator-supplied path
			if err != nil {
				return err
			}
			if err := chunkio.EncodeAll(out, compression, chunks); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repacked %d chunks with %s compression\n",
				len(chunks), compression)
			return nil
		},
	}

	cmd.Flags().StringVar(&compressionFlag, "compression", "zstd", "none, lz4 or zstd")
	return cmd
}
