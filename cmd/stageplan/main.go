// Command stageplan builds a small demo physical plan and prints the
// distributed execution graph the planner cuts it into.
package main

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/cobra"

	"github.com/fluxplane/stageplan"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var baseDir string
	var inputPartitions int
	var hashBuckets int

	root := &cobra.Command{
		Use:     "stageplan",
		Short:   "Plan and display a distributed shuffle execution graph",
		Version: "0.1.0",
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a demo plan and print the resulting stage graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, baseDir, inputPartitions, hashBuckets)
		},
	}
	planCmd.Flags().StringVar(&baseDir, "base-dir", "", "directory shuffle files are written under (defaults to os.TempDir())")
	planCmd.Flags().IntVar(&inputPartitions, "input-partitions", 4, "number of partitions the demo scan produces")
	planCmd.Flags().IntVar(&hashBuckets, "hash-buckets", 4, "number of output partitions for the demo hash aggregation")

	root.AddCommand(planCmd)
	return root
}

func runPlan(cmd *cobra.Command, baseDir string, inputPartitions, hashBuckets int) error {
	plan := buildDemoPlan(inputPartitions, hashBuckets)

	opts := []stageplan.Option{}
	if baseDir != "" {
		opts = append(opts, stageplan.WithBaseDir(baseDir))
	}

	planner := stageplan.NewPlanner(opts...)
	graph, err := planner.MakeExecutionGraph(plan)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	defer graph.Close()

	cmd.Println(graph.String())
	return nil
}

// buildDemoPlan constructs: Scan -> Repartition(Hash) -> Aggregate, with no
// storage layer behind the scan, just an empty partition set of the given
// width, enough to exercise the planner's stage-cutting logic end to end.
func buildDemoPlan(inputPartitions, hashBuckets int) stageplan.Plan {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	partitions := make([][]arrow.Record, inputPartitions)
	scan := stageplan.NewScanExec(schema, partitions, stageplan.NewUnknownPartitioning(inputPartitions))

	repart := stageplan.NewRepartitionExec(scan, stageplan.NewHashPartitioning([]stageplan.Expr{stageplan.Column("key")}, hashBuckets))

	agg, err := stageplan.NewAggregateExec(repart, "key")
	if err != nil {
		panic(err)
	}
	return agg
}
