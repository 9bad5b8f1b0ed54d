package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/putload/internal/datagen"
)

func newGenerateCmd(g *globalFlags) *cobra.Command {
	var (
		schemaPath string
		outputPath string
		rows       int
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a payload fixture from a column schema",
		Long: `Write a line-delimited fixture of synthetic rows. The schema file has one
NAME:TYPE column per line, where TYPE is VARCHAR, VARIANT, BOOLEAN, FLOAT,
ARRAY or TIMESTAMP_NTZ. Each output line is a JSON array holding one row.

Output ending in .gz or .zst is compressed.

Example:
  putload generate --schema columns.txt --output rows.jsonl.zst --rows 10000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if rows < 1 {
				return fmt.Errorf("--rows must be at least 1")
			}
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}

			schema, err := datagen.LoadSchema(schemaPath)
			if err != nil {
				return err
			}

			start := time.Now()
			if err := datagen.WriteFile(outputPath, schema, rows, seed); err != nil {
				return err
			}

			logger.Info("fixture written",
				zap.String("path", outputPath),
				zap.Int("rows", rows),
				zap.Int("columns", len(schema)),
				zap.Int64("seed", seed),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "Schema file of NAME:TYPE lines (required)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output fixture path (required)")
	cmd.Flags().IntVarP(&rows, "rows", "n", datagen.DefaultRows, "Number of rows to generate")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default: current time)")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}
