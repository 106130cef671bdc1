package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/kernels"
)

var (
	requestPath string
	paramsPath  string
	showProbs   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one composition call described by a request file",
	Long: `Runs the host model once per source, captures the attached hook points,
and splices the selected subspaces into the base run.

Request files are YAML:

  base: {rows: [[1, 2, 3]]}
  sources:
    - {rows: [[4, 5, 6]]}
  subspaces:
    - [[0]]
  retain: [0.mlp_activation]`,
	RunE: runRequest,
}

func init() {
	runCmd.Flags().StringVarP(&requestPath, "request", "r", "", "Composition request (YAML)")
	runCmd.Flags().StringVar(&paramsPath, "params", "", "Unit parameters saved by a previous session")
	runCmd.Flags().BoolVar(&showProbs, "probs", false, "Also print softmax class probabilities of the output")
	_ = runCmd.MarkFlagRequired("request")
}

func runRequest(cmd *cobra.Command, args []string) error {
	m, _, err := loadModel()
	if err != nil {
		return err
	}
	if paramsPath != "" {
		f, err := os.Open(paramsPath)
		if err != nil {
			return err
		}
		err = m.LoadParams(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("load params: %w", err)
		}
	}
	req, err := loadRequest(requestPath)
	if err != nil {
		return err
	}

	res, err := m.Run(cmd.Context(), req)
	if err != nil {
		return err
	}
	logger.Debug("request served", zap.String("run", res.RunID.String()))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s\n", res.RunID)
	printTensor(out, "output", res.Output)
	if showProbs {
		probs := res.Output.Detach()
		kernels.Softmax(probs.Data, probs.Rows(), probs.Cols())
		printTensor(out, "probs", probs)
	}
	for i, s := range res.SourceOutputs {
		if s != nil {
			printTensor(out, fmt.Sprintf("source[%d]", i), s)
		}
	}
	for _, id := range sortedKeys(res.Activations) {
		printTensor(out, id, res.Activations[id])
	}
	return nil
}

func printTensor(w io.Writer, name string, t *core.Tensor) {
	fmt.Fprintf(w, "%s %v\n", name, t.Shape)
	for i := 0; i < t.Rows(); i++ {
		fmt.Fprintf(w, "  %v\n", t.Row(i))
	}
}
