// Command gradorder loads a forward graph, runs a named checkpointing
// policy over it, and rewrites it with checkpoint.RewriteWithOrders,
// printing a summary of what the rewrite produced. Its flag/log-driven
// shape is grounded on cmd/zerfoo-train/main.go.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/zerfoo/gradorder/checkpoint"
	"github.com/zerfoo/gradorder/checkpoint/gradients"
	"github.com/zerfoo/gradorder/checkpoint/graphio"
	"github.com/zerfoo/gradorder/checkpoint/policy"
	"github.com/zerfoo/gradorder/onnxgraph"
)

func main() {
	graphPath := flag.String("graph", "", "Path to a graphio JSON graph description (required)")
	policyName := flag.String("policy", "dummy", "Computation order policy: dummy, dummy2, chen, gt, custom_<names>")
	dotPath := flag.String("dot", "", "If set, write the rewritten forward graph's DOT visualization to this path")
	fatalMissing := flag.Bool("fatal-missing-grad", false, "Fail instead of warning on a parameter with no emitted gradient")

	flag.Parse()

	if *graphPath == "" {
		log.Fatal("gradorder: -graph is required")
	}

	if err := run(*graphPath, *policyName, *dotPath, *fatalMissing); err != nil {
		log.Fatalf("gradorder: %v", err)
	}
}

func run(graphPath, policyName, dotPath string, fatalMissing bool) error {
	f, err := os.Open(graphPath)
	if err != nil {
		return fmt.Errorf("opening graph: %w", err)
	}
	defer f.Close()

	g, err := graphio.Load(f)
	if err != nil {
		return fmt.Errorf("loading graph: %w", err)
	}

	if !checkpoint.IsSupported(g) {
		return fmt.Errorf("graph %q is not supported: some necessary value has an unresolved shape", g.Name)
	}

	orders, err := policy.ComputeOrder(g, policyName)
	if err != nil {
		return fmt.Errorf("computing order: %w", err)
	}

	missingPolicy := checkpoint.MissingGradientWarnAndContinue
	if fatalMissing {
		missingPolicy = checkpoint.MissingGradientFatal
	}

	ok, err := checkpoint.RewriteWithOrdersSingle(
		g,
		orders,
		checkpoint.WithGradientEmitter(gradients.NewRegistry()),
		checkpoint.WithMissingGradientPolicy(missingPolicy),
	)
	if err != nil {
		return fmt.Errorf("rewriting: %w", err)
	}

	if !ok {
		return fmt.Errorf("graph %q was rejected by the rewriter", g.Name)
	}

	log.Printf("gradorder: rewrote %q: %d nodes, %d values, policy=%s", g.Name, len(g.Nodes()), len(g.Values()), policyName)

	if dotPath != "" {
		if err := os.WriteFile(dotPath, []byte(onnxgraph.WriteDOT(g)), 0o644); err != nil {
			return fmt.Errorf("writing dot: %w", err)
		}

		log.Printf("gradorder: wrote %s", dotPath)
	}

	return nil
}
