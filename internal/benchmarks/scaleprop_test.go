package benchmarks

import (
	"flag"
	"fmt"
	"testing"

	"github.com/gomlx/quant-rewrite/rewrite"
	"github.com/gomlx/quant-rewrite/tfgraph"
	"github.com/gomlx/quant-rewrite/tfgraph/graphtest"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")

	// NumChains are the graph sizes benchmarked: each chain has 13 nodes.
	NumChains = []int{1, 16, 128, 1024}
)

// Results with CPU: go test ./internal/benchmarks -test.run=TestBench -bench_duration=10s
//
// Each benchmark reports the time per full graph, for graphs with NumChains independent
// quantized chains.

func skipUnlessBenchmarking(t *testing.T) {
	if testing.Short() {
		fmt.Printf("Skipping %s: --short is set\n", t.Name())
		t.SkipNow()
	}
	if *flagBenchDuration == 0 {
		fmt.Printf("Skipping %s: --bench_duration is not set\n", t.Name())
		t.SkipNow()
	}
}

func TestBenchSearchPatterns(t *testing.T) {
	skipUnlessBenchmarking(t)
	for ii, numChains := range NumChains {
		nodes, _ := graphtest.ChainGraph(numChains)
		g := must.M1(tfgraph.Build(nodes))
		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/chains=%04d", t.Name(), numChains),
			Func: func() {
				matches := g.SearchPatterns(rewrite.DefaultPattern)
				if len(matches) != numChains {
					panic(fmt.Sprintf("found %d matches, expected %d", len(matches), numChains))
				}
			},
		}
		benchmarks.New(benchFn).
			WithWarmUps(16).
			WithDuration(*flagBenchDuration).
			WithHeader(ii == 0).
			Done()
	}
}

func TestBenchScalePropagation(t *testing.T) {
	skipUnlessBenchmarking(t)
	for ii, numChains := range NumChains {
		nodes, _ := graphtest.ChainGraph(numChains)
		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/chains=%04d", t.Name(), numChains),
			Func: func() {
				// Run doesn't change the given nodes, so the graph can be rebuilt from them.
				g := must.M1(tfgraph.Build(nodes))
				report := must.M1(rewrite.NewScalePropagation("Up").Run(g))
				if report.Applied() != numChains {
					panic(fmt.Sprintf("applied %d matches, expected %d", report.Applied(), numChains))
				}
			},
		}
		benchmarks.New(benchFn).
			WithWarmUps(16).
			WithDuration(*flagBenchDuration).
			WithHeader(ii == 0).
			Done()
	}
}

func TestBenchGraphDefRoundTrip(t *testing.T) {
	skipUnlessBenchmarking(t)
	for ii, numChains := range NumChains {
		nodes, _ := graphtest.ChainGraph(numChains)
		gd := &tfgraph.GraphDef{}
		gd.SetNodes(nodes)
		contents := must.M1(gd.Marshal())
		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/chains=%04d", t.Name(), numChains),
			Func: func() {
				parsed := must.M1(tfgraph.Parse(contents))
				_ = must.M1(parsed.Marshal())
			},
		}
		benchmarks.New(benchFn).
			WithWarmUps(16).
			WithDuration(*flagBenchDuration).
			WithHeader(ii == 0).
			Done()
	}
}

// BenchmarkScalePropagation is the same as TestBenchScalePropagation, for `go test -bench`.
func BenchmarkScalePropagation(b *testing.B) {
	for _, numChains := range NumChains {
		nodes, _ := graphtest.ChainGraph(numChains)
		b.Run(fmt.Sprintf("chains=%04d", numChains), func(b *testing.B) {
			for range b.N {
				g := must.M1(tfgraph.Build(nodes))
				_ = must.M1(rewrite.NewScalePropagation("Up").Run(g))
			}
		})
	}
}
