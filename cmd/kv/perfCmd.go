package kv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/cmd/util"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for nKV targets",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

// perfTest is one benchmark: prepare stores the keys it reads, op runs one operation
type perfTest struct {
	name    string
	prepare bool
	op      func(key kv.Key, counter int) *kv.Operation
}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the put-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for nKV targets")

	cfg, err := util.GetNKVConfig()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(cfg.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	small := []byte("test")
	large := make([]byte, perfLargeValueSizeKB*1024)

	tests := []perfTest{
		{name: "put", op: func(k kv.Key, _ int) *kv.Operation {
			return &kv.Operation{OpCode: kv.OpPut, Key: k, Value: kv.NewValue(small)}
		}},
		{name: "put-large", op: func(k kv.Key, _ int) *kv.Operation {
			return &kv.Operation{OpCode: kv.OpPut, Key: k, Value: kv.NewValue(large)}
		}},
		{name: "get", prepare: true, op: func(k kv.Key, _ int) *kv.Operation {
			return &kv.Operation{OpCode: kv.OpGet, Key: k, Value: kv.Value{Buf: make([]byte, 64)}}
		}},
		{name: "get-miss", op: func(_ kv.Key, counter int) *kv.Operation {
			k := kv.Key(fmt.Sprintf("%s/miss-%d", perfKeyPrefix, counter%100))
			return &kv.Operation{OpCode: kv.OpGet, Key: k, Value: kv.Value{Buf: make([]byte, 64)}}
		}},
		{name: "delete", prepare: true, op: func(k kv.Key, _ int) *kv.Operation {
			return &kv.Operation{OpCode: kv.OpDelete, Key: k}
		}},
		{name: "mixed", prepare: true, op: func(k kv.Key, counter int) *kv.Operation {
			switch counter % 3 {
			case 0:
				return &kv.Operation{OpCode: kv.OpPut, Key: k, Value: kv.NewValue(small)}
			case 1:
				return &kv.Operation{OpCode: kv.OpGet, Key: k, Value: kv.Value{Buf: make([]byte, 64)}}
			default:
				return &kv.Operation{OpCode: kv.OpDelete, Key: k}
			}
		}},
	}

	results := make(map[string]testing.BenchmarkResult)
	for _, test := range tests {
		results[test.name] = runPerfTest(test)
		printResult(test.name, results[test.name])
	}

	fmt.Println()
	fmt.Println("Client counters:")
	for _, s := range client.Stats() {
		fmt.Printf("  %-20s%s\n", s.Name, s.Text)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func runPerfTest(test perfTest) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip(test.name) {
			return
		}

		getKey, iter := getKeys(test.name)

		if test.prepare {
			iter(func(k kv.Key) {
				if err := do(&kv.Operation{OpCode: kv.OpPut, Key: k, Value: kv.NewValue([]byte("test"))}); err != nil {
					log.Printf("(%s) - error storing key: %v\n", test.name, err)
				}
			})
		}

		b.Cleanup(func() {
			iter(func(k kv.Key) {
				_ = do(&kv.Operation{OpCode: kv.OpDelete, Key: k})
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				err := do(test.op(getKey(counter), counter))
				if err != nil && !errors.Is(err, kv.ErrNotFound) {
					log.Printf("(%s) - error: %v\n", test.name, err)
				}
				counter++
			}
		})
	})
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) kv.Key, func(func(kv.Key))) {
	keys := make([]kv.Key, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = kv.Key(fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i))
	}

	getKey := func(i int) kv.Key {
		return keys[i%perfKeySpread]
	}

	iterateKeys := func(fn func(kv.Key)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%s ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), humanize.Comma(int64(opsPerSec)))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetClientConfig()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Paths", "TimeoutSec", "ConnectionsPerEndpoint", "Workers",
		"ContainerHash", "Serializer", "Transport", "LoadBalance",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.ReplaceAll(viper.GetString("paths"), ",", ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			strconv.Itoa(viper.GetInt("workers")),
			strconv.FormatUint(viper.GetUint64("container-hash"), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.FormatBool(viper.GetBool("lb")),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
