package bench

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Header describes the machine and settings a report was produced with.
type Header struct {
	RunID    string   `json:"run_id"`
	Backend  string   `json:"backend"`
	BLAS     string   `json:"blas"`
	Mode     string   `json:"mode"`
	Workers  int      `json:"workers"`
	Features []string `json:"cpu_features"`
}

// Report is a header plus its result rows.
type Report struct {
	Header
	Results []Result `json:"results"`
}

// Failed reports whether any validated row missed its tolerance.
func (r Report) Failed() bool {
	for _, res := range r.Results {
		if res.Failed() {
			return true
		}
	}
	return false
}

// WriteText prints the report as an aligned table with grouped digits.
func WriteText(w io.Writer, rep Report) error {
	p := message.NewPrinter(language.English)

	features := strings.Join(rep.Features, ",")
	if features == "" {
		features = "none"
	}
	p.Fprintf(w, "run %s  backend=%s blas=%s mode=%s workers=%d cpu=[%s]\n",
		rep.RunID, rep.Backend, rep.BLAS, rep.Mode, rep.Workers, features)
	p.Fprintf(w, "%-10s %-14s %-36s %6s %12s %12s %12s  %s\n",
		"KERNEL", "VARIANT", "SHAPE", "ITERS", "MEAN(ms)", "MIN(ms)", "GFLOP/s", "CHECK")

	for _, r := range rep.Results {
		check := "-"
		switch {
		case r.Checked && r.Passed:
			check = p.Sprintf("PASS max diff %.3g", r.MaxAbsDiff)
		case r.Checked:
			check = p.Sprintf("FAIL max diff %.3g > %.3g", r.MaxAbsDiff, r.Tolerance)
		}
		if _, err := p.Fprintf(w, "%-10s %-14s %-36s %6d %12.3f %12.3f %12.2f  %s\n",
			r.Kernel, r.Variant, r.Shape, r.Iters, r.MeanMs, r.MinMs, r.GFLOPS, check); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

var resultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "run_id", Type: arrow.BinaryTypes.String},
		{Name: "kernel", Type: arrow.BinaryTypes.String},
		{Name: "variant", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.BinaryTypes.String},
		{Name: "iters", Type: arrow.PrimitiveTypes.Int64},
		{Name: "mean_ms", Type: arrow.PrimitiveTypes.Float64},
		{Name: "min_ms", Type: arrow.PrimitiveTypes.Float64},
		{Name: "gflops", Type: arrow.PrimitiveTypes.Float64},
		{Name: "max_abs_diff", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "passed", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	},
	nil,
)

// ResultRecord converts results to an Arrow record batch. Unvalidated rows
// have null max_abs_diff and passed.
func ResultRecord(mem memory.Allocator, results []Result) arrow.RecordBatch {
	strs := make([]*array.StringBuilder, 4)
	for i := range strs {
		strs[i] = array.NewStringBuilder(mem)
		defer strs[i].Release()
	}
	iters := array.NewInt64Builder(mem)
	defer iters.Release()
	floats := make([]*array.Float64Builder, 4)
	for i := range floats {
		floats[i] = array.NewFloat64Builder(mem)
		defer floats[i].Release()
	}
	passed := array.NewBooleanBuilder(mem)
	defer passed.Release()

	for _, r := range results {
		strs[0].Append(r.RunID)
		strs[1].Append(r.Kernel)
		strs[2].Append(r.Variant)
		strs[3].Append(r.Shape)
		iters.Append(int64(r.Iters))
		floats[0].Append(r.MeanMs)
		floats[1].Append(r.MinMs)
		floats[2].Append(r.GFLOPS)
		if r.Checked {
			floats[3].Append(r.MaxAbsDiff)
			passed.Append(r.Passed)
		} else {
			floats[3].AppendNull()
			passed.AppendNull()
		}
	}

	cols := make([]arrow.Array, 0, len(resultSchema.Fields()))
	for _, b := range strs {
		cols = append(cols, b.NewArray())
	}
	cols = append(cols, iters.NewArray())
	for _, b := range floats {
		cols = append(cols, b.NewArray())
	}
	cols = append(cols, passed.NewArray())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(resultSchema, cols, int64(len(results)))
}

// WriteArrow writes results as an Arrow IPC stream with a single batch.
func WriteArrow(w io.Writer, results []Result) error {
	mem := memory.NewGoAllocator()
	rec := ResultRecord(mem, results)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing arrow batch: %w", err)
	}
	return writer.Close()
}
