// Package arrowpipeline encodes anomaly tables as Apache Arrow IPC streams for columnar tooling.
package arrowpipeline

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"primegap/services/report"
	"primegap/services/scanner"
)

const (
	metaStart     = "start"
	metaRangeLen  = "range_len"
	metaThreshold = "merit_threshold"
)

var fields = []arrow.Field{
	{Name: "prime", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "gap", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "merit", Type: arrow.PrimitiveTypes.Float64},
	{Name: "lookup_time", Type: arrow.PrimitiveTypes.Float64},
}

// Table is a decoded anomaly stream.
type Table struct {
	Params    scanner.Params
	Anomalies []scanner.Anomaly
}

// Pipeline handles Arrow IPC encoding
type Pipeline struct {
	memoryPool memory.Allocator
	logger     *zap.Logger
}

// NewPipeline creates a new Arrow pipeline
func NewPipeline(logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		memoryPool: memory.NewGoAllocator(),
		logger:     logger,
	}
}

func schemaFor(p scanner.Params) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaStart, metaRangeLen, metaThreshold},
		[]string{
			strconv.FormatUint(p.Start, 10),
			strconv.FormatUint(p.RangeLen, 10),
			strconv.FormatFloat(p.MeritThreshold, 'g', -1, 64),
		},
	)
	return arrow.NewSchema(fields, &md)
}

// ConvertToArrow serializes the merit-ranked anomalies of one run as a single record batch.
func (p *Pipeline) ConvertToArrow(params scanner.Params, anomalies []scanner.Anomaly) ([]byte, error) {
	if len(anomalies) == 0 {
		return nil, report.ErrNoAnomalies
	}
	ranked := report.SortByMerit(anomalies)

	primes := make([]uint64, len(ranked))
	gaps := make([]uint64, len(ranked))
	merits := make([]float64, len(ranked))
	lookups := make([]float64, len(ranked))
	for i, a := range ranked {
		primes[i] = a.Prime
		gaps[i] = a.Gap
		merits[i] = a.Merit
		lookups[i] = a.LookupDuration.Seconds()
	}

	primeBuilder := array.NewUint64Builder(p.memoryPool)
	defer primeBuilder.Release()
	primeBuilder.AppendValues(primes, nil)
	primeArray := primeBuilder.NewUint64Array()
	defer primeArray.Release()

	gapBuilder := array.NewUint64Builder(p.memoryPool)
	defer gapBuilder.Release()
	gapBuilder.AppendValues(gaps, nil)
	gapArray := gapBuilder.NewUint64Array()
	defer gapArray.Release()

	meritBuilder := array.NewFloat64Builder(p.memoryPool)
	defer meritBuilder.Release()
	meritBuilder.AppendValues(merits, nil)
	meritArray := meritBuilder.NewFloat64Array()
	defer meritArray.Release()

	lookupBuilder := array.NewFloat64Builder(p.memoryPool)
	defer lookupBuilder.Release()
	lookupBuilder.AppendValues(lookups, nil)
	lookupArray := lookupBuilder.NewFloat64Array()
	defer lookupArray.Release()

	schema := schemaFor(params)
	record := array.NewRecord(schema, []arrow.Array{
		primeArray,
		gapArray,
		meritArray,
		lookupArray,
	}, int64(len(ranked)))
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(p.memoryPool))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write Arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Arrow writer: %w", err)
	}

	p.logger.Debug("encoded anomalies as Arrow", zap.Int("rows", len(ranked)), zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

// WriteFile writes the Arrow stream for a run to path.
func (p *Pipeline) WriteFile(path string, params scanner.Params, anomalies []scanner.Anomaly) error {
	data, err := p.ConvertToArrow(params, anomalies)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ConvertFromArrow decodes a stream produced by ConvertToArrow.
func (p *Pipeline) ConvertFromArrow(data []byte) (*Table, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return nil, fmt.Errorf("failed to open Arrow stream: %w", err)
	}
	defer rdr.Release()

	params, err := paramsFromMetadata(rdr.Schema().Metadata())
	if err != nil {
		return nil, err
	}
	out := &Table{Params: params}

	for rdr.Next() {
		rec := rdr.Record()
		if rec.NumCols() != int64(len(fields)) {
			return nil, fmt.Errorf("unexpected column count %d", rec.NumCols())
		}
		primes, ok1 := rec.Column(0).(*array.Uint64)
		gaps, ok2 := rec.Column(1).(*array.Uint64)
		merits, ok3 := rec.Column(2).(*array.Float64)
		lookups, ok4 := rec.Column(3).(*array.Float64)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, fmt.Errorf("unexpected column types in Arrow stream")
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			out.Anomalies = append(out.Anomalies, scanner.Anomaly{
				Prime:          primes.Value(i),
				Gap:            gaps.Value(i),
				Merit:          merits.Value(i),
				LookupDuration: time.Duration(lookups.Value(i) * float64(time.Second)),
			})
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read Arrow stream: %w", err)
	}
	return out, nil
}

func paramsFromMetadata(md arrow.Metadata) (scanner.Params, error) {
	var p scanner.Params
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("arrow metadata missing %q", key)
		}
		return md.Values()[i], nil
	}
	s, err := get(metaStart)
	if err != nil {
		return p, err
	}
	if p.Start, err = strconv.ParseUint(s, 10, 64); err != nil {
		return p, fmt.Errorf("arrow metadata %s: %w", metaStart, err)
	}
	if s, err = get(metaRangeLen); err != nil {
		return p, err
	}
	if p.RangeLen, err = strconv.ParseUint(s, 10, 64); err != nil {
		return p, fmt.Errorf("arrow metadata %s: %w", metaRangeLen, err)
	}
	if s, err = get(metaThreshold); err != nil {
		return p, err
	}
	if p.MeritThreshold, err = strconv.ParseFloat(s, 64); err != nil {
		return p, fmt.Errorf("arrow metadata %s: %w", metaThreshold, err)
	}
	return p, nil
}
