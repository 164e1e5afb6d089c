package provbuild

import (
	"errors"
	"io"

	"github.com/cheriprov/capgraph/trace"
)

// readAll drains dec into a single slice, in trace order, stopping at
// io.EOF. Any other error from dec.Next is fatal and returned as-is: the
// external record source failing is not a build-level concern this
// module can recover from.
func readAll(dec trace.Decoder) ([]trace.InstructionRecord, error) {
	var records []trace.InstructionRecord
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// splitWindows partitions records into contiguous windows per cfg's
// window_split mode and window size (§6). A single worker (cfg.workers
// == 1) still goes through this split: §6 says workers=1 "disables
// splitting" in the sense of parallelism, not in the sense of producing a
// single giant window — the merge driver processes windows identically
// either way, so splitting uniformly keeps the single- and multi-worker
// code paths the same.
func splitWindows(records []trace.InstructionRecord, cfg *buildConfig) [][]trace.InstructionRecord {
	if len(records) == 0 {
		return nil
	}
	switch cfg.windowSplit {
	case ByteRange:
		return splitByPCSpan(records, cfg.windowSize)
	default:
		return splitByCount(records, cfg.windowSize)
	}
}

// splitByCount groups records into windows of at most size records each.
func splitByCount(records []trace.InstructionRecord, size uint64) [][]trace.InstructionRecord {
	var windows [][]trace.InstructionRecord
	n := int(size)
	if n <= 0 {
		n = len(records)
	}
	for start := 0; start < len(records); start += n {
		end := start + n
		if end > len(records) {
			end = len(records)
		}
		windows = append(windows, records[start:end])
	}
	return windows
}

// splitByPCSpan groups records so that each window covers approximately
// span bytes of PC advancement, using each record's PC as a proxy for the
// trace's byte offset (see ByteRange's doc comment). A window always
// contains at least one record, even if a single instruction's PC jump
// already exceeds span (a single huge branch must not produce an empty
// window).
func splitByPCSpan(records []trace.InstructionRecord, span uint64) [][]trace.InstructionRecord {
	var windows [][]trace.InstructionRecord
	start := 0
	windowStartPC := records[0].PC
	for i, rec := range records {
		// Signed difference: a backward jump (loop, exception return)
		// must never look like span bytes of forward progress, which an
		// unsigned subtraction would wrap into.
		diff := int64(rec.PC) - int64(windowStartPC)
		if i > start && diff >= int64(span) {
			windows = append(windows, records[start:i])
			start = i
			windowStartPC = rec.PC
		}
	}
	windows = append(windows, records[start:])
	return windows
}
