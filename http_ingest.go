package cagg

import (
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// remoteWriteHandler accepts Prometheus remote-write pushes and feeds
// the samples into the engine's source, invalidating affected views the
// same way a direct Write does.
func remoteWriteHandler(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req prompb.WriteRequest
		if err := req.Unmarshal(decoded); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows := convertPromWrite(&req)
		if err := e.WriteBatch(rows); err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// convertPromWrite flattens a remote-write request into rows. The
// __name__ label becomes the metric; remote-write timestamps are
// milliseconds and rows carry nanoseconds.
func convertPromWrite(req *prompb.WriteRequest) []Row {
	rows := make([]Row, 0, len(req.Timeseries))
	for i := range req.Timeseries {
		ts := &req.Timeseries[i]
		metric := ""
		tags := make(map[string]string)
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				metric = label.Value
			} else {
				tags[label.Name] = label.Value
			}
		}
		for _, sample := range ts.Samples {
			rows = append(rows, Row{
				Metric:    metric,
				Tags:      tags,
				Value:     sample.Value,
				Timestamp: sample.Timestamp * int64(time.Millisecond),
			})
		}
	}
	return rows
}
