package internal

// ParallelRecord is one aligned sentence pair from a corpus or benchmark.
type ParallelRecord struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Status describes how a prediction was obtained.
type Status string

const (
	StatusOK      Status = "ok"
	StatusNoMatch Status = "no_match"
	StatusError   Status = "error"
)

// Sentinel predictions written in place of a missing answer span.
const (
	NoMatchPrediction = "NO_MATCH"
	ErrorPrediction   = "ERROR"
)

// PredictionRecord is a single row of a result table.
type PredictionRecord struct {
	Index      int    `json:"index"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	Prediction string `json:"prediction"`
	Status     Status `json:"status"`
}

// MemoryKey identifies a remembered prediction. A prediction is only reused
// by the same experiment, model and decoding settings.
type MemoryKey struct {
	Experiment string
	Model      string
	Decoding   string
	Prompt     string
}
