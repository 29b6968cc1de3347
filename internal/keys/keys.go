package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// Hash tags keep all keys of one job (and all keys of one queue) in the same
// cluster slot so multi-key scripts stay valid.

import "strconv"

// Status returns the per-job status hash key. Fields: state, source, frames,
// expected, created_at, summary, done:<frame>:<kind>, dropped:<frame>,
// annotated:<frame>.
func Status(job string) string { return "rs:{" + job + "}:status" }

// Result returns the key holding one encoded ResultRecord.
func Result(job string, frame int, kind string) string {
	return "rs:{" + job + "}:result:" + strconv.Itoa(frame) + ":" + kind
}

// Payload returns the key holding raw frame bytes for a job frame.
func Payload(job string, frame int) string {
	return "rs:{" + job + "}:frame:" + strconv.Itoa(frame)
}

// Annotated returns the key holding the rendered frame bytes.
func Annotated(job string, frame int) string {
	return "rs:{" + job + "}:annotated:" + strconv.Itoa(frame)
}

// Quota returns the rate-limit counter key for an API key and window start
// (unix seconds).
func Quota(apiKey string, windowStart int64) string {
	return "rs:apikey:{" + apiKey + "}:" + strconv.FormatInt(windowStart, 10)
}

// DoneField is the status-hash field marking a terminal result for a
// (frame, kind) pair. Its value is the ResultStatus string.
func DoneField(frame int, kind string) string {
	return "done:" + strconv.Itoa(frame) + ":" + kind
}

// DroppedField is the status-hash field listing kinds removed from one
// frame's expectation set, comma-joined.
func DroppedField(frame int) string { return "dropped:" + strconv.Itoa(frame) }

// AnnotatedField is the status-hash field pointing at the rendered frame key.
func AnnotatedField(frame int) string { return "annotated:" + strconv.Itoa(frame) }

// Queue holds all precomputed keys for one kind's queue to avoid repeated
// concatenations.
type Queue struct {
	Pending string
	Active  string
	Dead    string
}

// ForKind returns the precomputed queue keys for a detection kind.
func ForKind(kind string) Queue {
	prefix := "rs:q:{" + kind + "}:"
	return Queue{
		Pending: prefix + "pending",
		Active:  prefix + "active",
		Dead:    prefix + "dead",
	}
}
