package roadsentry

// Task binds one frame to one detection kind. It is serialized to JSON and
// lives in Redis while queued or leased.
type Task struct {
	// ID is the unique identifier for the queue message.
	ID string `json:"id"`
	// JobID is the FrameJob this task belongs to.
	JobID string `json:"job_id"`
	// FrameIndex is the stable zero-based frame position within the job.
	FrameIndex int `json:"frame_index"`
	// Kind selects the detector that should process the frame.
	Kind Kind `json:"kind"`
	// PayloadRef is the store key holding the frame bytes.
	PayloadRef string `json:"payload_ref"`
	// Retry is the number of redeliveries consumed so far.
	Retry int `json:"retry"`
	// MaxRetry is the redelivery budget before dead-lettering.
	MaxRetry int `json:"max_retry"`
	// CreatedAt is the enqueue timestamp (ms). Result records derive their
	// WrittenAt from it so redelivered tasks rewrite identical bytes.
	CreatedAt int64 `json:"created_at,omitempty"`
	// LastError is the error message from the last failed attempt.
	LastError string `json:"last_error,omitempty"`
}

// Frame is one decoded unit of media at its original resolution.
type Frame struct {
	Index      int
	Width      int
	Height     int
	PayloadRef string
}

// FrameJob is one uploaded media item decomposed into ordered frames.
type FrameJob struct {
	JobID         string
	SourceRef     string
	TotalFrames   int
	ExpectedKinds []Kind
	CreatedAt     int64
}

// Box is a pixel-space bounding box as [x1, y1, x2, y2].
type Box [4]int

// IsZero reports whether the box carries no geometry (text-only detections).
func (b Box) IsZero() bool { return b == Box{} }

// Detection is a single finding reported by a detector. Vehicle and helmet
// detections carry a box; plate detections carry text and may omit the box.
type Detection struct {
	Label      string  `json:"label,omitempty"`
	Box        Box     `json:"box,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ResultStatus is the terminal outcome of one task.
type ResultStatus string

const (
	// StatusSuccess marks a processed task with usable detections.
	StatusSuccess ResultStatus = "SUCCESS"
	// StatusFailed marks a task whose kind is deterministically absent.
	StatusFailed ResultStatus = "FAILED"
)

// ResultRecord is the persisted output of one worker for one task. It is
// immutable once written; a redelivery of the same task rewrites the exact
// same bytes (WrittenAt comes from the task, not the wall clock).
type ResultRecord struct {
	TaskID     string       `json:"task_id"`
	JobID      string       `json:"job_id"`
	FrameIndex int          `json:"frame_index"`
	Kind       Kind         `json:"kind"`
	Detections []Detection  `json:"detections,omitempty"`
	Status     ResultStatus `json:"status"`
	WrittenAt  int64        `json:"written_at"`
}

// JobState is the aggregate lifecycle state of a job. Transitions are
// monotone: PENDING -> PARTIAL or PENDING -> COMPLETE, never backwards.
type JobState string

const (
	// StatePending means aggregation has not yet converged.
	StatePending JobState = "PENDING"
	// StatePartial is terminal: the job converged with some kinds missing.
	StatePartial JobState = "PARTIAL"
	// StateComplete is terminal: every expected kind produced a SUCCESS.
	StateComplete JobState = "COMPLETE"
)

// HelmetViolation joins a helmet-violation box with the plate text read on
// the same frame, when one was available.
type HelmetViolation struct {
	Plate string `json:"plate,omitempty"`
	Box   Box    `json:"box"`
}

// Summary condenses a finished job: vehicle counts by type, the distinct
// plate texts in first-seen order, and helmet violations joined with plates.
type Summary struct {
	TotalFrames      int               `json:"total_frames"`
	VehicleCount     int               `json:"vehicle_count"`
	VehicleTypes     map[string]int    `json:"vehicle_types,omitempty"`
	Plates           []string          `json:"plates,omitempty"`
	HelmetViolations []HelmetViolation `json:"helmet_violations,omitempty"`
}

// JobStatus is the read model of a job's status hash.
type JobStatus struct {
	JobID         string
	State         JobState
	SourceRef     string
	TotalFrames   int
	ExpectedKinds []Kind
	// Done maps frame index to the terminal status recorded per kind.
	Done map[int]map[Kind]ResultStatus
	// Dropped lists kinds removed from a frame's expectation set after
	// publish failures (explicit partial-pipeline policy).
	Dropped map[int][]Kind
	// Annotated maps frame index to the store key of the rendered frame.
	Annotated map[int]string
	Summary   *Summary
}

// ExpectedFor returns the job's expected kinds minus those dropped for the
// given frame.
func (st *JobStatus) ExpectedFor(frame int) []Kind {
	dropped := st.Dropped[frame]
	if len(dropped) == 0 {
		return st.ExpectedKinds
	}
	out := make([]Kind, 0, len(st.ExpectedKinds))
	for _, k := range st.ExpectedKinds {
		skip := false
		for _, d := range dropped {
			if d == k {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, k)
		}
	}
	return out
}

// FrameSettled reports whether every expected kind for the frame has written
// a terminal result record (SUCCESS or FAILED).
func (st *JobStatus) FrameSettled(frame int) bool {
	done := st.Done[frame]
	for _, k := range st.ExpectedFor(frame) {
		if _, ok := done[k]; !ok {
			return false
		}
	}
	return true
}

// Settled reports whether every frame of the job is settled.
func (st *JobStatus) Settled() bool {
	for f := 0; f < st.TotalFrames; f++ {
		if !st.FrameSettled(f) {
			return false
		}
	}
	return true
}

// AllSucceeded reports whether every expected (frame, kind) pair recorded a
// SUCCESS. Dropped kinds and FAILED records make the job PARTIAL, not COMPLETE.
func (st *JobStatus) AllSucceeded() bool {
	for f := 0; f < st.TotalFrames; f++ {
		if len(st.Dropped[f]) > 0 {
			return false
		}
		done := st.Done[f]
		for _, k := range st.ExpectedKinds {
			if done[k] != StatusSuccess {
				return false
			}
		}
	}
	return true
}
