package pipeline

// Pipeline stages in execution order
const (
	StageDownload              = "download"
	StageSegmentation          = "segmentation"
	StageSeparation            = "separation"
	StageTranscriptionFull     = "transcription_full"
	StageTranscriptionVocals   = "transcription_vocals"
	StageEmotionClassification = "emotion_classification"
)

// Pseudo stages at either end of the pipeline
const (
	StageQueued    = "queued"
	StageCompleted = "completed"
)

// Stages is the fixed pipeline order
var Stages = []string{
	StageDownload,
	StageSegmentation,
	StageSeparation,
	StageTranscriptionFull,
	StageTranscriptionVocals,
	StageEmotionClassification,
}

var stageProgress = map[string]int{
	StageQueued:                5,
	StageDownload:              20,
	StageSegmentation:          35,
	StageSeparation:            50,
	StageTranscriptionFull:     65,
	StageTranscriptionVocals:   75,
	StageEmotionClassification: 85,
	StageCompleted:             100,
}

var stageLabels = map[string]string{
	StageDownload:              "Downloading audio",
	StageSegmentation:          "Segmenting audio",
	StageSeparation:            "Separating vocals",
	StageTranscriptionFull:     "Transcribing full mix",
	StageTranscriptionVocals:   "Transcribing vocals",
	StageEmotionClassification: "Classifying emotion",
}

// Progress is the normalized view of a stage report
type Progress struct {
	Progress     int    `json:"progress"`
	State        string `json:"state"`
	CurrentStage string `json:"currentStage"`
	FailedStage  string `json:"failedStage,omitempty"`
}

// Queued is the progress of a song the pipeline has not started
var Queued = Progress{Progress: 5, State: "Queued for processing", CurrentStage: StageQueued}

// Completed is the progress of a finished song
var Completed = Progress{Progress: 100, State: "completed", CurrentStage: StageCompleted}

// IsStage reports whether name is one of the pipeline stages
func IsStage(name string) bool {
	_, ok := stageLabels[name]
	return ok
}

// StageProgress returns the percentage for a stage, or 0 for unknown names
func StageProgress(name string) int {
	return stageProgress[name]
}

// MapProgress derives progress from a report.
//
// Stages are scanned in pipeline order. The first stage that is processing
// or pending becomes current and ends the scan, even if a later stage claims
// completion. A failed stage ends the scan at the last completed stage.
func MapProgress(report *StageReport) Progress {
	if report == nil {
		return Queued
	}
	if NormalizeStatus(report.Status) == StatusCompleted {
		return Completed
	}

	p := Queued
	for _, name := range Stages {
		st, ok := report.Stages[name]
		if !ok {
			continue
		}
		switch NormalizeStatus(st.Status) {
		case StatusCompleted:
			p = Progress{
				Progress:     stageProgress[name],
				State:        stageLabels[name] + " complete",
				CurrentStage: name,
			}
		case StatusProcessing:
			return Progress{
				Progress:     stageProgress[name],
				State:        stageLabels[name],
				CurrentStage: name,
			}
		case StatusPending:
			return Progress{
				Progress:     stageProgress[name],
				State:        "Queued: " + stageLabels[name],
				CurrentStage: name,
			}
		case StatusFailed:
			p.FailedStage = name
			return p
		}
	}
	return p
}
