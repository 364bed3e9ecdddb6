package domain

import "time"

// WizardStep is a stage of professional voice clone creation.
type WizardStep int

const (
	StepDetails WizardStep = iota + 1
	StepConfirm
	StepCaptcha
	StepVerify
	StepTraining
	StepDone
)

func (s WizardStep) String() string {
	switch s {
	case StepDetails:
		return "details"
	case StepConfirm:
		return "confirm"
	case StepCaptcha:
		return "captcha"
	case StepVerify:
		return "verify"
	case StepTraining:
		return "training"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// SampleStatus is the processing state of a voice sample.
type SampleStatus string

const (
	SampleRecording  SampleStatus = "recording"
	SampleProcessing SampleStatus = "processing"
	SamplePending    SampleStatus = "pending"
	SampleCompleted  SampleStatus = "completed"
	SampleFailed     SampleStatus = "failed"
)

// Terminal reports whether the sample is ready for voice creation.
func (s SampleStatus) Terminal() bool {
	return s == SampleCompleted || s == SamplePending
}

// VoiceSample is one uploaded or recorded audio sample.
type VoiceSample struct {
	ID          string       `json:"id"`
	FileName    string       `json:"file_name"`
	ContentType string       `json:"content_type"`
	SizeBytes   int          `json:"size_bytes"`
	Recorded    bool         `json:"recorded"`
	Status      SampleStatus `json:"status"`
	Data        []byte       `json:"-"`
}

// Captcha is the ownership-verification challenge for a voice clone.
type Captcha struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// Recording is an audio blob captured by the client.
type Recording struct {
	FileName    string
	ContentType string
	Data        []byte
}

// WizardState is the snapshot of a professional voice clone wizard.
type WizardState struct {
	Step         WizardStep      `json:"current_step"`
	StepName     string          `json:"step_name"`
	Name         string          `json:"name"`
	Language     string          `json:"language"`
	Description  string          `json:"description,omitempty"`
	Samples      []VoiceSample   `json:"samples"`
	VoiceID      string          `json:"voice_id,omitempty"`
	Captcha      *Captcha        `json:"captcha,omitempty"`
	HasRecording bool            `json:"has_recording"`
	Training     *TrainingStatus `json:"training,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TrainingStatus is the server-side fine-tuning state of a voice clone.
type TrainingStatus struct {
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}

// Finished reports whether training reached a final state.
func (t TrainingStatus) Finished() bool {
	return t.State == "fine_tuned" || t.State == "failed"
}
