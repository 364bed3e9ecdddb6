// Package pvc implements the professional voice clone creation wizard.
package pvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ashureev/expertline/internal/bapi"
	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/poll"
)

const (
	DefaultMinSamples     = 3
	DefaultMaxSampleBytes = 10 << 20
	DefaultTrainingPoll   = 10 * time.Second
	minNameRunes          = 3
)

var (
	ErrWrongStep          = errors.New("action not available on this step")
	ErrBusy               = errors.New("a request is already in progress")
	ErrDetailsIncomplete  = errors.New("name, language and samples are required")
	ErrSamplesNotReady    = errors.New("samples are still processing")
	ErrQuotaExceeded      = errors.New("voice clone limit reached")
	ErrNoVoice            = errors.New("voice has not been created")
	ErrNoRecording        = errors.New("record the verification phrase first")
	ErrVerificationFailed = errors.New("verification recording did not match")
	ErrInvalidSample      = errors.New("invalid audio sample")
	ErrSampleNotFound     = errors.New("sample not found")
	ErrSampleNotRecording = errors.New("sample is not being recorded")
	ErrWizardReset        = errors.New("wizard was reset while the request was running")
)

// Backend is the voice clone subset of the backend client.
type Backend interface {
	PVCQuota(ctx context.Context) (*bapi.PVCQuota, error)
	CreatePVC(ctx context.Context, req bapi.PVCCreateRequest) (string, error)
	UploadPVCSamples(ctx context.Context, voiceID string, samples []domain.VoiceSample) error
	PVCCaptcha(ctx context.Context, voiceID string) (*domain.Captcha, error)
	VerifyPVC(ctx context.Context, voiceID string, rec domain.Recording) (*bapi.VerifyResult, error)
	TrainPVC(ctx context.Context, voiceID string) error
	PVCStatus(ctx context.Context, voiceID string) (*domain.TrainingStatus, error)
	DeletePVC(ctx context.Context, voiceID string) error
}

// Archiver stores copies of recorded audio.
type Archiver interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// Config wires a Wizard.
type Config struct {
	Backend        Backend
	Archive        Archiver
	MinSamples     int
	MaxSampleBytes int64
	TrainingPoll   time.Duration
	Logger         *slog.Logger
	OnChange       func(domain.WizardState)
	OnSuccess      func(voiceID string)
}

// Wizard is a strictly linear six step flow. Network calls never overlap.
type Wizard struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     domain.WizardState
	recording *domain.Recording
	verified  bool
	busy      bool
	gen       uint64
	training  *poll.Handle
	orphaned  []string
}

// New creates a wizard on step 1.
func New(cfg Config) *Wizard {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = DefaultMaxSampleBytes
	}
	if cfg.TrainingPoll <= 0 {
		cfg.TrainingPoll = DefaultTrainingPoll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Wizard{cfg: cfg, logger: cfg.Logger, now: time.Now}
	w.state = w.freshState()
	return w
}

func (w *Wizard) freshState() domain.WizardState {
	return domain.WizardState{
		Step:      domain.StepDetails,
		StepName:  domain.StepDetails.String(),
		Samples:   []domain.VoiceSample{},
		UpdatedAt: w.now(),
	}
}

// State returns a snapshot of the wizard.
func (w *Wizard) State() domain.WizardState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Wizard) snapshotLocked() domain.WizardState {
	s := w.state
	s.Samples = append([]domain.VoiceSample(nil), w.state.Samples...)
	s.HasRecording = w.recording != nil
	if w.state.Captcha != nil {
		c := *w.state.Captcha
		s.Captcha = &c
	}
	if w.state.Training != nil {
		t := *w.state.Training
		s.Training = &t
	}
	return s
}

// Orphaned lists voice ids whose compensating delete failed.
func (w *Wizard) Orphaned() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.orphaned...)
}

func (w *Wizard) publish() {
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(w.State())
	}
}

func (w *Wizard) setStepLocked(step domain.WizardStep) {
	w.state.Step = step
	w.state.StepName = step.String()
	w.state.LastError = ""
	w.state.UpdatedAt = w.now()
}

// SetDetails updates the step 1 metadata.
func (w *Wizard) SetDetails(name, language, description string) error {
	w.mu.Lock()
	if w.state.Step != domain.StepDetails {
		w.mu.Unlock()
		return ErrWrongStep
	}
	w.state.Name = name
	w.state.Language = strings.TrimSpace(language)
	w.state.Description = description
	w.state.UpdatedAt = w.now()
	w.mu.Unlock()
	w.publish()
	return nil
}

// SampleInput is an audio file offered as a training sample.
type SampleInput struct {
	FileName    string
	ContentType string
	Data        []byte
}

func (w *Wizard) validate(in SampleInput) error {
	mediaType, _, err := mime.ParseMediaType(in.ContentType)
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		return fmt.Errorf("%w: %s is not an audio file", ErrInvalidSample, displayName(in.FileName))
	}
	if len(in.Data) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidSample, displayName(in.FileName))
	}
	if int64(len(in.Data)) > w.cfg.MaxSampleBytes {
		return fmt.Errorf("%w: %s is %s, the limit is %s", ErrInvalidSample, displayName(in.FileName),
			humanize.IBytes(uint64(len(in.Data))), humanize.IBytes(uint64(w.cfg.MaxSampleBytes)))
	}
	return nil
}

// AddSample validates and adds an uploaded file. Nothing is sent to the
// backend until Create.
func (w *Wizard) AddSample(in SampleInput) (domain.VoiceSample, error) {
	if err := w.validate(in); err != nil {
		return domain.VoiceSample{}, err
	}
	sample := domain.VoiceSample{
		ID:          uuid.NewString(),
		FileName:    displayName(in.FileName),
		ContentType: in.ContentType,
		SizeBytes:   len(in.Data),
		Status:      domain.SamplePending,
		Data:        in.Data,
	}

	w.mu.Lock()
	if w.state.Step != domain.StepDetails {
		w.mu.Unlock()
		return domain.VoiceSample{}, ErrWrongStep
	}
	w.state.Samples = append(w.state.Samples, sample)
	w.state.UpdatedAt = w.now()
	w.mu.Unlock()

	w.publish()
	return sample, nil
}

// StartRecording adds a placeholder sample while the user records.
func (w *Wizard) StartRecording(fileName string) (domain.VoiceSample, error) {
	if fileName == "" {
		fileName = fmt.Sprintf("recording-%d.webm", w.now().Unix())
	}
	sample := domain.VoiceSample{
		ID:       uuid.NewString(),
		FileName: displayName(fileName),
		Recorded: true,
		Status:   domain.SampleRecording,
	}

	w.mu.Lock()
	if w.state.Step != domain.StepDetails {
		w.mu.Unlock()
		return domain.VoiceSample{}, ErrWrongStep
	}
	w.state.Samples = append(w.state.Samples, sample)
	w.mu.Unlock()

	w.publish()
	return sample, nil
}

// FinishRecording attaches recorded audio to a placeholder sample. The
// recording is archived before it is marked completed.
func (w *Wizard) FinishRecording(ctx context.Context, sampleID, contentType string, data []byte) (domain.VoiceSample, error) {
	w.mu.Lock()
	idx := w.sampleIndexLocked(sampleID)
	switch {
	case w.state.Step != domain.StepDetails:
		w.mu.Unlock()
		return domain.VoiceSample{}, ErrWrongStep
	case idx < 0:
		w.mu.Unlock()
		return domain.VoiceSample{}, ErrSampleNotFound
	case w.state.Samples[idx].Status != domain.SampleRecording:
		w.mu.Unlock()
		return domain.VoiceSample{}, ErrSampleNotRecording
	}
	fileName := w.state.Samples[idx].FileName
	w.mu.Unlock()

	if err := w.validate(SampleInput{FileName: fileName, ContentType: contentType, Data: data}); err != nil {
		w.updateSample(sampleID, func(s *domain.VoiceSample) { s.Status = domain.SampleFailed })
		return domain.VoiceSample{}, err
	}

	w.updateSample(sampleID, func(s *domain.VoiceSample) {
		s.Status = domain.SampleProcessing
		s.ContentType = contentType
		s.SizeBytes = len(data)
		s.Data = data
	})
	w.archive(ctx, path.Join("pvc", "samples", sampleID+"-"+fileName), contentType, data)
	sample := w.updateSample(sampleID, func(s *domain.VoiceSample) { s.Status = domain.SampleCompleted })
	return sample, nil
}

func (w *Wizard) updateSample(id string, fn func(*domain.VoiceSample)) domain.VoiceSample {
	w.mu.Lock()
	idx := w.sampleIndexLocked(id)
	var out domain.VoiceSample
	if idx >= 0 {
		fn(&w.state.Samples[idx])
		out = w.state.Samples[idx]
		w.state.UpdatedAt = w.now()
	}
	w.mu.Unlock()
	w.publish()
	return out
}

// RemoveSample drops a sample on step 1.
func (w *Wizard) RemoveSample(id string) error {
	w.mu.Lock()
	if w.state.Step != domain.StepDetails {
		w.mu.Unlock()
		return ErrWrongStep
	}
	idx := w.sampleIndexLocked(id)
	if idx < 0 {
		w.mu.Unlock()
		return ErrSampleNotFound
	}
	w.state.Samples = append(w.state.Samples[:idx], w.state.Samples[idx+1:]...)
	w.state.UpdatedAt = w.now()
	w.mu.Unlock()
	w.publish()
	return nil
}

func (w *Wizard) sampleIndexLocked(id string) int {
	for i := range w.state.Samples {
		if w.state.Samples[i].ID == id {
			return i
		}
	}
	return -1
}

// CanProceedToStep2 is the step 1 gate.
func (w *Wizard) CanProceedToStep2() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canProceedLocked()
}

func (w *Wizard) canProceedLocked() bool {
	return utf8.RuneCountInString(strings.TrimSpace(w.state.Name)) >= minNameRunes &&
		w.state.Language != "" &&
		len(w.state.Samples) >= w.cfg.MinSamples
}

// Proceed moves from step 1 to the confirmation step.
func (w *Wizard) Proceed() error {
	w.mu.Lock()
	if w.state.Step != domain.StepDetails {
		w.mu.Unlock()
		return ErrWrongStep
	}
	if !w.canProceedLocked() {
		w.mu.Unlock()
		return ErrDetailsIncomplete
	}
	w.setStepLocked(domain.StepConfirm)
	w.mu.Unlock()
	w.publish()
	return nil
}

// acquire enters a network step. It fails when another call is in flight or
// the wizard is not on step. The returned generation changes when the wizard
// is reset.
func (w *Wizard) acquire(step domain.WizardStep) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Step != step {
		return 0, ErrWrongStep
	}
	if w.busy {
		return 0, ErrBusy
	}
	w.busy = true
	return w.gen, nil
}

// release leaves a network step, recording err as the inline error. A reset
// wizard is left untouched.
func (w *Wizard) release(gen uint64, err error) {
	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.busy = false
	if err != nil {
		w.state.LastError = userMessage(err)
		w.state.UpdatedAt = w.now()
	}
	w.mu.Unlock()
	w.publish()
}

func (w *Wizard) stale(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen != gen
}

// Create checks the quota, creates the voice and uploads the samples, in
// that order. If the upload fails the created voice is deleted again.
func (w *Wizard) Create(ctx context.Context) error {
	gen, err := w.acquire(domain.StepConfirm)
	if err != nil {
		return err
	}

	w.mu.Lock()
	req := bapi.PVCCreateRequest{
		Name:        strings.TrimSpace(w.state.Name),
		Language:    w.state.Language,
		Description: w.state.Description,
	}
	samples := append([]domain.VoiceSample(nil), w.state.Samples...)
	w.mu.Unlock()

	for _, s := range samples {
		if !s.Status.Terminal() {
			w.release(gen, ErrSamplesNotReady)
			return ErrSamplesNotReady
		}
	}

	quota, err := w.cfg.Backend.PVCQuota(ctx)
	if err != nil {
		err = fmt.Errorf("check voice clone quota: %w", err)
		w.release(gen, err)
		return err
	}
	if w.stale(gen) {
		return ErrWizardReset
	}
	if quota.Exhausted() {
		w.release(gen, ErrQuotaExceeded)
		return ErrQuotaExceeded
	}

	voiceID, err := w.cfg.Backend.CreatePVC(ctx, req)
	if err != nil {
		err = fmt.Errorf("create voice clone: %w", err)
		w.release(gen, err)
		return err
	}
	if w.stale(gen) {
		w.compensate(ctx, voiceID)
		return ErrWizardReset
	}

	if err := w.cfg.Backend.UploadPVCSamples(ctx, voiceID, samples); err != nil {
		w.compensate(ctx, voiceID)
		err = fmt.Errorf("upload samples: %w", err)
		w.release(gen, err)
		return err
	}

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		w.compensate(ctx, voiceID)
		return ErrWizardReset
	}
	w.state.VoiceID = voiceID
	w.setStepLocked(domain.StepCaptcha)
	w.mu.Unlock()
	w.logger.Info("voice clone created", "voice_id", voiceID, "samples", len(samples))
	w.release(gen, nil)
	return nil
}

// compensate deletes a voice that was created but never verified.
func (w *Wizard) compensate(ctx context.Context, voiceID string) {
	if voiceID == "" {
		return
	}
	if err := w.cfg.Backend.DeletePVC(context.WithoutCancel(ctx), voiceID); err != nil {
		w.logger.Error("failed to delete unverified voice clone", "voice_id", voiceID, "error", err)
		w.mu.Lock()
		w.orphaned = append(w.orphaned, voiceID)
		w.mu.Unlock()
		return
	}
	w.logger.Info("deleted unverified voice clone", "voice_id", voiceID)
}

// RequestCaptcha fetches the verification challenge.
func (w *Wizard) RequestCaptcha(ctx context.Context) error {
	gen, err := w.acquire(domain.StepCaptcha)
	if err != nil {
		return err
	}
	w.mu.Lock()
	voiceID := w.state.VoiceID
	w.mu.Unlock()
	if voiceID == "" {
		w.release(gen, ErrNoVoice)
		return ErrNoVoice
	}

	captcha, err := w.cfg.Backend.PVCCaptcha(ctx, voiceID)
	if err != nil {
		err = fmt.Errorf("fetch captcha: %w", err)
		w.release(gen, err)
		return err
	}

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return ErrWizardReset
	}
	w.state.Captcha = captcha
	w.recording = nil
	w.setStepLocked(domain.StepVerify)
	w.mu.Unlock()
	w.release(gen, nil)
	return nil
}

// SetRecording stores the verification take, replacing any previous one.
func (w *Wizard) SetRecording(rec domain.Recording) error {
	if err := w.validate(SampleInput{FileName: rec.FileName, ContentType: rec.ContentType, Data: rec.Data}); err != nil {
		return err
	}
	if rec.FileName == "" {
		rec.FileName = "verification.webm"
	}
	w.mu.Lock()
	if w.state.Step != domain.StepVerify {
		w.mu.Unlock()
		return ErrWrongStep
	}
	w.recording = &rec
	w.state.LastError = ""
	w.state.UpdatedAt = w.now()
	w.mu.Unlock()
	w.publish()
	return nil
}

// SubmitVerification uploads the take and, once verified, starts training.
// A mismatch keeps the wizard on step 4.
func (w *Wizard) SubmitVerification(ctx context.Context) error {
	gen, err := w.acquire(domain.StepVerify)
	if err != nil {
		return err
	}
	w.mu.Lock()
	voiceID := w.state.VoiceID
	rec := w.recording
	verified := w.verified
	w.mu.Unlock()

	if rec == nil {
		w.release(gen, ErrNoRecording)
		return ErrNoRecording
	}

	if !verified {
		result, err := w.cfg.Backend.VerifyPVC(ctx, voiceID, *rec)
		if err != nil {
			err = fmt.Errorf("verify voice clone: %w", err)
			w.release(gen, err)
			return err
		}
		if !result.Verified {
			err := ErrVerificationFailed
			if result.Message != "" {
				err = fmt.Errorf("%w: %s", ErrVerificationFailed, result.Message)
			}
			w.release(gen, err)
			return err
		}
		w.mu.Lock()
		if w.gen != gen {
			w.mu.Unlock()
			return ErrWizardReset
		}
		w.verified = true
		w.mu.Unlock()
		w.archive(ctx, path.Join("pvc", voiceID, "verification-"+displayName(rec.FileName)), rec.ContentType, rec.Data)
	}

	if err := w.cfg.Backend.TrainPVC(ctx, voiceID); err != nil {
		err = fmt.Errorf("start training: %w", err)
		w.release(gen, err)
		return err
	}

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return ErrWizardReset
	}
	w.state.Training = &domain.TrainingStatus{State: "training"}
	w.setStepLocked(domain.StepTraining)
	w.mu.Unlock()
	w.logger.Info("voice clone training started", "voice_id", voiceID)
	w.release(gen, nil)
	w.startTrainingPoll(ctx, voiceID)
	return nil
}

func (w *Wizard) startTrainingPoll(ctx context.Context, voiceID string) {
	h := poll.Start(context.WithoutCancel(ctx), "pvc-training", w.cfg.TrainingPoll, func(ctx context.Context) bool {
		status, err := w.cfg.Backend.PVCStatus(ctx, voiceID)
		if err != nil {
			w.logger.Warn("failed to fetch training status", "voice_id", voiceID, "error", err)
			return errors.Is(err, bapi.ErrUnauthorized)
		}
		w.mu.Lock()
		if w.state.VoiceID != voiceID {
			w.mu.Unlock()
			return true
		}
		w.state.Training = status
		w.state.UpdatedAt = w.now()
		w.mu.Unlock()
		w.publish()
		return status.Finished()
	}, poll.Options{Logger: w.logger})

	w.mu.Lock()
	prev := w.training
	w.training = h
	w.mu.Unlock()
	prev.Stop()
}

// Complete is the explicit signal that ends step 5. It closes the wizard on
// step 6 and fires the success callback.
func (w *Wizard) Complete() error {
	w.mu.Lock()
	if w.state.Step != domain.StepTraining {
		w.mu.Unlock()
		return ErrWrongStep
	}
	voiceID := w.state.VoiceID
	training := w.training
	w.training = nil
	w.setStepLocked(domain.StepDone)
	w.mu.Unlock()

	training.Stop()
	w.logger.Info("voice clone wizard completed", "voice_id", voiceID)
	w.publish()
	if w.cfg.OnSuccess != nil {
		w.cfg.OnSuccess(voiceID)
	}
	return nil
}

// BackToStart returns to step 1 from steps 2 to 4, keeping the details and
// samples. A created but unverified voice is deleted.
func (w *Wizard) BackToStart(ctx context.Context) error {
	w.mu.Lock()
	switch {
	case w.state.Step < domain.StepConfirm || w.state.Step > domain.StepVerify:
		w.mu.Unlock()
		return ErrWrongStep
	case w.busy:
		w.mu.Unlock()
		return ErrBusy
	}
	voiceID := w.unverifiedVoiceLocked()
	w.gen++
	w.state.VoiceID = ""
	w.state.Captcha = nil
	w.recording = nil
	w.verified = false
	w.setStepLocked(domain.StepDetails)
	w.mu.Unlock()

	w.compensate(ctx, voiceID)
	w.publish()
	return nil
}

// Cancel resets the wizard. A created but unverified voice is deleted.
func (w *Wizard) Cancel(ctx context.Context) {
	w.mu.Lock()
	voiceID := w.unverifiedVoiceLocked()
	training := w.training
	w.training = nil
	w.gen++
	w.state = w.freshState()
	w.recording = nil
	w.verified = false
	w.busy = false
	w.mu.Unlock()

	training.Stop()
	w.compensate(ctx, voiceID)
	w.publish()
}

// Close stops background work without touching server state.
func (w *Wizard) Close() {
	w.mu.Lock()
	training := w.training
	w.training = nil
	w.mu.Unlock()
	training.Stop()
}

func (w *Wizard) unverifiedVoiceLocked() string {
	if w.verified {
		return ""
	}
	return w.state.VoiceID
}

func (w *Wizard) archive(ctx context.Context, key, contentType string, data []byte) {
	if w.cfg.Archive == nil {
		return
	}
	if err := w.cfg.Archive.Put(ctx, key, contentType, data); err != nil {
		w.logger.Warn("failed to archive recording", "key", key, "error", err)
	}
}

func displayName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "sample"
	}
	return name
}

func userMessage(err error) string {
	var apiErr *bapi.APIError
	switch {
	case errors.Is(err, bapi.ErrUnauthorized):
		return "Your session has expired. Please log in again."
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	default:
		return err.Error()
	}
}
