package pvc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/expertline/internal/bapi"
	"github.com/ashureev/expertline/internal/domain"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	quota     bapi.PVCQuota
	uploadErr error
	deleteErr error
	verified  bool
	status    domain.TrainingStatus

	// createStarted and createGate, when set, hold CreatePVC until released.
	createStarted chan struct{}
	createGate    chan struct{}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) PVCQuota(context.Context) (*bapi.PVCQuota, error) {
	f.record("quota")
	q := f.quota
	return &q, nil
}

func (f *fakeBackend) CreatePVC(context.Context, bapi.PVCCreateRequest) (string, error) {
	f.record("create")
	if f.createGate != nil {
		close(f.createStarted)
		<-f.createGate
	}
	return "voice-1", nil
}

func (f *fakeBackend) UploadPVCSamples(_ context.Context, _ string, samples []domain.VoiceSample) error {
	f.record("upload")
	return f.uploadErr
}

func (f *fakeBackend) PVCCaptcha(context.Context, string) (*domain.Captcha, error) {
	f.record("captcha")
	return &domain.Captcha{Text: "the quick brown fox"}, nil
}

func (f *fakeBackend) VerifyPVC(context.Context, string, domain.Recording) (*bapi.VerifyResult, error) {
	f.record("verify")
	if !f.verified {
		return &bapi.VerifyResult{Message: "voice did not match"}, nil
	}
	return &bapi.VerifyResult{Verified: true}, nil
}

func (f *fakeBackend) TrainPVC(context.Context, string) error {
	f.record("train")
	return nil
}

func (f *fakeBackend) PVCStatus(context.Context, string) (*domain.TrainingStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.status
	return &s, nil
}

func (f *fakeBackend) DeletePVC(context.Context, string) error {
	f.record("delete")
	return f.deleteErr
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
}

func (m *memArchive) Put(_ context.Context, key, _ string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func audio(name string) SampleInput {
	return SampleInput{FileName: name, ContentType: "audio/wav", Data: []byte("RIFF....WAVE")}
}

func newReadyWizard(t *testing.T, backend *fakeBackend) *Wizard {
	t.Helper()
	w := New(Config{Backend: backend, TrainingPoll: time.Hour})
	if err := w.SetDetails("My Voice", "en", ""); err != nil {
		t.Fatalf("SetDetails failed: %v", err)
	}
	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		if _, err := w.AddSample(audio(name)); err != nil {
			t.Fatalf("AddSample failed: %v", err)
		}
	}
	if err := w.Proceed(); err != nil {
		t.Fatalf("Proceed failed: %v", err)
	}
	return w
}

func TestStepOneGateBoundaries(t *testing.T) {
	t.Parallel()

	for _, files := range []int{2, 3} {
		for _, chars := range []int{2, 3} {
			w := New(Config{Backend: &fakeBackend{}})
			_ = w.SetDetails(strings.Repeat("é", chars), "en", "")
			for i := 0; i < files; i++ {
				if _, err := w.AddSample(audio("s.wav")); err != nil {
					t.Fatalf("AddSample failed: %v", err)
				}
			}

			want := files >= 3 && chars >= 3
			if got := w.CanProceedToStep2(); got != want {
				t.Errorf("files=%d chars=%d: CanProceedToStep2 = %v, want %v", files, chars, got, want)
			}
			err := w.Proceed()
			if want && err != nil {
				t.Errorf("files=%d chars=%d: Proceed failed: %v", files, chars, err)
			}
			if !want && !errors.Is(err, ErrDetailsIncomplete) {
				t.Errorf("files=%d chars=%d: expected ErrDetailsIncomplete, got %v", files, chars, err)
			}
		}
	}
}

func TestNameIsTrimmedAndLanguageRequired(t *testing.T) {
	t.Parallel()

	w := New(Config{Backend: &fakeBackend{}})
	for i := 0; i < 3; i++ {
		_, _ = w.AddSample(audio("s.wav"))
	}
	_ = w.SetDetails("  ab  ", "en", "")
	if w.CanProceedToStep2() {
		t.Fatal("whitespace must not count towards the name length")
	}
	_ = w.SetDetails("abc", "", "")
	if w.CanProceedToStep2() {
		t.Fatal("language is required")
	}
}

func TestAddSampleValidatesBeforeNetwork(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	w := New(Config{Backend: backend, MaxSampleBytes: 8})

	if _, err := w.AddSample(SampleInput{FileName: "notes.txt", ContentType: "text/plain", Data: []byte("x")}); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample for text file, got %v", err)
	}
	_, err := w.AddSample(SampleInput{FileName: "big.wav", ContentType: "audio/wav", Data: make([]byte, 9)})
	if !errors.Is(err, ErrInvalidSample) || !strings.Contains(err.Error(), "8 B") {
		t.Fatalf("expected size error mentioning the limit, got %v", err)
	}
	if _, err := w.AddSample(SampleInput{FileName: "ok.webm", ContentType: "audio/webm; codecs=opus", Data: []byte("ok")}); err != nil {
		t.Fatalf("expected audio with parameters accepted, got %v", err)
	}
	if len(backend.callLog()) != 0 {
		t.Fatal("validation must not call the backend")
	}
}

func TestRecordedSampleLifecycle(t *testing.T) {
	t.Parallel()

	archive := &memArchive{}
	w := New(Config{Backend: &fakeBackend{}, Archive: archive})
	ctx := context.Background()

	placeholder, err := w.StartRecording("")
	if err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if placeholder.Status != domain.SampleRecording {
		t.Fatalf("expected recording status, got %s", placeholder.Status)
	}

	sample, err := w.FinishRecording(ctx, placeholder.ID, "audio/webm", []byte("opus"))
	if err != nil {
		t.Fatalf("FinishRecording failed: %v", err)
	}
	if sample.Status != domain.SampleCompleted || !sample.Recorded {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if len(archive.keys) != 1 {
		t.Fatalf("expected recording archived, got %v", archive.keys)
	}
	if _, err := w.FinishRecording(ctx, placeholder.ID, "audio/webm", []byte("opus")); !errors.Is(err, ErrSampleNotRecording) {
		t.Fatalf("expected ErrSampleNotRecording, got %v", err)
	}

	bad, _ := w.StartRecording("bad.webm")
	if _, err := w.FinishRecording(ctx, bad.ID, "video/mp4", []byte("x")); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}
	if st := w.State(); st.Samples[1].Status != domain.SampleFailed {
		t.Fatalf("expected failed sample, got %+v", st.Samples[1])
	}
}

func TestCreateRequiresTerminalSamples(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	w := New(Config{Backend: backend})
	_ = w.SetDetails("Voice", "en", "")
	_, _ = w.AddSample(audio("a.wav"))
	_, _ = w.AddSample(audio("b.wav"))
	_, _ = w.StartRecording("c.webm")
	if err := w.Proceed(); err != nil {
		t.Fatalf("Proceed failed: %v", err)
	}

	if err := w.Create(context.Background()); !errors.Is(err, ErrSamplesNotReady) {
		t.Fatalf("expected ErrSamplesNotReady, got %v", err)
	}
	if len(backend.callLog()) != 0 {
		t.Fatal("no backend call expected while samples are processing")
	}
}

func TestCreateQuotaExceededStaysOnStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		quota bapi.PVCQuota
	}{
		{"explicit limit", bapi.PVCQuota{Count: 1, Limit: 1}},
		{"limit omitted", bapi.PVCQuota{Count: 1}},
	}
	for _, tt := range tests {
		backend := &fakeBackend{quota: tt.quota}
		w := newReadyWizard(t, backend)

		if err := w.Create(context.Background()); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("%s: expected ErrQuotaExceeded, got %v", tt.name, err)
		}
		st := w.State()
		if st.Step != domain.StepConfirm || st.LastError == "" {
			t.Fatalf("%s: expected inline error on step 2, got %+v", tt.name, st)
		}
		if calls := backend.callLog(); len(calls) != 1 || calls[0] != "quota" {
			t.Fatalf("%s: expected only the quota check, got %v", tt.name, calls)
		}
	}
}

func TestCancelDuringCreateDeletesLateVoice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{createStarted: make(chan struct{}), createGate: make(chan struct{})}
	w := newReadyWizard(t, backend)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- w.Create(ctx) }()

	select {
	case <-backend.createStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("CreatePVC was never called")
	}
	w.Cancel(ctx)
	close(backend.createGate)

	select {
	case err := <-done:
		if !errors.Is(err, ErrWizardReset) {
			t.Fatalf("expected ErrWizardReset, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Create did not return")
	}

	st := w.State()
	if st.Step != domain.StepDetails || st.VoiceID != "" || len(st.Samples) != 0 || st.LastError != "" {
		t.Fatalf("cancelled wizard must stay reset, got %+v", st)
	}
	want := []string{"quota", "create", "delete"}
	if calls := backend.callLog(); strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	if len(w.Orphaned()) != 0 {
		t.Fatalf("late voice must be deleted, not orphaned: %v", w.Orphaned())
	}

	// The reset wizard accepts a fresh run.
	if err := w.SetDetails("Second Voice", "en", ""); err != nil {
		t.Fatalf("SetDetails after cancel failed: %v", err)
	}
}

func TestUploadFailureDeletesCreatedVoice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{quota: bapi.PVCQuota{Limit: 1}, uploadErr: errors.New("upload failed")}
	w := newReadyWizard(t, backend)

	if err := w.Create(context.Background()); err == nil {
		t.Fatal("expected create error")
	}
	want := []string{"quota", "create", "upload", "delete"}
	if calls := backend.callLog(); strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	st := w.State()
	if st.Step != domain.StepConfirm || st.VoiceID != "" {
		t.Fatalf("expected to stay on step 2 without a voice, got %+v", st)
	}
	if len(w.Orphaned()) != 0 {
		t.Fatal("successful compensation must not record an orphan")
	}
}

func TestFailedCompensationRecordsOrphan(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{uploadErr: errors.New("upload failed"), deleteErr: errors.New("delete failed")}
	w := newReadyWizard(t, backend)
	_ = w.Create(context.Background())

	if got := w.Orphaned(); len(got) != 1 || got[0] != "voice-1" {
		t.Fatalf("expected voice-1 orphaned, got %v", got)
	}
}

func TestFullFlow(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{verified: false, status: domain.TrainingStatus{State: "fine_tuned", Progress: 1}}
	archive := &memArchive{}
	var succeeded []string
	w := New(Config{
		Backend:      backend,
		Archive:      archive,
		TrainingPoll: 10 * time.Millisecond,
		OnSuccess:    func(id string) { succeeded = append(succeeded, id) },
	})
	ctx := context.Background()

	_ = w.SetDetails("My Voice", "en", "narration")
	for _, n := range []string{"a.wav", "b.wav", "c.wav"} {
		_, _ = w.AddSample(audio(n))
	}
	if err := w.Proceed(); err != nil {
		t.Fatalf("Proceed failed: %v", err)
	}
	if err := w.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.RequestCaptcha(ctx); err != nil {
		t.Fatalf("RequestCaptcha failed: %v", err)
	}
	if st := w.State(); st.Step != domain.StepVerify || st.Captcha == nil {
		t.Fatalf("expected captcha on step 4, got %+v", st)
	}

	if err := w.SubmitVerification(ctx); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("expected ErrNoRecording, got %v", err)
	}
	if err := w.SetRecording(domain.Recording{FileName: "take.webm", ContentType: "audio/webm", Data: []byte("take")}); err != nil {
		t.Fatalf("SetRecording failed: %v", err)
	}
	if err := w.SubmitVerification(ctx); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if st := w.State(); st.Step != domain.StepVerify || !strings.Contains(st.LastError, "did not match") {
		t.Fatalf("expected inline mismatch error on step 4, got %+v", st)
	}

	backend.mu.Lock()
	backend.verified = true
	backend.mu.Unlock()
	if err := w.SubmitVerification(ctx); err != nil {
		t.Fatalf("SubmitVerification failed: %v", err)
	}
	if st := w.State(); st.Step != domain.StepTraining {
		t.Fatalf("expected step 5, got %v", st.Step)
	}

	// The poller reports progress but never advances the step.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := w.State()
		if st.Training != nil && st.Training.Finished() {
			if st.Step != domain.StepTraining {
				t.Fatalf("poller must not advance the step, got %v", st.Step)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("training status was not polled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := w.BackToStart(ctx); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("BackToStart must be refused on step 5, got %v", err)
	}
	if err := w.Complete(); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if st := w.State(); st.Step != domain.StepDone {
		t.Fatalf("expected step 6, got %v", st.Step)
	}
	if len(succeeded) != 1 || succeeded[0] != "voice-1" {
		t.Fatalf("expected success callback once, got %v", succeeded)
	}
	if len(archive.keys) != 1 || !strings.Contains(archive.keys[0], "voice-1") {
		t.Fatalf("expected verification take archived, got %v", archive.keys)
	}

	// Cancel after completion resets without deleting the trained voice.
	w.Cancel(ctx)
	for _, c := range backend.callLog() {
		if c == "delete" {
			t.Fatal("a verified voice must never be deleted")
		}
	}
}

func TestBackToStartCompensates(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	w := newReadyWizard(t, backend)
	ctx := context.Background()
	if err := w.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := w.BackToStart(ctx); err != nil {
		t.Fatalf("BackToStart failed: %v", err)
	}
	st := w.State()
	if st.Step != domain.StepDetails || st.VoiceID != "" || len(st.Samples) != 3 || st.Name != "My Voice" {
		t.Fatalf("expected step 1 with details kept, got %+v", st)
	}
	calls := backend.callLog()
	if calls[len(calls)-1] != "delete" {
		t.Fatalf("expected unverified voice deleted, got %v", calls)
	}
	if err := w.BackToStart(ctx); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("BackToStart from step 1 must be refused, got %v", err)
	}
}

func TestStepsCannotBeSkipped(t *testing.T) {
	t.Parallel()

	w := New(Config{Backend: &fakeBackend{}})
	ctx := context.Background()
	if err := w.Create(ctx); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("Create on step 1: expected ErrWrongStep, got %v", err)
	}
	if err := w.RequestCaptcha(ctx); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("RequestCaptcha on step 1: expected ErrWrongStep, got %v", err)
	}
	if err := w.SubmitVerification(ctx); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("SubmitVerification on step 1: expected ErrWrongStep, got %v", err)
	}
	if err := w.Complete(); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("Complete on step 1: expected ErrWrongStep, got %v", err)
	}
}
