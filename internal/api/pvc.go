package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/pvc"
)

const (
	// maxFilesPerUpload bounds one multipart sample upload.
	maxFilesPerUpload = 25
	multipartMemory   = 32 << 20
)

type detailsRequest struct {
	Name        string `json:"name"`
	Language    string `json:"language"`
	Description string `json:"description,omitempty"`
}

type recordingRequest struct {
	FileName string `json:"file_name,omitempty"`
}

type uploadResponse struct {
	Samples []domain.VoiceSample `json:"samples"`
	Errors  []string             `json:"errors,omitempty"`
	State   domain.WizardState   `json:"state"`
}

// GetWizard returns the voice clone wizard state.
func (h *Handler) GetWizard(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.workspace(r).Wizard.State())
}

// SetWizardDetails stores the step 1 name, language and description.
func (h *Handler) SetWizardDetails(w http.ResponseWriter, r *http.Request) {
	var req detailsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	wiz := h.workspace(r).Wizard
	if err := wiz.SetDetails(req.Name, req.Language, req.Description); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, wiz.State())
}

// UploadSamples adds the audio files of a multipart form (field "files").
// Invalid files are reported one by one; valid ones are kept.
func (h *Handler) UploadSamples(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.cfg.PVC.MaxSampleBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes*maxFilesPerUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		Error(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Debug("failed to remove multipart temp files", "error", err)
		}
	}()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		Error(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	if len(files) > maxFilesPerUpload {
		Error(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", maxFilesPerUpload))
		return
	}

	wiz := h.workspace(r).Wizard
	resp := uploadResponse{Samples: []domain.VoiceSample{}}
	var firstErr error
	for _, fh := range files {
		in, err := readSample(fh, maxBytes)
		if err == nil {
			var sample domain.VoiceSample
			sample, err = wiz.AddSample(in)
			if err == nil {
				resp.Samples = append(resp.Samples, sample)
				continue
			}
		}
		if firstErr == nil {
			firstErr = err
		}
		resp.Errors = append(resp.Errors, err.Error())
	}

	if len(resp.Samples) == 0 {
		h.writeError(w, r, firstErr)
		return
	}
	resp.State = wiz.State()
	JSON(w, http.StatusOK, resp)
}

// readSample reads at most maxBytes+1 so oversize files fail validation.
func readSample(fh *multipart.FileHeader, maxBytes int64) (pvc.SampleInput, error) {
	f, err := fh.Open()
	if err != nil {
		return pvc.SampleInput{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return pvc.SampleInput{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return pvc.SampleInput{FileName: fh.Filename, ContentType: contentType, Data: data}, nil
}

// RemoveSample drops a sample.
func (h *Handler) RemoveSample(w http.ResponseWriter, r *http.Request) {
	wiz := h.workspace(r).Wizard
	if err := wiz.RemoveSample(chi.URLParam(r, "sampleID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, wiz.State())
}

// StartRecording adds a placeholder sample for an in-browser recording.
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	sample, err := h.workspace(r).Wizard.StartRecording(req.FileName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sample)
}

// FinishRecording attaches the raw audio body to a recording placeholder.
func (h *Handler) FinishRecording(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readAudioBody(w, r)
	if !ok {
		return
	}
	sample, err := h.workspace(r).Wizard.FinishRecording(r.Context(), chi.URLParam(r, "sampleID"), r.Header.Get("Content-Type"), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sample)
}

// ProceedWizard moves from step 1 to the confirmation step.
func (h *Handler) ProceedWizard(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error { return wiz.Proceed() })
}

// CreateVoice creates the voice and uploads the samples.
func (h *Handler) CreateVoice(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error { return wiz.Create(r.Context()) })
}

// RequestCaptcha fetches the verification challenge.
func (h *Handler) RequestCaptcha(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error { return wiz.RequestCaptcha(r.Context()) })
}

// SetVerificationRecording stores the raw audio of the user reading the
// challenge.
func (h *Handler) SetVerificationRecording(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readAudioBody(w, r)
	if !ok {
		return
	}
	fileName := r.URL.Query().Get("file_name")
	if fileName == "" {
		fileName = "verification.webm"
	}
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error {
		return wiz.SetRecording(domain.Recording{
			FileName:    fileName,
			ContentType: r.Header.Get("Content-Type"),
			Data:        data,
		})
	})
}

// SubmitVerification verifies ownership and starts training.
func (h *Handler) SubmitVerification(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error { return wiz.SubmitVerification(r.Context()) })
}

// CompleteWizard closes the wizard after training.
func (h *Handler) CompleteWizard(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error { return wiz.Complete() })
}

// BackToStart returns to step 1 keeping details and samples.
func (h *Handler) BackToStart(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error { return wiz.BackToStart(r.Context()) })
}

// CancelWizard resets the wizard.
func (h *Handler) CancelWizard(w http.ResponseWriter, r *http.Request) {
	h.wizardStep(w, r, func(wiz *pvc.Wizard) error {
		wiz.Cancel(r.Context())
		return nil
	})
}

func (h *Handler) wizardStep(w http.ResponseWriter, r *http.Request, step func(*pvc.Wizard) error) {
	wiz := h.workspace(r).Wizard
	if err := step(wiz); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, wiz.State())
}

func (h *Handler) readAudioBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.PVC.MaxSampleBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "recording too large")
			return nil, false
		}
		Error(w, http.StatusBadRequest, "failed to read recording")
		return nil, false
	}
	return data, true
}
