package api

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the companion API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/events", h.events.ServeHTTP)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/session", h.Login)
			r.Get("/me", h.GetMe)
			r.Post("/refresh", h.RefreshLogin)
			r.Post("/logout", h.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.RequireLogin)

			r.Get("/usage", h.GetUsage)

			r.Route("/conversation", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Post("/start", h.StartConversation)
				r.Post("/messages", h.SendMessage)
				r.Post("/messages/{messageID}/retry", h.RetryMessage)
				r.Post("/end", h.EndConversation)
			})

			r.Route("/call", func(r chi.Router) {
				r.Get("/", h.GetCall)
				r.Post("/start", h.StartCall)
				r.Post("/transcript", h.AppendCallTranscript)
				r.Post("/end", h.EndCall)
			})

			r.Route("/speech", func(r chi.Router) {
				r.Get("/", h.GetSpeech)
				r.Post("/start", h.StartSpeech)
				r.Post("/stop", h.StopSpeech)
				r.Post("/message-sent", h.SpeechMessageSent)
			})

			r.Route("/pvc", func(r chi.Router) {
				r.Get("/", h.GetWizard)
				r.Put("/details", h.SetWizardDetails)
				r.Post("/samples", h.UploadSamples)
				r.Delete("/samples/{sampleID}", h.RemoveSample)
				r.Post("/recordings", h.StartRecording)
				r.Put("/recordings/{sampleID}", h.FinishRecording)
				r.Post("/proceed", h.ProceedWizard)
				r.Post("/create", h.CreateVoice)
				r.Post("/captcha", h.RequestCaptcha)
				r.Put("/verification", h.SetVerificationRecording)
				r.Post("/verify", h.SubmitVerification)
				r.Post("/complete", h.CompleteWizard)
				r.Post("/back", h.BackToStart)
				r.Post("/cancel", h.CancelWizard)
			})

			r.Get("/experts", h.ListExperts)
			r.Get("/experts/{expertID}", h.GetExpert)
			r.Get("/experts/{expertID}/knowledge-files", h.ListKnowledgeFiles)
			r.Get("/voices", h.ListVoices)
			r.Get("/voices/{voiceID}/preview", h.VoicePreview)
			r.Get("/publications/{expertID}", h.GetPublication)
			r.Put("/publications/{expertID}", h.UpdatePublication)

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/progress", h.GetProgress)
				r.Post("/watch", h.WatchProgress)
				r.Delete("/watch", h.StopProgress)
			})

			r.Post("/billing/activate", h.ActivatePlan)
		})
	})
}
