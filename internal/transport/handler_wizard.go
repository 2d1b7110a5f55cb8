package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/internal/metadata"
	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/internal/session"
	"github.com/pitabwire/droponboard/internal/upload"
	"github.com/pitabwire/droponboard/internal/wizard"
	"github.com/pitabwire/droponboard/model"
)

// wizardHandlers serves the wizard session endpoints.
type wizardHandlers struct {
	registry    *definition.Registry
	controller  *wizard.Controller
	descriptors *metadata.SessionProvider
	sessions    *session.Manager
	uploads     *upload.Store
	logger      *zap.Logger
}

func sessionIDParam(r *http.Request) string {
	return chi.URLParam(r, "sessionId")
}

func (h *wizardHandlers) list(w http.ResponseWriter, _ *http.Request) {
	defs := h.registry.AllWizards()
	out := make([]model.WizardSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, model.WizardSummary{
			ID:        d.ID,
			Name:      d.Name,
			Version:   d.Version,
			StepCount: d.StepCount(),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *wizardHandlers) start(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.Start(r.Context(), chi.URLParam(r, "wizardId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, state)
}

func (h *wizardHandlers) get(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.Get(r.Context(), sessionIDParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, state)
}

func (h *wizardHandlers) events(w http.ResponseWriter, r *http.Request) {
	events, err := h.controller.Events(r.Context(), sessionIDParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *wizardHandlers) setFields(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return
	}
	if len(body.Fields) == 0 {
		WriteError(w, r, model.NewBadRequestError("fields must not be empty"))
		return
	}

	rctx := model.MustRequestContext(r.Context())
	values, err := h.controller.DecodeFields(rctx.WizardID, body.Fields)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	state, err := h.controller.SetFields(r.Context(), sessionIDParam(r), values)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, state)
}

func (h *wizardHandlers) next(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.GoNext(r.Context(), sessionIDParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, state)
}

func (h *wizardHandlers) back(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.GoBack(r.Context(), sessionIDParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, state)
}

func (h *wizardHandlers) submit(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Idempotency-Key")
	result, err := h.controller.Submit(r.Context(), sessionIDParam(r), key)

	if err != nil && result.State.SessionID == "" {
		WriteError(w, r, err)
		return
	}

	desc, derr := h.descriptors.Describe(result.State)
	if derr != nil {
		WriteError(w, r, derr)
		return
	}
	if err != nil {
		writeError(w, r, err, &desc)
		return
	}

	status := http.StatusOK
	if !result.Dispatched && result.State.Submission.Phase == model.PhaseInFlight {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, model.SubmitResponse{
		Dispatched: result.Dispatched,
		Submission: result.State.Submission,
		Receipt:    result.State.Receipt,
		Session:    desc,
	})
}

func (h *wizardHandlers) reset(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.Reset(r.Context(), sessionIDParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if h.uploads != nil {
		if err := h.uploads.DeleteSession(r.Context(), state.SessionID); err != nil {
			observability.RequestLogger(r.Context(), h.logger).Warn("failed to delete uploads on reset", zap.Error(err))
		}
	}
	h.respond(w, r, http.StatusOK, state)
}

func (h *wizardHandlers) uploadFile(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		WriteError(w, r, model.NewConfigurationError("file uploads are not configured"))
		return
	}

	rctx := model.MustRequestContext(r.Context())
	def, ok := h.registry.GetWizard(rctx.WizardID)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("wizard not found"))
		return
	}
	fieldName := chi.URLParam(r, "field")
	fd, ok := def.Field(fieldName)
	if !ok || fd.Type != model.KindFile {
		WriteError(w, r, model.NewConfigurationError("field "+fieldName+" is not a file field"))
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		WriteError(w, r, model.NewBadRequestError("expected a multipart/form-data body"))
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				WriteError(w, r, model.NewBadRequestError("upload is too large"))
				return
			}
			WriteError(w, r, model.NewBadRequestError("multipart body has no file part"))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		ref, err := h.uploads.Put(r.Context(), rctx.SessionID, fd.Category, part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			WriteError(w, r, err)
			return
		}

		state, err := h.controller.AttachFile(r.Context(), rctx.SessionID, fieldName, ref)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		h.respond(w, r, http.StatusOK, state)
		return
	}
}

// respond re-issues the session cookie, so the verified claim and expiry
// follow the stored state, and writes the session descriptor.
func (h *wizardHandlers) respond(w http.ResponseWriter, r *http.Request, status int, state model.WizardState) {
	desc, err := h.descriptors.Describe(state)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if h.sessions != nil {
		if err := h.sessions.SetCookie(w, state); err != nil {
			WriteError(w, r, err)
			return
		}
	}
	WriteJSON(w, status, desc)
}
