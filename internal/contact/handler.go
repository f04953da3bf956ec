package contact

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/catalogweb/internal/httpmw"
	"github.com/keithlinneman/catalogweb/internal/log"
)

// result labels passed to the OnResult hook
const (
	ResultAccepted = "accepted"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

type Handler struct {
	sink     Sink
	now      func() time.Time
	newID    func() string
	onResult func(result string)
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithIDFunc(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// WithOnResult is called once per request with one of the Result* labels.
func WithOnResult(fn func(result string)) Option {
	return func(h *Handler) { h.onResult = fn }
}

func NewHandler(sink Sink, opts ...Option) *Handler {
	h := &Handler{
		sink:  sink,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	form, err := decodeForm(r)
	if err != nil {
		h.report(ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid submission", "fields": FieldErrors{}})
		return
	}
	form = form.normalize()
	if fe := form.Validate(); fe != nil {
		h.report(ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid submission", "fields": fe})
		return
	}

	sub := Submission{
		ID:         h.newID(),
		Name:       form.Name,
		Email:      form.Email,
		Company:    form.Company,
		Message:    form.Message,
		ClientID:   httpmw.ClientIPFromContext(ctx),
		RequestID:  httpmw.RequestIDFromContext(ctx),
		ReceivedAt: h.now().UTC(),
	}
	if err := h.sink.Store(ctx, sub); err != nil {
		h.report(ResultError)
		log.FromContext(ctx).Error(ctx, err, "store contact submission", "contact.id", sub.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.report(ResultAccepted)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": sub.ID})
}

func (h *Handler) report(result string) {
	if h.onResult != nil {
		h.onResult(result)
	}
}

var errUnsupportedMedia = errors.New("unsupported content type")

func decodeForm(r *http.Request) (Form, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		var f Form
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return Form{}, err
		}
		return f, nil
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return Form{}, err
		}
		return Form{
			Name:    r.PostFormValue("name"),
			Email:   r.PostFormValue("email"),
			Company: r.PostFormValue("company"),
			Message: r.PostFormValue("message"),
		}, nil
	}
	return Form{}, errUnsupportedMedia
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
