// Package contact accepts the public contact form and hands valid submissions
// to a Sink. The route is rate limited per client by the caller.
package contact

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxName    = 200
	maxEmail   = 254
	maxCompany = 200
	maxMessage = 5000
)

// Submission is one accepted contact form post.
type Submission struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Company    string    `json:"company,omitempty"`
	Message    string    `json:"message"`
	ClientID   string    `json:"client_id"`
	RequestID  string    `json:"request_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Form is the raw input, before trimming and validation.
type Form struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Message string `json:"message"`
}

// FieldErrors maps a form field to what is wrong with it.
type FieldErrors map[string]string

func (f Form) normalize() Form {
	return Form{
		Name:    strings.TrimSpace(f.Name),
		Email:   strings.TrimSpace(f.Email),
		Company: strings.TrimSpace(f.Company),
		Message: strings.TrimSpace(f.Message),
	}
}

// Validate checks a normalized form. It returns nil when the form is acceptable.
func (f Form) Validate() FieldErrors {
	errs := FieldErrors{}
	if n := utf8.RuneCountInString(f.Name); n == 0 {
		errs["name"] = "required"
	} else if n > maxName {
		errs["name"] = "too long"
	}

	switch {
	case f.Email == "":
		errs["email"] = "required"
	case len(f.Email) > maxEmail:
		errs["email"] = "too long"
	case !validEmail(f.Email):
		errs["email"] = "invalid"
	}

	if utf8.RuneCountInString(f.Company) > maxCompany {
		errs["company"] = "too long"
	}

	if n := utf8.RuneCountInString(f.Message); n == 0 {
		errs["message"] = "required"
	} else if n > maxMessage {
		errs["message"] = "too long"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// validEmail wants a bare address, "Name <a@b>" forms are rejected.
func validEmail(s string) bool {
	if !strings.Contains(s, "@") {
		return false
	}
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}
