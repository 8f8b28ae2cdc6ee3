// Package httpdriver implements enroll.PageDriver against a driver sidecar:
// the process that owns the actual browser automation and exposes it as a
// small JSON-over-HTTP API. Keeping the browser out of this process means a
// wedged page can be restarted without losing pending jobs.
package httpdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"enrollbot/internal/enroll"
	logx "enrollbot/pkg/logx"
)

type Config struct {
	// BaseURL of the driver sidecar, e.g. "http://127.0.0.1:8710".
	BaseURL string
	// Timeout bounds a single driver call. Registration attempts can involve a
	// full login round-trip, so this defaults generously.
	Timeout time.Duration
}

type Driver struct {
	base string
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("driver base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("driver base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

type sessionResponse struct {
	Title            string    `json:"title"`
	Location         string    `json:"location"`
	LessonStart      time.Time `json:"lesson_start"`
	RegistrationOpen time.Time `json:"registration_open"`
}

type credentialsRequest struct {
	Organisation string `json:"organisation"`
	Username     string `json:"username"`
	Secret       string `json:"secret"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

type registerRequest struct {
	Ref          string `json:"ref"`
	Organisation string `json:"organisation"`
	Username     string `json:"username"`
	Secret       string `json:"secret"`
}

type registerResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (d *Driver) ResolveSession(ctx context.Context, ref string) (enroll.Session, error) {
	u := d.base + "/v1/session?ref=" + url.QueryEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return enroll.Session{}, err
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return enroll.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return enroll.Session{}, enroll.ErrSessionNotFound
	case http.StatusUnprocessableEntity:
		return enroll.Session{}, fmt.Errorf("%w: %s", enroll.ErrParse, readError(resp.Body))
	default:
		return enroll.Session{}, fmt.Errorf("resolve session: driver returned %s", resp.Status)
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return enroll.Session{}, fmt.Errorf("%w: %v", enroll.ErrParse, err)
	}
	if sr.LessonStart.IsZero() || sr.RegistrationOpen.IsZero() {
		return enroll.Session{}, fmt.Errorf("%w: missing lesson times", enroll.ErrParse)
	}
	return enroll.Session{
		Ref:              ref,
		Title:            sr.Title,
		Location:         sr.Location,
		LessonStart:      sr.LessonStart,
		RegistrationOpen: sr.RegistrationOpen,
	}, nil
}

func (d *Driver) VerifyCredentials(ctx context.Context, creds enroll.Credentials) (bool, error) {
	var vr verifyResponse
	err := d.postJSON(ctx, "/v1/login/verify", credentialsRequest{
		Organisation: creds.Organisation,
		Username:     creds.Username,
		Secret:       creds.Secret,
	}, &vr)
	if err != nil {
		return false, err
	}
	return vr.Valid, nil
}

func (d *Driver) AttemptRegister(ctx context.Context, sess enroll.Session, creds enroll.Credentials) (enroll.RegisterStatus, error) {
	var rr registerResponse
	err := d.postJSON(ctx, "/v1/register", registerRequest{
		Ref:          sess.Ref,
		Organisation: creds.Organisation,
		Username:     creds.Username,
		Secret:       creds.Secret,
	}, &rr)
	if err != nil {
		return "", err
	}

	switch st := enroll.RegisterStatus(rr.Status); st {
	case enroll.RegisterEnrolled, enroll.RegisterNoCapacity, enroll.RegisterSlotTaken, enroll.RegisterLoginExpired:
		return st, nil
	default:
		detail := rr.Detail
		if detail == "" {
			detail = rr.Status
		}
		return "", fmt.Errorf("driver register status %q: %s", rr.Status, detail)
	}
}

func (d *Driver) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("driver %s: %w", path, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver %s: %s: %s", path, resp.Status, readError(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("driver %s: decode: %w", path, err)
	}
	return nil
}

func readError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var er errorResponse
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		return er.Error
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "no detail"
	}
	return s
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<16))
	_ = rc.Close()
}
