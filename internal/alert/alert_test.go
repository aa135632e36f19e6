package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeMailer) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

type recordingAlerter struct {
	got []Alert
	err error
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func fatalAlert() Alert {
	return Alert{
		Dependency: "broker",
		Level:      LevelFatal,
		Summary:    "broker remediation failed 3 times",
		Details:    "dial tcp: connection refused",
		At:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogAlerter(t *testing.T) {
	var buf bytes.Buffer
	l := LogAlerter{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	require.NoError(t, l.Alert(context.Background(), fatalAlert()))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "broker", entry["dependency"])
	assert.Equal(t, "broker remediation failed 3 times", entry["msg"])
}

func TestMulti(t *testing.T) {
	ok := &recordingAlerter{}
	broken := &recordingAlerter{err: errors.New("smtp down")}

	err := Multi{ok, broken}.Alert(context.Background(), fatalAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, broken.got, 1)
}

func TestSendGridAlerter(t *testing.T) {
	m := &fakeMailer{status: 202}
	s, err := newSendGridAlerter(m, "alerts@example.com", []string{"oncall@example.com", "lead@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.Alert(context.Background(), fatalAlert()))
	require.Len(t, m.sent, 1)

	msg := m.sent[0]
	assert.Equal(t, "[taskforge FATAL] broker remediation failed 3 times", msg.Subject)
	assert.Equal(t, "alerts@example.com", msg.From.Address)
	require.Len(t, msg.Personalizations, 1)
	assert.Len(t, msg.Personalizations[0].To, 2)
	require.Len(t, msg.Content, 1)
	assert.Contains(t, msg.Content[0].Value, "connection refused")
}

func TestSendGridAlerter_Errors(t *testing.T) {
	s, err := newSendGridAlerter(&fakeMailer{status: 401}, "a@example.com", []string{"b@example.com"})
	require.NoError(t, err)
	assert.ErrorContains(t, s.Alert(context.Background(), fatalAlert()), "status 401")

	s, err = newSendGridAlerter(&fakeMailer{err: errors.New("timeout")}, "a@example.com", []string{"b@example.com"})
	require.NoError(t, err)
	assert.ErrorContains(t, s.Alert(context.Background(), fatalAlert()), "timeout")
}

func TestNewSendGridAlerter_Validation(t *testing.T) {
	_, err := NewSendGridAlerter("", "a@example.com", []string{"b@example.com"})
	assert.Error(t, err)

	_, err = NewSendGridAlerter("key", "", []string{"b@example.com"})
	assert.Error(t, err)

	_, err = NewSendGridAlerter("key", "a@example.com", nil)
	assert.Error(t, err)

	s, err := NewSendGridAlerter("key", "a@example.com", []string{"b@example.com"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
