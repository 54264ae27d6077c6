package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-tcfprep/config"
	"go-tcfprep/web/db"
)

var smtpCfg = config.SMTPConfig{
	Server:   "smtp.example.com",
	Port:     "587",
	User:     "mailer",
	Pass:     "secret",
	FromAddr: "info@example.com",
	FromName: "Expression TCF",
}

type sent struct {
	addr string
	from string
	to   []string
	msg  string
}

func TestSendWelcome(t *testing.T) {
	var got []sent
	m := NewMailer(smtpCfg, "https://app.example.com/", nil).WithSender(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		got = append(got, sent{addr, from, to, string(msg)})
		return nil
	})

	user := db.User{Username: "lea", Email: "lea@example.com", FirstName: "Léa", SubscriptionPlan: "standard", Sold: 5}
	require.NoError(t, m.SendWelcome(context.Background(), user, db.Order{OrderNumber: "Ordre#0001000"}))

	require.Len(t, got, 1)
	assert.Equal(t, "smtp.example.com:587", got[0].addr)
	assert.Equal(t, "info@example.com", got[0].from)
	assert.Equal(t, []string{"lea@example.com"}, got[0].to)
	assert.Contains(t, got[0].msg, "Subject: Bienvenue, Léa!")
	assert.Contains(t, got[0].msg, "Crédits disponibles: 5")
	assert.Contains(t, got[0].msg, "Ordre#0001000")
	assert.Contains(t, got[0].msg, "https://app.example.com/dashboard")
}

func TestSendEmailErrors(t *testing.T) {
	unconfigured := NewMailer(config.SMTPConfig{}, "", nil)
	assert.ErrorIs(t, unconfigured.SendEmail("lea@example.com", "hi", "body"), ErrNotConfigured)

	failing := NewMailer(smtpCfg, "", nil).WithSender(func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})
	assert.ErrorContains(t, failing.SendEmail("lea@example.com", "hi", "body"), "connection refused")
	assert.Error(t, failing.SendEmail("", "hi", "body"))
}
