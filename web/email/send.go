package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"go-tcfprep/config"
	"go-tcfprep/utils"
	"go-tcfprep/web/db"
)

var ErrNotConfigured = errors.New("email: SMTP is not configured")

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	cfg         config.SMTPConfig
	frontendURL string
	send        SendFunc
	logger      *slog.Logger
}

func NewMailer(cfg config.SMTPConfig, frontendURL string, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	return &Mailer{cfg: cfg, frontendURL: strings.TrimRight(frontendURL, "/"), send: smtp.SendMail, logger: logger}
}

// WithSender replaces the SMTP transport, for tests.
func (m *Mailer) WithSender(fn SendFunc) *Mailer {
	m.send = fn
	return m
}

func (m *Mailer) SendEmail(to string, subject string, body string) error {
	if !m.cfg.Enabled() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(to) == "" {
		return errors.New("email: empty recipient")
	}
	msg := []byte(fmt.Sprintf("From: %s <%s>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n"+
		"%s",
		m.cfg.FromName, m.cfg.FromAddr, to, subject, body))

	auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Server)

	if err := m.send(m.cfg.Server+":"+m.cfg.Port, auth, m.cfg.FromAddr, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	m.logger.Info("email sent", "to", to, "subject", subject)
	return nil
}

// SendWelcome tells a user their purchase went through and how many
// credits they now hold.
func (m *Mailer) SendWelcome(_ context.Context, user db.User, order db.Order) error {
	name := user.FullName()
	first := user.FirstName
	if first == "" {
		first = user.Username
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Bienvenue %s!\n\n", name)
	b.WriteString("Votre paiement a bien été reçu et votre compte est prêt.\n\n")
	fmt.Fprintf(&b, "- Nom d'utilisateur: %s\n", user.Username)
	fmt.Fprintf(&b, "- Plan d'abonnement: %s\n", user.SubscriptionPlan)
	fmt.Fprintf(&b, "- Crédits disponibles: %g\n", user.Sold)
	if order.OrderNumber != "" {
		fmt.Fprintf(&b, "- Numéro de commande: %s\n", order.OrderNumber)
	}
	if m.frontendURL != "" {
		fmt.Fprintf(&b, "\nCommencez dès maintenant: %s/dashboard\n", m.frontendURL)
	}
	b.WriteString("\nBonne préparation!\n")
	if m.cfg.FromName != "" {
		b.WriteString(m.cfg.FromName + "\n")
	}

	return m.SendEmail(user.Email, fmt.Sprintf("Bienvenue, %s!", first), b.String())
}
