package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLoginRateLimited    AuditEvent = "login_rate_limited"
	AuditRegister            AuditEvent = "register"
	AuditRegisterFailure     AuditEvent = "register_failure"
	AuditRegisterRateLimited AuditEvent = "register_rate_limited"
	AuditPasswordReset       AuditEvent = "password_reset"
	AuditLogout              AuditEvent = "logout"
	AuditLogoutRejected      AuditEvent = "logout_rejected"
	AuditCSRFRejected        AuditEvent = "csrf_rejected"
	AuditKeyUnavailable      AuditEvent = "public_key_unavailable"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and forwards it to the metrics
// collector and webhook when configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		for _, a := range attrs {
			if a.Key == "account_id" {
				evt.AccountID = a.Value.String()
				continue
			}
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string, len(attrs))
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent is a convenience for events with an account ID. The account ID is
// the provider UID or a hash of the email, never the raw address.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, accountID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("account_id", accountID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed or rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
