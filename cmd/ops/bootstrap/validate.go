package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of one input check, with a message fit
// for the operator.
type ValidationResult struct {
	Valid   bool
	Message string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// DatabaseConnector opens and immediately closes a connection to dsn.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector verifies reachability and credentials with a real connection.
type PgxConnector struct{}

func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator holds the dependencies of the active checks.
type Validator struct {
	db DatabaseConnector
}

func NewValidator() *Validator {
	return &Validator{db: PgxConnector{}}
}

// NewValidatorWithDeps is used by tests.
func NewValidatorWithDeps(db DatabaseConnector) *Validator {
	return &Validator{db: db}
}

const validateTimeout = 15 * time.Second

// ValidateDatabaseURL checks the DSN shape and then connects to it. The
// claim store tables are created by the worker, so only connectivity is
// verified here.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, raw string) ValidationResult {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return invalid("expected postgres:// or postgresql:// scheme, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return invalid("database URL has no host")
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.db.Connect(connCtx, raw); err != nil {
		return invalid("could not connect to %s: %v", u.Hostname(), err)
	}
	return ValidationResult{Valid: true, Message: "connected to " + u.Hostname()}
}

// ValidateUUID accepts Azure tenant, client and subscription identifiers.
func (v *Validator) ValidateUUID(_ context.Context, input, field string) ValidationResult {
	if _, err := uuid.Parse(input); err != nil {
		return invalid("%s must be a GUID: %v", field, err)
	}
	return ValidationResult{Valid: true, Message: field + " format OK"}
}

// ValidateQueueURL accepts SQS queue URLs, and http URLs on localhost for
// LocalStack.
func (v *Validator) ValidateQueueURL(_ context.Context, input string) ValidationResult {
	u, err := url.Parse(input)
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	local := u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1"
	switch {
	case u.Scheme != "https" && !(local && u.Scheme == "http"):
		return invalid("queue URL must use https")
	case !local && !strings.HasPrefix(u.Hostname(), "sqs."):
		return invalid("expected an sqs.<region>.amazonaws.com host, got %q", u.Hostname())
	case len(strings.Split(strings.Trim(u.Path, "/"), "/")) != 2:
		return invalid("expected /<account-id>/<queue-name> path, got %q", u.Path)
	}
	return ValidationResult{Valid: true, Message: "queue URL format OK"}
}

// ValidateWebhookURL accepts the public gateway endpoint the agents post to.
func (v *Validator) ValidateWebhookURL(_ context.Context, input string) ValidationResult {
	u, err := url.Parse(input)
	if err != nil || u.Host == "" {
		return invalid("invalid URL: %q", input)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return invalid("webhook URL must be http(s), got %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/webhook") {
		return invalid("webhook URL must end in /webhook")
	}
	return ValidationResult{Valid: true, Message: "webhook URL format OK"}
}

// ValidateMinLength rejects values shorter than n characters.
func (v *Validator) ValidateMinLength(_ context.Context, input string, n int, field string) ValidationResult {
	if len(input) < n {
		return invalid("%s must be at least %d characters", field, n)
	}
	return ValidationResult{Valid: true, Message: field + " accepted"}
}
