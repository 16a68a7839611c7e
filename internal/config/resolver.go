package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotopus/rotodebug/internal/core"
)

// AuthTokenVar is the environment variable holding the backend bearer token.
const AuthTokenVar = "ROTO_AUTH_TOKEN"

var storageVars = []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_DEFAULT_REGION"}

// StorageCredentialVars lists the environment variables the log query path
// requires, in canonical order.
func StorageCredentialVars() []string {
	return append([]string(nil), storageVars...)
}

// Resolver reads credentials from the process environment on demand. The
// accessor is injectable so tests run against fake environments instead of
// mutating real process state.
type Resolver struct {
	getenv func(string) string
}

// NewResolver creates a Resolver reading through getenv. A nil getenv falls
// back to os.Getenv.
func NewResolver(getenv func(string) string) *Resolver {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Resolver{getenv: getenv}
}

// AuthToken returns the bearer token for backend calls. A non-empty override
// is used as-is without touching the environment.
func (r *Resolver) AuthToken(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if tok := r.getenv(AuthTokenVar); tok != "" {
		return tok, nil
	}
	return "", &core.MissingCredentialError{
		Missing: []string{AuthTokenVar},
		Message: "Missing required authentication token. Please set environment variable " + AuthTokenVar,
	}
}

// StorageCredentials is the access triple the log store client needs.
type StorageCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// StorageCredentials reads the AWS credential triple. Every missing variable
// is named in one error so the caller can fix them all at once.
func (r *Resolver) StorageCredentials() (StorageCredentials, error) {
	values := make(map[string]string, len(storageVars))
	var missing []string
	for _, key := range storageVars {
		v := r.getenv(key)
		if v == "" {
			missing = append(missing, key)
			continue
		}
		values[key] = v
	}
	if len(missing) > 0 {
		return StorageCredentials{}, &core.MissingCredentialError{
			Missing: missing,
			Message: fmt.Sprintf("Missing required AWS credentials: %s. Please set environment variables: %s",
				strings.Join(missing, ", "), strings.Join(storageVars, ", ")),
		}
	}
	return StorageCredentials{
		AccessKeyID:     values["AWS_ACCESS_KEY_ID"],
		SecretAccessKey: values["AWS_SECRET_ACCESS_KEY"],
		Region:          values["AWS_DEFAULT_REGION"],
	}, nil
}

// ExportToProcess writes the credentials into the process environment for any
// variable that is not already set, and clears credential-profile selection
// variables so the log store client resolves exactly these values. Safe to
// call repeatedly.
func (c StorageCredentials) ExportToProcess() {
	pairs := map[string]string{
		"AWS_ACCESS_KEY_ID":     c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": c.SecretAccessKey,
		"AWS_DEFAULT_REGION":    c.Region,
	}
	for key, value := range pairs {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	os.Unsetenv("AWS_PROFILE")
	os.Unsetenv("AWS_DEFAULT_PROFILE")
}
