package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ssmParamSuffix matches the config loader's indirection suffix.
const ssmParamSuffix = "_SSM_PARAM"

// BuildEnvFile renders a .env body that points every provisioned parameter
// at its SSM path. It holds references only, never secret values.
func BuildEnvFile(ctx context.Context, env string, mgr *SSMManager, inventory []Step, now time.Time) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# evictguard %s configuration, generated by bootstrap at %s\n", env, now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# Values are resolved from SSM Parameter Store at startup.\n")
	fmt.Fprintf(&b, "APP_ENV=%s\n", env)

	for _, step := range inventory {
		path := mgr.Path(step.Key)
		exists, err := mgr.Exists(ctx, path)
		if err != nil {
			return "", err
		}
		if !exists {
			fmt.Fprintf(&b, "# %s%s=%s (not provisioned)\n", step.EnvVar, ssmParamSuffix, path)
			continue
		}
		fmt.Fprintf(&b, "%s%s=%s\n", step.EnvVar, ssmParamSuffix, path)
	}
	return b.String(), nil
}

// ExportEnvFile writes BuildEnvFile's output to path with owner-only
// permissions.
func ExportEnvFile(path, env string, mgr *SSMManager, stderr io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	body, err := BuildEnvFile(ctx, env, mgr, BuildInventory(NewValidator()), time.Now())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(stderr, "Wrote %s\n", path)
	return nil
}
