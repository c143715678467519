package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// InputSource is how a step obtains its value.
type InputSource int

const (
	SourcePrompt InputSource = iota
	SourceGenerated
)

// Step is one parameter of the secret inventory.
type Step struct {
	Label string
	// Key is the category/key under /{env}/evictguard/.
	Key string
	// EnvVar is the configuration key the parameter feeds via EnvVar_SSM_PARAM.
	EnvVar   string
	Secure   bool
	Source   InputSource
	Prompt   string
	Validate func(ctx context.Context, input string) ValidationResult
	// Secret input is read without echo when stdin is a terminal.
	Secret   bool
	Optional bool
	Phase    string
}

// maxRetries bounds invalid entries per step.
const maxRetries = 5

var errSkipped = errors.New("parameter skipped by operator")

// BuildInventory lists every parameter the evictguard binaries read from SSM.
func BuildInventory(v *Validator) []Step {
	uuidCheck := func(field string) func(context.Context, string) ValidationResult {
		return func(ctx context.Context, in string) ValidationResult { return v.ValidateUUID(ctx, in, field) }
	}
	return []Step{
		{
			Label:  "Webhook API Key",
			Key:    "webhook/api_key",
			EnvVar: "WEBHOOK_API_KEY",
			Secure: true,
			Source: SourceGenerated,
			Phase:  "Internal Secrets",
		},
		{
			Label:  "Recovery Queue URL",
			Key:    "queue/recovery_url",
			EnvVar: "SQS_RECOVERY_QUEUE",
			Source: SourcePrompt,
			Prompt: `Paste the URL of the recovery SQS queue
   (https://sqs.<region>.amazonaws.com/<account-id>/<queue-name>):`,
			Validate: v.ValidateQueueURL,
			Phase:    "Queue and Claim Store",
		},
		{
			Label:  "Database URL",
			Key:    "database/url",
			EnvVar: "DATABASE_URL",
			Secure: true,
			Source: SourcePrompt,
			Prompt: `Paste the postgres:// connection string of the claim store.
   The recovery worker creates its table on first start:`,
			Validate: v.ValidateDatabaseURL,
			Secret:   true,
			Phase:    "Queue and Claim Store",
		},
		{
			Label:    "Azure Tenant ID",
			Key:      "azure/tenant_id",
			EnvVar:   "AZURE_TENANT_ID",
			Source:   SourcePrompt,
			Prompt:   `Paste the Directory (tenant) ID of the service principal:`,
			Validate: uuidCheck("tenant ID"),
			Phase:    "Azure Service Principal",
		},
		{
			Label:    "Azure Client ID",
			Key:      "azure/client_id",
			EnvVar:   "AZURE_CLIENT_ID",
			Source:   SourcePrompt,
			Prompt:   `Paste the Application (client) ID:`,
			Validate: uuidCheck("client ID"),
			Phase:    "Azure Service Principal",
		},
		{
			Label:  "Azure Client Secret",
			Key:    "azure/client_secret",
			EnvVar: "AZURE_CLIENT_SECRET",
			Secure: true,
			Source: SourcePrompt,
			Prompt: `Paste the client secret value (not the secret ID):`,
			Validate: func(ctx context.Context, in string) ValidationResult {
				return v.ValidateMinLength(ctx, in, 8, "client secret")
			},
			Secret: true,
			Phase:  "Azure Service Principal",
		},
		{
			Label:  "Azure Subscription ID",
			Key:    "azure/subscription_id",
			EnvVar: "AZURE_SUBSCRIPTION_ID",
			Source: SourcePrompt,
			Prompt: `Paste the subscription ID that owns the Spot instances.
   The principal needs Microsoft.Compute/virtualMachines/start/action on it:`,
			Validate: uuidCheck("subscription ID"),
			Phase:    "Azure Service Principal",
		},
		{
			Label:    "Gateway Webhook URL (optional)",
			Key:      "gateway/webhook_url",
			EnvVar:   "WEBHOOK_URL",
			Source:   SourcePrompt,
			Prompt:   `Paste the public gateway URL agents post to (or press Enter to skip):`,
			Validate: v.ValidateWebhookURL,
			Optional: true,
			Phase:    "Agents",
		},
	}
}

// Runner drives the bootstrap protocol over an inventory.
type Runner struct {
	SSM       *SSMManager
	Validator *Validator
	Stdin     io.Reader
	Stderr    io.Writer

	SkipOptional bool

	// One scanner for the whole session; several would each buffer ahead.
	scanner   *bufio.Scanner
	inventory []Step
}

type stepResult struct {
	Label  string
	Action string // written, generated, overwritten, skipped
	Path   string
}

// Run processes every step in order and prints a summary.
func (r *Runner) Run(ctx context.Context) error {
	inventory := r.inventory
	if inventory == nil {
		inventory = BuildInventory(r.Validator)
	}

	var phase string
	results := make([]stepResult, 0, len(inventory))
	for i, step := range inventory {
		if step.Phase != phase {
			phase = step.Phase
			fmt.Fprintf(r.Stderr, "\n=== %s ===\n", phase)
		}
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(inventory), step.Label)

		res, err := r.processStep(ctx, step)
		if err != nil {
			return fmt.Errorf("step %q failed: %w", step.Label, err)
		}
		results = append(results, res)
	}
	r.printSummary(results)
	return nil
}

func (r *Runner) processStep(ctx context.Context, step Step) (stepResult, error) {
	path := r.SSM.Path(step.Key)
	res := stepResult{Label: step.Label, Path: path, Action: "skipped"}

	if step.Optional && r.SkipOptional {
		fmt.Fprintln(r.Stderr, "  Skipped (--skip-optional)")
		return res, nil
	}

	exists, err := r.SSM.Exists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		overwrite, err := r.askOverwrite()
		if err != nil {
			return res, fmt.Errorf("reading skip/overwrite choice: %w", err)
		}
		if !overwrite {
			fmt.Fprintln(r.Stderr, "  Skipped.")
			return res, nil
		}
	}

	var value string
	switch step.Source {
	case SourceGenerated:
		value, err = GenerateSecureToken()
		if err != nil {
			return res, err
		}
		fmt.Fprintf(r.Stderr, "  Auto-generated (%d chars)\n", len(value))
	default:
		value, err = r.promptAndValidate(ctx, step)
		if errors.Is(err, errSkipped) {
			fmt.Fprintln(r.Stderr, "  Skipped.")
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}

	if err := r.SSM.Put(ctx, path, value, step.Secure, exists); err != nil {
		return res, err
	}

	switch {
	case exists:
		res.Action = "overwritten"
	case step.Source == SourceGenerated:
		res.Action = "generated"
	default:
		res.Action = "written"
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

func (r *Runner) promptAndValidate(ctx context.Context, step Step) (string, error) {
	fmt.Fprintf(r.Stderr, "\n  %s\n\n", step.Prompt)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		input, err := r.read("  > ", step.Secret)
		if err != nil {
			return "", fmt.Errorf("reading input for %s: %w", step.Label, err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			if step.Optional {
				return "", errSkipped
			}
			fmt.Fprintln(r.Stderr, "  A value is required.")
			continue
		}
		if step.Secret {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}
		if step.Validate != nil {
			vr := step.Validate(ctx, input)
			if !vr.Valid {
				fmt.Fprintf(r.Stderr, "  Validation failed: %s (%d/%d)\n", vr.Message, attempt, maxRetries)
				continue
			}
			fmt.Fprintf(r.Stderr, "  Validated: %s\n", vr.Message)
		}
		return input, nil
	}
	return "", fmt.Errorf("maximum retries (%d) exceeded for %s", maxRetries, step.Label)
}

// read prints prompt and reads one line. Secret input on a terminal is read
// without echo; piped input falls back to the line scanner.
func (r *Runner) read(prompt string, secret bool) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if f, ok := r.Stdin.(*os.File); secret && ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret input: %w", err)
		}
		return string(b), nil
	}
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *Runner) askOverwrite() (bool, error) {
	for {
		line, err := r.read("  [S]kip or [O]verwrite? ", false)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "s", "skip":
			return false, nil
		case "o", "overwrite":
			return true, nil
		}
		fmt.Fprintln(r.Stderr, "  Please enter 'S' to skip or 'O' to overwrite.")
	}
}

func (r *Runner) printSummary(results []stepResult) {
	counts := map[string]int{}
	fmt.Fprintln(r.Stderr, "\n=== Bootstrap Summary ===")
	for _, res := range results {
		counts[res.Action]++
		fmt.Fprintf(r.Stderr, "  %-13s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Label)
	}
	fmt.Fprintf(r.Stderr, "  Written: %d | Generated: %d | Overwritten: %d | Skipped: %d\n",
		counts["written"], counts["generated"], counts["overwritten"], counts["skipped"])
}
