// Package main implements the bootstrap CLI for provisioning evictguard
// secrets in AWS SSM Parameter Store.
//
// The tool walks an operator through every secret the gateway and the
// recovery worker need, generates the webhook API key, writes everything
// under /{env}/evictguard/ and can export a .env file of _SSM_PARAM
// references that the config loader resolves at startup.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=evictguard-prod --region=eu-west-1
//	go run ./cmd/ops/bootstrap --env=dev --endpoint=http://localhost:4566 --export-env
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// Session is the verified AWS session the bootstrap run operates in.
type Session struct {
	Environment string
	Profile     string
	Region      string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

type options struct {
	env           string
	profile       string
	region        string
	endpoint      string
	skipOptional  bool
	exportEnv     bool
	exportEnvPath string
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.env, "env", "", "Target environment (dev/staging/prod) [required]")
	fs.StringVar(&o.profile, "profile", "", "AWS CLI profile (default: default credential chain)")
	fs.StringVar(&o.region, "region", "us-east-1", "AWS region")
	fs.StringVar(&o.endpoint, "endpoint", "", "SSM/STS endpoint override, e.g. LocalStack")
	fs.BoolVar(&o.skipOptional, "skip-optional", false, "Skip optional parameters without prompting")
	fs.BoolVar(&o.exportEnv, "export-env", false, "Write a .env file of _SSM_PARAM references after bootstrap")
	fs.StringVar(&o.exportEnvPath, "export-env-path", ".env", "Path for the exported .env file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.env == "" {
		return options{}, fmt.Errorf("--env is required")
	}
	if !validEnvironments[o.env] {
		return options{}, fmt.Errorf("invalid environment %q (must be dev, staging, or prod)", o.env)
	}
	return o, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := initializeSession(ctx, opts, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if sess.Environment == "prod" && !confirmProduction(sess, os.Stdin, os.Stderr) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return
	}
	printBanner(sess, os.Stderr)

	client := ssm.NewFromConfig(sess.AWSConfig, func(o *ssm.Options) {
		if opts.endpoint != "" {
			o.BaseEndpoint = aws.String(opts.endpoint)
		}
	})
	runner := &Runner{
		SSM:          NewSSMManager(client, sess.Environment, logger),
		Validator:    NewValidator(),
		Stdin:        os.Stdin,
		Stderr:       os.Stderr,
		SkipOptional: opts.skipOptional,
	}
	if err := runner.Run(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bootstrap completed", "env", sess.Environment, "account", sess.AccountID, "region", sess.Region)

	if opts.exportEnv {
		if err := ExportEnvFile(opts.exportEnvPath, sess.Environment, runner.SSM, os.Stderr); err != nil {
			logger.Error("failed to export .env file", "error", err)
			os.Exit(1)
		}
		logger.Info(".env file exported", "path", opts.exportEnvPath)
	}
}

// initializeSession loads AWS config and confirms the caller identity before
// anything is written.
func initializeSession(ctx context.Context, opts options, logger *slog.Logger) (*Session, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.region)}
	if opts.profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(cfg, func(o *sts.Options) {
		if opts.endpoint != "" {
			o.BaseEndpoint = aws.String(opts.endpoint)
		}
	})
	idCtx, idCancel := context.WithTimeout(ctx, 10*time.Second)
	defer idCancel()
	identity, err := stsClient.GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", opts.profile, opts.region, err)
	}

	sess := &Session{
		Environment: opts.env,
		Profile:     opts.profile,
		Region:      opts.region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified", "account_id", sess.AccountID, "arn", sess.CallerARN)
	return sess, nil
}

// confirmProduction requires the operator to type "yes" before touching prod.
func confirmProduction(sess *Session, in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n", sess.AccountID)
	fmt.Fprintf(out, "  Region:  %s\n", sess.Region)
	fmt.Fprintf(out, "  ARN:     %s\n", sess.CallerARN)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func printBanner(sess *Session, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  evictguard bootstrap")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", sess.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", sess.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", sess.Region)
	fmt.Fprintf(out, "  Identity:     %s\n", sess.CallerARN)
	if sess.Profile != "" {
		fmt.Fprintf(out, "  Profile:      %s\n", sess.Profile)
	}
	fmt.Fprintf(out, "  SSM Prefix:   /%s/evictguard/\n", sess.Environment)
	fmt.Fprintln(out, "------------------------------------------------------------")
}
