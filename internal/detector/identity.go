package detector

import (
	"context"
	"os"
	"time"

	"evictguard/internal/retry"
	"evictguard/internal/types"
)

// IdentityOptions controls ResolveIdentity. Zero values take the defaults.
type IdentityOptions struct {
	// ResourceGroup and InstanceName override the metadata lookup.
	ResourceGroup        string
	InstanceName         string
	DefaultResourceGroup string

	Attempts int
	Delay    time.Duration

	Sleep    retry.SleepFunc
	Hostname func() (string, error)
	Logger   types.Logger
}

const (
	defaultIdentityAttempts = 5
	defaultIdentityDelay    = 2 * time.Second
)

// ResolveIdentity determines the instance coordinates. Explicit overrides
// win; otherwise the metadata service is asked up to Attempts times, and as
// a last resort the hostname and DefaultResourceGroup are used.
func ResolveIdentity(ctx context.Context, lookup IdentityLookup, opts IdentityOptions) Identity {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultIdentityAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultIdentityDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Hostname == nil {
		opts.Hostname = os.Hostname
	}
	if opts.DefaultResourceGroup == "" {
		opts.DefaultResourceGroup = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}

	id := Identity{ResourceGroup: opts.ResourceGroup, InstanceName: opts.InstanceName}
	if id.ResourceGroup != "" && id.InstanceName != "" {
		id.InstanceID = id.InstanceName
		return id
	}

	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		found, err := lookup.Identity(ctx)
		if err == nil {
			id.InstanceID = found.InstanceID
			if id.ResourceGroup == "" {
				id.ResourceGroup = found.ResourceGroup
			}
			if id.InstanceName == "" {
				id.InstanceName = found.InstanceName
			}
			break
		}
		logger.Warn("instance metadata lookup failed",
			"attempt", attempt,
			"max_attempts", opts.Attempts,
			"error", err.Error(),
		)
		if attempt < opts.Attempts {
			if opts.Sleep(ctx, opts.Delay) != nil {
				break
			}
		}
	}

	if id.InstanceName == "" {
		host, err := opts.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		logger.Warn("could not determine instance name, using hostname", "hostname", host)
		id.InstanceName = host
	}
	if id.ResourceGroup == "" {
		logger.Warn("could not determine resource group, using default",
			"resource_group", opts.DefaultResourceGroup)
		id.ResourceGroup = opts.DefaultResourceGroup
	}
	if id.InstanceID == "" {
		id.InstanceID = id.InstanceName
	}
	if !types.IsValidResourceName(id.ResourceGroup) || !types.IsValidResourceName(id.InstanceName) {
		logger.Warn("instance identity will be rejected by the gateway",
			"resource_group", id.ResourceGroup,
			"vm_name", id.InstanceName,
		)
	}
	return id
}
