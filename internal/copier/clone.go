package copier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/google/uuid"

	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/operations"
	"github.com/vikyol/awsideman/internal/resilience"
	"github.com/vikyol/awsideman/internal/resolver"
)

func newOperationID() string { return uuid.NewString() }

// Cloner duplicates a permission set's full configuration under a new name.
// The clone carries every policy attachment but no assignments.
type Cloner struct {
	client   awsclient.SSOAdminAPI
	resolver *resolver.Resolver
	opLogger *operations.Logger
	retry    *resilience.RetryPolicy
	instance string
	logger   *slog.Logger
}

// NewCloner assembles a cloner.
func NewCloner(client awsclient.SSOAdminAPI, res *resolver.Resolver, opLogger *operations.Logger, retry *resilience.RetryPolicy, instanceArn string, logger *slog.Logger) *Cloner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloner{
		client:   client,
		resolver: res,
		opLogger: opLogger,
		retry:    retry,
		instance: instanceArn,
		logger:   logger,
	}
}

// ReadConfig loads the complete source configuration for preview or cloning.
func (c *Cloner) ReadConfig(ctx context.Context, name string) (*core.PermissionSetConfig, error) {
	ref := core.PermissionSetRef{Name: name}
	if err := c.resolver.ResolvePermissionSet(ctx, &ref); err != nil {
		return nil, err
	}

	cfg := &core.PermissionSetConfig{Name: name, ARN: ref.ARN}

	_, err := c.retry.Do(ctx, func(ctx context.Context) error {
		out, err := c.client.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
			InstanceArn:      aws.String(c.instance),
			PermissionSetArn: aws.String(ref.ARN),
		})
		if err != nil {
			return err
		}
		cfg.Description = aws.ToString(out.PermissionSet.Description)
		cfg.SessionDuration = aws.ToString(out.PermissionSet.SessionDuration)
		cfg.RelayState = aws.ToString(out.PermissionSet.RelayState)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describing permission set %s: %w", name, err)
	}

	_, err = c.retry.Do(ctx, func(ctx context.Context) error {
		cfg.ManagedPolicyArns = cfg.ManagedPolicyArns[:0]
		var next *string
		for {
			out, err := c.client.ListManagedPoliciesInPermissionSet(ctx, &ssoadmin.ListManagedPoliciesInPermissionSetInput{
				InstanceArn:      aws.String(c.instance),
				PermissionSetArn: aws.String(ref.ARN),
				NextToken:        next,
			})
			if err != nil {
				return err
			}
			for _, p := range out.AttachedManagedPolicies {
				cfg.ManagedPolicyArns = append(cfg.ManagedPolicyArns, aws.ToString(p.Arn))
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing managed policies for %s: %w", name, err)
	}

	_, err = c.retry.Do(ctx, func(ctx context.Context) error {
		cfg.CustomerManagedPolicies = cfg.CustomerManagedPolicies[:0]
		var next *string
		for {
			out, err := c.client.ListCustomerManagedPolicyReferencesInPermissionSet(ctx, &ssoadmin.ListCustomerManagedPolicyReferencesInPermissionSetInput{
				InstanceArn:      aws.String(c.instance),
				PermissionSetArn: aws.String(ref.ARN),
				NextToken:        next,
			})
			if err != nil {
				return err
			}
			for _, p := range out.CustomerManagedPolicyReferences {
				cfg.CustomerManagedPolicies = append(cfg.CustomerManagedPolicies, core.CustomerManagedPolicy{
					Name: aws.ToString(p.Name),
					Path: aws.ToString(p.Path),
				})
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing customer managed policies for %s: %w", name, err)
	}

	_, err = c.retry.Do(ctx, func(ctx context.Context) error {
		out, err := c.client.GetInlinePolicyForPermissionSet(ctx, &ssoadmin.GetInlinePolicyForPermissionSetInput{
			InstanceArn:      aws.String(c.instance),
			PermissionSetArn: aws.String(ref.ARN),
		})
		if err != nil {
			return err
		}
		cfg.InlinePolicy = aws.ToString(out.InlinePolicy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading inline policy for %s: %w", name, err)
	}

	return cfg, nil
}

// Clone creates targetName from the source configuration. A target name that
// already exists is a ValidationError and nothing is mutated.
func (c *Cloner) Clone(ctx context.Context, sourceName, targetName, description string) (*core.PermissionSetConfig, *core.OperationRecord, error) {
	src, err := c.ReadConfig(ctx, sourceName)
	if err != nil {
		return nil, nil, err
	}

	// Existence check before any mutation.
	existing := core.PermissionSetRef{Name: targetName}
	if err := c.resolver.ResolvePermissionSet(ctx, &existing); err == nil {
		return nil, nil, core.NewValidationError("to", "permission set %q already exists", targetName)
	}

	if description == "" {
		description = src.Description
	}

	var createdArn string
	_, err = c.retry.Do(ctx, func(ctx context.Context) error {
		in := &ssoadmin.CreatePermissionSetInput{
			InstanceArn: aws.String(c.instance),
			Name:        aws.String(targetName),
		}
		if description != "" {
			in.Description = aws.String(description)
		}
		if src.SessionDuration != "" {
			in.SessionDuration = aws.String(src.SessionDuration)
		}
		if src.RelayState != "" {
			in.RelayState = aws.String(src.RelayState)
		}
		out, err := c.client.CreatePermissionSet(ctx, in)
		if err != nil {
			return err
		}
		createdArn = aws.ToString(out.PermissionSet.PermissionSetArn)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating permission set %q: %w", targetName, err)
	}

	for _, policyArn := range src.ManagedPolicyArns {
		arn := policyArn
		if _, err := c.retry.Do(ctx, func(ctx context.Context) error {
			_, err := c.client.AttachManagedPolicyToPermissionSet(ctx, &ssoadmin.AttachManagedPolicyToPermissionSetInput{
				InstanceArn:      aws.String(c.instance),
				PermissionSetArn: aws.String(createdArn),
				ManagedPolicyArn: aws.String(arn),
			})
			return err
		}); err != nil {
			return nil, nil, fmt.Errorf("attaching managed policy %s: %w", arn, err)
		}
	}

	for _, policy := range src.CustomerManagedPolicies {
		ref := policy
		if _, err := c.retry.Do(ctx, func(ctx context.Context) error {
			in := &ssoadmin.AttachCustomerManagedPolicyReferenceToPermissionSetInput{
				InstanceArn:      aws.String(c.instance),
				PermissionSetArn: aws.String(createdArn),
				CustomerManagedPolicyReference: &ssotypes.CustomerManagedPolicyReference{
					Name: aws.String(ref.Name),
				},
			}
			if ref.Path != "" {
				in.CustomerManagedPolicyReference.Path = aws.String(ref.Path)
			}
			_, err := c.client.AttachCustomerManagedPolicyReferenceToPermissionSet(ctx, in)
			return err
		}); err != nil {
			return nil, nil, fmt.Errorf("attaching customer managed policy %s: %w", ref.Name, err)
		}
	}

	if src.InlinePolicy != "" {
		if _, err := c.retry.Do(ctx, func(ctx context.Context) error {
			_, err := c.client.PutInlinePolicyToPermissionSet(ctx, &ssoadmin.PutInlinePolicyToPermissionSetInput{
				InstanceArn:      aws.String(c.instance),
				PermissionSetArn: aws.String(createdArn),
				InlinePolicy:     aws.String(src.InlinePolicy),
			})
			return err
		}); err != nil {
			return nil, nil, fmt.Errorf("writing inline policy: %w", err)
		}
	}

	cloned := *src
	cloned.Name = targetName
	cloned.ARN = createdArn
	cloned.Description = description

	// Journal the clone so it can be rolled back (delete while unassigned).
	rec := &core.OperationRecord{
		OperationID:       newOperationID(),
		Timestamp:         time.Now().UTC(),
		Kind:              core.OpClone,
		PermissionSetArn:  createdArn,
		PermissionSetName: targetName,
		Metadata: map[string]string{
			"cloned_from": sourceName,
		},
	}
	if err := c.opLogger.Store().Append(ctx, rec); err != nil {
		c.logger.Warn("journaling clone failed", "operation_id", rec.OperationID, "error", err)
	}

	c.logger.Info("cloned permission set",
		"source", sourceName,
		"target", targetName,
		"arn", createdArn,
		"operation_id", rec.OperationID,
	)
	return &cloned, rec, nil
}
