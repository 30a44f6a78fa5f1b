package assignment

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/config"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/resilience"
	"github.com/vikyol/awsideman/pkg/logger"
	"github.com/vikyol/awsideman/pkg/metrics"
)

// statusPollInterval is the base delay between provisioning status probes.
const statusPollInterval = 500 * time.Millisecond

// Request describes one fan-out: a resolved principal and permission set
// applied to (or removed from) a set of accounts.
type Request struct {
	Principal     core.PrincipalRef
	PermissionSet core.PermissionSetRef
	Accounts      []core.Account
	Direction     core.Direction

	// ContinueOnError keeps the batch going past per-account failures.
	// When false the first failure cancels pending work; in-flight accounts
	// drain and their results are recorded.
	ContinueOnError bool
}

// Result is the outcome of one fan-out.
type Result struct {
	OperationID string
	Records     []core.AssignmentRecord
	Cancelled   bool
}

// Counts tallies the records by outcome.
func (r *Result) Counts() Counters {
	c := Counters{Total: len(r.Records)}
	for _, rec := range r.Records {
		switch {
		case rec.Outcome == core.OutcomeSucceeded:
			c.Succeeded++
		case rec.Outcome.Skipped():
			c.Skipped++
		default:
			c.Failed++
		}
	}
	return c
}

// Executor is the multi-account worker pool.
type Executor struct {
	client      awsclient.SSOAdminAPI
	instanceArn string
	coreCfg     config.CoreConfig
	limiter     *rate.Limiter
	metrics     *metrics.ExecutorMetrics
	logger      *slog.Logger
}

// NewExecutor creates an executor bound to one Identity Center instance.
func NewExecutor(client awsclient.SSOAdminAPI, instanceArn string, coreCfg config.CoreConfig, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if coreCfg.RateLimitDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(coreCfg.RateLimitDelay), 1)
	}
	return &Executor{
		client:      client,
		instanceArn: instanceArn,
		coreCfg:     coreCfg,
		limiter:     limiter,
		metrics:     metrics.NewExecutorMetrics(),
		logger:      log,
	}
}

// Execute fans the request out across its accounts. Records come back sorted
// by account id regardless of completion order. progress may be nil.
func (e *Executor) Execute(ctx context.Context, req Request, progress *Progress) (*Result, error) {
	operationID := uuid.NewString()
	result := &Result{OperationID: operationID}
	if len(req.Accounts) == 0 {
		progress.close()
		return result, nil
	}

	workers := e.coreCfg.WorkerCount(len(req.Accounts))
	if workers > len(req.Accounts) {
		workers = len(req.Accounts)
	}
	governor := resilience.NewGovernor(workers, e.logger)

	// The operation id rides the context so every log line of this run,
	// including retry warnings deep in the call layer, carries it.
	runCtx, cancel := context.WithCancel(logger.WithOperationID(ctx, operationID))
	defer cancel()
	runLog := logger.FromContext(runCtx, e.logger)

	runLog.Info("starting multi-account execution",
		"direction", req.Direction,
		"accounts", len(req.Accounts),
		"workers", workers,
	)

	var (
		wg      sync.WaitGroup
		active  int32
		stopped atomic.Bool
	)
	records := make(chan core.AssignmentRecord, len(req.Accounts))

	for _, acct := range req.Accounts {
		if runCtx.Err() != nil {
			break
		}

		// Adaptive concurrency: launch only while the governor allows. The
		// limit shrinks under throttling, so dispatch polls rather than
		// relying on a fixed-size semaphore.
		for int(atomic.LoadInt32(&active)) >= governor.Limit() {
			if !sleepCtx(runCtx, 20*time.Millisecond) {
				break
			}
		}
		if runCtx.Err() != nil {
			break
		}
		e.metrics.WorkerGauge.Set(float64(governor.Limit()))

		wg.Add(1)
		atomic.AddInt32(&active, 1)
		go func(acct core.Account) {
			defer wg.Done()
			defer atomic.AddInt32(&active, -1)

			progress.emit(Event{Type: EventStarted, AccountID: acct.ID, AccountName: acct.Name})
			rec := e.processAccount(runCtx, req, acct, governor)
			records <- rec
			progress.emit(Event{Type: EventCompleted, AccountID: acct.ID, AccountName: acct.Name, Outcome: rec.Outcome})
			e.metrics.RecordResult(string(req.Direction), string(rec.Outcome), float64(rec.DurationMs)/1000)

			if rec.Outcome == core.OutcomeFailed && !req.ContinueOnError {
				stopped.Store(true)
				cancel()
			}
		}(acct)
	}

	wg.Wait()
	close(records)
	progress.close()

	for rec := range records {
		result.Records = append(result.Records, rec)
	}
	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].AccountID < result.Records[j].AccountID
	})
	result.Cancelled = ctx.Err() != nil || (stopped.Load() && len(result.Records) < len(req.Accounts))

	counts := result.Counts()
	runLog.Info("multi-account execution finished",
		"processed", counts.Total,
		"succeeded", counts.Succeeded,
		"skipped", counts.Skipped,
		"failed", counts.Failed,
		"cancelled", result.Cancelled,
	)
	return result, nil
}

// processAccount runs one account to its terminal outcome. All state here is
// private to the worker and discarded at completion.
func (e *Executor) processAccount(ctx context.Context, req Request, acct core.Account, governor *resilience.Governor) core.AssignmentRecord {
	start := time.Now()
	rec := core.AssignmentRecord{
		PrincipalID:      req.Principal.ID,
		PrincipalType:    req.Principal.Type,
		PermissionSetArn: req.PermissionSet.ARN,
		AccountID:        acct.ID,
	}

	acctCtx := ctx
	if e.coreCfg.AccountTimeout > 0 {
		var cancel context.CancelFunc
		acctCtx, cancel = context.WithTimeout(ctx, e.coreCfg.AccountTimeout)
		defer cancel()
	}

	policy := &resilience.RetryPolicy{
		MaxRetries:    e.coreCfg.MaxRetries,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		Limiter:       e.limiter,
		OnThrottle:    governor.Throttled,
		Logger:        logger.FromContext(ctx, e.logger),
		Metrics:       metrics.NewRetryMetrics(),
		OperationName: string(req.Direction) + "_assignment",
	}

	var statusID string
	attempts, err := policy.Do(acctCtx, func(ctx context.Context) error {
		var callErr error
		statusID, callErr = e.submit(ctx, req, acct.ID)
		return callErr
	})
	rec.Retries = attempts

	if err != nil {
		switch resilience.Classify(err) {
		case resilience.ClassConflict:
			// Create on an existing assignment: AWS already holds the
			// target state.
			rec.Outcome = core.OutcomeSkippedPresent
		case resilience.ClassNotFound:
			if req.Direction == core.DirectionRevoke {
				rec.Outcome = core.OutcomeSkippedAbsent
			} else {
				rec.Outcome = core.OutcomeFailed
				rec.Error = err.Error()
			}
		default:
			rec.Outcome = core.OutcomeFailed
			rec.Error = err.Error()
		}
		rec.DurationMs = time.Since(start).Milliseconds()
		return rec
	}

	if statusID != "" {
		if err := e.awaitProvisioning(acctCtx, req.Direction, statusID, policy); err != nil {
			rec.Outcome = core.OutcomeFailed
			rec.Error = err.Error()
			rec.DurationMs = time.Since(start).Milliseconds()
			return rec
		}
	}

	rec.Outcome = core.OutcomeSucceeded
	rec.DurationMs = time.Since(start).Milliseconds()
	return rec
}

// submit issues the create or delete call and returns the provisioning
// status id AWS hands back.
func (e *Executor) submit(ctx context.Context, req Request, accountID string) (string, error) {
	principalType := ssotypes.PrincipalType(req.Principal.Type)
	switch req.Direction {
	case core.DirectionRevoke:
		out, err := e.client.DeleteAccountAssignment(ctx, &ssoadmin.DeleteAccountAssignmentInput{
			InstanceArn:      aws.String(e.instanceArn),
			PermissionSetArn: aws.String(req.PermissionSet.ARN),
			PrincipalId:      aws.String(req.Principal.ID),
			PrincipalType:    principalType,
			TargetId:         aws.String(accountID),
			TargetType:       ssotypes.TargetTypeAwsAccount,
		})
		if err != nil {
			return "", err
		}
		if out.AccountAssignmentDeletionStatus == nil {
			return "", nil
		}
		return aws.ToString(out.AccountAssignmentDeletionStatus.RequestId), nil
	default:
		out, err := e.client.CreateAccountAssignment(ctx, &ssoadmin.CreateAccountAssignmentInput{
			InstanceArn:      aws.String(e.instanceArn),
			PermissionSetArn: aws.String(req.PermissionSet.ARN),
			PrincipalId:      aws.String(req.Principal.ID),
			PrincipalType:    principalType,
			TargetId:         aws.String(accountID),
			TargetType:       ssotypes.TargetTypeAwsAccount,
		})
		if err != nil {
			return "", err
		}
		if out.AccountAssignmentCreationStatus == nil {
			return "", nil
		}
		return aws.ToString(out.AccountAssignmentCreationStatus.RequestId), nil
	}
}

// awaitProvisioning polls the returned status handle until it is terminal.
func (e *Executor) awaitProvisioning(ctx context.Context, direction core.Direction, requestID string, policy *resilience.RetryPolicy) error {
	interval := statusPollInterval
	for {
		var status ssotypes.StatusValues
		var failureReason string
		_, err := policy.Do(ctx, func(ctx context.Context) error {
			if direction == core.DirectionRevoke {
				out, err := e.client.DescribeAccountAssignmentDeletionStatus(ctx, &ssoadmin.DescribeAccountAssignmentDeletionStatusInput{
					InstanceArn:                        aws.String(e.instanceArn),
					AccountAssignmentDeletionRequestId: aws.String(requestID),
				})
				if err != nil {
					return err
				}
				status = out.AccountAssignmentDeletionStatus.Status
				failureReason = aws.ToString(out.AccountAssignmentDeletionStatus.FailureReason)
				return nil
			}
			out, err := e.client.DescribeAccountAssignmentCreationStatus(ctx, &ssoadmin.DescribeAccountAssignmentCreationStatusInput{
				InstanceArn:                        aws.String(e.instanceArn),
				AccountAssignmentCreationRequestId: aws.String(requestID),
			})
			if err != nil {
				return err
			}
			status = out.AccountAssignmentCreationStatus.Status
			failureReason = aws.ToString(out.AccountAssignmentCreationStatus.FailureReason)
			return nil
		})
		if err != nil {
			return err
		}

		switch status {
		case ssotypes.StatusValuesSucceeded:
			return nil
		case ssotypes.StatusValuesFailed:
			return &provisioningError{requestID: requestID, reason: failureReason}
		}

		if !sleepCtx(ctx, interval) {
			return ctx.Err()
		}
		if interval < 5*time.Second {
			interval *= 2
		}
	}
}

type provisioningError struct {
	requestID string
	reason    string
}

func (e *provisioningError) Error() string {
	return "provisioning request " + e.requestID + " failed: " + e.reason
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
