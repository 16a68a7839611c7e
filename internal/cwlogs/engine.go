// Package cwlogs submits CloudWatch Logs Insights queries and polls them
// to completion, flattening results into CSV text.
package cwlogs

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/rotopus/rotodebug/internal/config"
	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/telemetry"
)

// Store is the slice of the CloudWatch Logs API the engine needs.
// *cloudwatchlogs.Client satisfies it.
type Store interface {
	StartQuery(ctx context.Context, params *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResults(ctx context.Context, params *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
}

type StoreFactory func(ctx context.Context, creds config.StorageCredentials) (Store, error)

func defaultStoreFactory(ctx context.Context, creds config.StorageCredentials) (Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return cloudwatchlogs.NewFromConfig(cfg), nil
}

type Config struct {
	Resolver     *config.Resolver
	Store        StoreFactory
	PollInterval time.Duration
	MaxPolls     int
	Now          func() time.Time
	Logger       *slog.Logger
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.Resolver == nil {
		cfg.Resolver = config.NewResolver(nil)
	}
	if cfg.Store == nil {
		cfg.Store = defaultStoreFactory
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 30
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg}
}

// Request carries one query invocation. SessionID wins over Query when
// both are set; Limit only applies to the synthesized query.
type Request struct {
	Env       string
	Query     string
	SessionID string
	Hours     int
	Days      int
	Weeks     int
	Limit     int
}

type Result struct {
	State       State
	Text        string
	QueryID     string
	ResultCount int
}

// Run validates the request, submits the query, and polls to a terminal
// state. Validation failures (missing query, credentials, unknown
// environment) return as errors before any store call; everything after
// submission renders into Result.Text.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	query := req.Query
	if req.SessionID != "" {
		query = SessionQuery(req.SessionID, req.Limit)
	} else if query == "" {
		return Result{}, core.ErrMissingQuery
	}

	creds, err := e.cfg.Resolver.StorageCredentials()
	if err != nil {
		return Result{}, err
	}

	logGroup, err := config.LogGroup(req.Env)
	if err != nil {
		return Result{}, err
	}

	creds.ExportToProcess()

	win := ComputeWindow(e.cfg.Now(), req.Hours, req.Days, req.Weeks)

	store, err := e.cfg.Store(ctx, creds)
	if err != nil {
		telemetry.IncLogQuery(req.Env, "client_error")
		return Result{State: StateFailed, Text: fmt.Sprintf("Error creating AWS client: %v", err)}, nil
	}

	e.cfg.Logger.Info("submitting log query",
		"env", req.Env,
		"log_group", logGroup,
		"window", win.Desc,
	)

	out, err := store.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupName: aws.String(logGroup),
		StartTime:    aws.Int64(win.Start.Unix()),
		EndTime:      aws.Int64(win.End.Unix()),
		QueryString:  aws.String(query),
	})
	if err != nil {
		telemetry.IncLogQuery(req.Env, "submit_error")
		return Result{State: StateFailed, Text: fmt.Sprintf("Error starting query: %v", err)}, nil
	}
	queryID := aws.ToString(out.QueryId)

	for round := 0; round < e.cfg.MaxPolls; round++ {
		if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
			return Result{}, err
		}

		res, err := store.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{QueryId: aws.String(queryID)})
		if err != nil {
			telemetry.IncLogQuery(req.Env, "poll_error")
			return Result{State: StateFailed, QueryID: queryID, Text: fmt.Sprintf("Error getting query results: %v", err)}, nil
		}

		next := transition(res.Status)
		e.cfg.Logger.Debug("log query poll", "round", round+1, "status", string(res.Status), "state", next.String())

		switch next {
		case StateCompleted:
			return e.complete(req.Env, query, win, queryID, res.Results), nil
		case StateFailed:
			telemetry.IncLogQuery(req.Env, "store_failed")
			return Result{State: StateFailed, QueryID: queryID, Text: "Error: Query failed"}, nil
		}
	}

	telemetry.IncLogQuery(req.Env, "timed_out")
	return Result{
		State:   StateTimedOut,
		QueryID: queryID,
		Text:    fmt.Sprintf("Error: Query timed out. Query ID: %s", queryID),
	}, nil
}

func (e *Engine) complete(env, query string, win Window, queryID string, rows [][]types.ResultField) Result {
	records := flatten(rows)
	if len(records) == 0 {
		telemetry.IncLogQuery(env, "empty")
		return Result{
			State:   StateCompleted,
			QueryID: queryID,
			Text:    fmt.Sprintf("Query completed successfully but returned no results.\nQuery: %s\nTime range: Last %s", query, win.Desc),
		}
	}

	telemetry.IncLogQuery(env, "completed")
	return Result{
		State:       StateCompleted,
		QueryID:     queryID,
		ResultCount: len(records),
		Text:        fmt.Sprintf("Query completed successfully. Found %d results.\n\n%s", len(records), renderCSV(records)),
	}
}

// flatten copies rows into records, dropping the store-internal @ptr
// pointer field and any row left empty after that.
func flatten(rows [][]types.ResultField) []map[string]string {
	records := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		rec := make(map[string]string, len(row))
		for _, f := range row {
			name := aws.ToString(f.Field)
			if name == "@ptr" {
				continue
			}
			rec[name] = aws.ToString(f.Value)
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records
}

// renderCSV fixes column order as the sorted union of field names so the
// same result set always serializes identically.
func renderCSV(records []map[string]string) string {
	fieldSet := make(map[string]struct{})
	for _, rec := range records {
		for name := range rec {
			fieldSet[name] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for name := range fieldSet {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	w.Write(fields)
	row := make([]string, len(fields))
	for _, rec := range records {
		for i, name := range fields {
			row[i] = rec[name]
		}
		w.Write(row)
	}
	w.Flush()
	return buf.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
