package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/blingmoon/resumable-workflow/internal/feeder"
	"github.com/blingmoon/resumable-workflow/workflow"
)

func newRunCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Create a run, one token per payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")
			rawPayloads, _ := cmd.Flags().GetStringArray("payload")
			payloadFile, _ := cmd.Flags().GetString("payload-file")
			rawSideState, _ := cmd.Flags().GetString("side-state")

			payloads := make([]any, 0, len(rawPayloads))
			for _, raw := range rawPayloads {
				payload, err := parseValue(raw)
				if err != nil {
					return err
				}
				payloads = append(payloads, payload)
			}
			if payloadFile != "" {
				fromFile, err := readPayloads(payloadFile)
				if err != nil {
					return err
				}
				payloads = append(payloads, fromFile...)
			}
			if len(payloads) == 0 {
				return fmt.Errorf("at least one --payload or --payload-file is required")
			}
			var sideState map[string]any
			if rawSideState != "" {
				v, err := parseValue(rawSideState)
				if err != nil {
					return err
				}
				m, ok := v.(map[string]any)
				if !ok {
					return fmt.Errorf("--side-state must be an object")
				}
				sideState = m
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			detail, err := a.service.CreateRun(cmd.Context(), &workflow.CreateRunReq{
				DefinitionName: args[0],
				Payloads:       payloads,
				SideState:      sideState,
				IsRun:          !noExec,
			})
			if err != nil {
				var runErr *workflow.RunError
				if errors.As(err, &runErr) {
					if detail, detailErr := a.service.GetRunDetail(cmd.Context(), runErr.RunID); detailErr == nil {
						printRun(detail)
					}
				}
				return fmt.Errorf("run failed: %w", err)
			}
			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
			}
			printRun(detail)
			return nil
		},
	}
	cmd.Flags().Bool("no-exec", false, "Create run but don't process it")
	cmd.Flags().StringArrayP("payload", "p", nil, "Token payload (json or yaml), repeatable")
	cmd.Flags().StringP("payload-file", "f", "", "File with a list of payloads (json or yaml)")
	cmd.Flags().String("side-state", "", "Initial run side state (json or yaml object)")
	return cmd
}

func newResumeCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a halted run, or process a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			continueNext, _ := cmd.Flags().GetBool("continue-next")
			rawEvent, _ := cmd.Flags().GetString("event")

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			runID := args[0]
			detail, err := a.service.GetRunDetail(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			if detail.Status == workflow.RunStatusHalted {
				req := &workflow.ResumeRunReq{RunID: runID, ResumePoint: workflow.ResumeRestartTask}
				if continueNext {
					req.ResumePoint = workflow.ResumeContinueNext
				}
				if rawEvent != "" {
					v, err := parseValue(rawEvent)
					if err != nil {
						return err
					}
					event, ok := v.(map[string]any)
					if !ok {
						return fmt.Errorf("--event must be an object")
					}
					req.Event = event
				}
				fmt.Printf("Resuming run %s (%s)\n", runID, req.ResumePoint)
				err = a.service.ResumeRun(ctx, req)
			} else {
				fmt.Printf("Processing run %s\n", runID)
				err = a.service.ProcessRun(ctx, runID)
			}
			if detail, detailErr := a.service.GetRunDetail(ctx, runID); detailErr == nil {
				printRun(detail)
			}
			if err != nil {
				return fmt.Errorf("resume failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("continue-next", false, "Skip the halted task instead of running it again")
	cmd.Flags().StringP("event", "e", "", "External event (json or yaml object) for halted tokens")
	return cmd
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			detail, err := a.service.GetRunDetail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			printRun(detail)
			if len(detail.SideState) > 0 {
				fmt.Printf("\nSide state: %v\n", detail.SideState)
			}
			return nil
		},
	}
}

func newListCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, _ := cmd.Flags().GetStringSlice("status")
			definitions, _ := cmd.Flags().GetStringSlice("definition")
			page, _ := cmd.Flags().GetInt64("page")
			size, _ := cmd.Flags().GetInt64("size")

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			params := &workflow.QueryRunParams{
				StatusIn:          statuses,
				DefinitionNameIn:  definitions,
				OrderbyCreatedAsc: workflow.Bool(false),
				Page:              &workflow.Pager{Page: page, Size: size},
			}
			total, err := a.service.CountRuns(cmd.Context(), params)
			if err != nil {
				return err
			}
			runs, err := a.service.QueryRuns(cmd.Context(), params)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}
			fmt.Printf("%-36s  %-24s  %-10s  %-10s  %s\n", "ID", "DEFINITION", "STATUS", "POSITION", "TOKENS")
			for _, run := range runs {
				fmt.Printf("%-36s  %-24s  %-10s  %-10s  %d/%d\n",
					run.ID, run.DefinitionName, run.Status, run.Position, run.CounterFinished, run.CounterInitial)
			}
			fmt.Printf("\n%d of %d runs\n", len(runs), total)
			return nil
		},
	}
	cmd.Flags().StringSlice("status", nil, "Filter by status (new, running, halted, error, completed)")
	cmd.Flags().StringSlice("definition", nil, "Filter by definition name")
	cmd.Flags().Int64("page", 1, "Page number")
	cmd.Flags().Int64("size", 20, "Page size")
	return cmd
}

func newDefinitionsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "Build and list all registered definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			// newApp已经构建过所有定义
			for _, name := range a.registry.DefinitionNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newBatchCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <definition> <payload-file>",
		Short: "Create and process one run per payload through a bounded queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			useRedis, _ := cmd.Flags().GetBool("redis")

			payloads, err := readPayloads(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var dispatcher feeder.Dispatcher = feeder.NewLocalDispatcher(feeder.NewRunHandler(a.service))
			if useRedis {
				dispatcher = feeder.NewRedisDispatcher(a.redisClient(), a.cfg.Feeder.Queue)
			}
			f := feeder.New(dispatcher, feeder.Options{
				MaxQueueLength: a.cfg.Feeder.MaxQueueLength,
				SleepTime:      a.cfg.Feeder.SleepTime,
				Logger:         a.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			counts := make(map[string]int)
			err = f.Feed(ctx, args[0], payloads, func(result *feeder.Result) error {
				counts[result.Status]++
				if result.Error != "" {
					fmt.Printf("  #%d run %s: %s, %s\n", result.Seq, result.RunID, result.Status, result.Error)
				} else {
					fmt.Printf("  #%d run %s: %s\n", result.Seq, result.RunID, result.Status)
				}
				return nil
			})
			fmt.Printf("\n%d payloads: %v\n", len(payloads), counts)
			if err != nil {
				return fmt.Errorf("batch failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("redis", false, "Dispatch jobs to redis workers instead of local goroutines")
	return cmd
}

func newWorkerCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume batch jobs from redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.serveMetrics(ctx, metricsAddr)

			worker := feeder.NewRedisWorker(a.redisClient(), a.cfg.Feeder.Queue, feeder.NewRunHandler(a.service), a.logger)
			fmt.Printf("Worker consuming %s, press Ctrl+C to stop\n", a.cfg.Feeder.Queue)
			return worker.Run(ctx)
		},
	}
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	return cmd
}
