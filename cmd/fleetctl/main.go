package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/gpufleet/control-plane/config"
	"github.com/gpufleet/control-plane/entity"
	infraPkg "github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/registry"
	"github.com/gpufleet/control-plane/repository"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// fleetctl is the operator CLI for poking at the control store directly:
// inspecting jobs and workers, canceling and restarting jobs.

var (
	orgID string

	repo *repository.Repository
	reg  *registry.Registry
)

func initClients(cmd *cobra.Command, args []string) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}
	cfg := config.NewConfig()
	if orgID == "" {
		orgID = cfg.EnvConfig.Organization.ID
	}

	infra := infraPkg.InitInfra(cfg)
	repo = repository.InitRepository(infra)

	var events registry.EventPublisher
	if infra.Produce != nil {
		events = infra.Produce.JobEvents
	}
	reg = registry.NewRegistry(repo.JobRepo, repo.RunRepo, events, infra.Logger)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	root := &cobra.Command{
		Use:              "fleetctl",
		Short:            "Operator CLI for the GPU fleet control plane",
		PersistentPreRun: initClients,
	}
	root.PersistentFlags().StringVar(&orgID, "org", "", "organization id (defaults to ORG_ID)")

	jobCmd := &cobra.Command{Use: "job", Short: "Operate on a single job"}

	jobCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := reg.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	})

	jobCmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job (advisory; in-flight work finishes on the worker)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := reg.Cancel(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s canceled\n", args[0])
			return nil
		},
	})

	jobCmd.AddCommand(&cobra.Command{
		Use:   "restart <id>",
		Short: "Force a job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := reg.Restart(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s restarted\n", args[0])
			return nil
		},
	})

	var jobStatus, jobType string
	jobsList := &cobra.Command{
		Use:   "list",
		Short: "List an organization's jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := map[string]interface{}{}
			if jobStatus != "" {
				filters["status"] = jobStatus
			}
			if jobType != "" {
				filters["type"] = jobType
			}
			jobs, err := reg.Find(context.Background(), orgID, filters)
			if err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}
	jobsList.Flags().StringVar(&jobStatus, "status", "", "filter by status")
	jobsList.Flags().StringVar(&jobType, "type", "", "filter by job type")
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Operate on the job list"}
	jobsCmd.AddCommand(jobsList)

	var workerStatuses []string
	workersList := &cobra.Command{
		Use:   "list",
		Short: "List an organization's workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := []entity.WorkerStatus{
				entity.WorkerStatusStarting, entity.WorkerStatusActive, entity.WorkerStatusShutdown,
			}
			if len(workerStatuses) > 0 {
				statuses = statuses[:0]
				for _, s := range workerStatuses {
					statuses = append(statuses, entity.WorkerStatus(s))
				}
			}
			workers, err := repo.WorkerRepo.ListByStatus(orgID, statuses...)
			if err != nil {
				return err
			}
			return printJSON(workers)
		},
	}
	workersList.Flags().StringSliceVar(&workerStatuses, "status", nil, "filter by status (repeatable)")
	workersCmd := &cobra.Command{Use: "workers", Short: "Operate on the worker list"}
	workersCmd.AddCommand(workersList)

	root.AddCommand(jobCmd, jobsCmd, workersCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
