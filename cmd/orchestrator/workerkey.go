package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/store/postgres"
	"github.com/swarmguard/taskmesh/internal/workerauth"
)

// workerVerifier builds the handshake-time key verifier against the
// process's KV store.
func workerVerifier(kv store.KV) *workerauth.Verifier {
	return workerauth.NewVerifier(kv)
}

// newIssueWorkerKeyCmd registers a new worker record (or rotates an
// existing one's key) and prints the plaintext API key exactly once;
// only its bcrypt hash is ever persisted.
func newIssueWorkerKeyCmd(v *viper.Viper) *cobra.Command {
	var machineID, displayName string

	cmd := &cobra.Command{
		Use:   "issue-worker-key",
		Short: "Register a worker and issue its API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if machineID == "" {
				return fmt.Errorf("--machine-id is required")
			}
			cfg := config.FromViper(v)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			durable, err := postgres.New(ctx, cfg.PostgresDSN, noopMeter())
			if err != nil {
				return fmt.Errorf("connect durable store: %w", err)
			}
			defer durable.Close()

			issued, err := workerauth.Issue()
			if err != nil {
				return fmt.Errorf("issue worker key: %w", err)
			}

			worker, err := durable.GetWorkerByMachineID(ctx, machineID)
			if err != nil {
				worker = &model.Worker{
					ID:          uuid.New(),
					MachineID:   machineID,
					DisplayName: displayName,
					Status:      model.WorkerOffline,
					CreatedAt:   time.Now(),
				}
			}
			worker.APIKeyID = issued.ID
			worker.APIKeyHash = issued.Hash
			worker.APIKeyRevoked = false
			worker.UpdatedAt = time.Now()
			if displayName != "" {
				worker.DisplayName = displayName
			}
			if err := durable.UpsertWorker(ctx, worker); err != nil {
				return fmt.Errorf("persist worker: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "worker_id: %s\napi_key: %s\n", worker.ID, issued.Plaintext)
			return nil
		},
	}

	cmd.Flags().StringVar(&machineID, "machine-id", "", "stable machine identifier the worker presents at handshake")
	cmd.Flags().StringVar(&displayName, "display-name", "", "human-readable name for the worker")
	return cmd
}
