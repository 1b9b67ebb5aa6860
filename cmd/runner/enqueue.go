package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"forgescan/tool-runner/internal/config"
	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/security"
)

var enqueueFile string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Push a job JSON document onto the redis job queue",
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "-", "job JSON file, - for stdin")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Queue.Driver != config.DriverRedis {
		return errors.New("enqueue needs the redis queue driver")
	}

	var r io.Reader = os.Stdin
	if enqueueFile != "-" {
		f, err := os.Open(enqueueFile)
		if err != nil {
			return errors.Wrap(err, "opening job file")
		}
		defer f.Close()
		r = f
	}

	var job model.Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return errors.Wrap(err, "decoding job")
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	if err := security.ValidateJob(&job); err != nil {
		return errors.Wrap(err, "invalid job")
	}
	job.EnqueuedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	tr, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := tr.queue.Enqueue(ctx, &job); err != nil {
		return errors.Wrap(err, "enqueue")
	}
	fmt.Fprintln(cmd.OutOrStdout(), job.RunID)
	return nil
}
