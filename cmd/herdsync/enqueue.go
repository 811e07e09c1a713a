package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(newEnqueueCmd())
}

// actionFile is the on-disk form of an action. JSON files parse too, since
// JSON is a subset of YAML.
type actionFile struct {
	ActionType     string `yaml:"actionType"`
	TargetEndpoint string `yaml:"targetEndpoint"`
	Payload        any    `yaml:"payload"`
	AuthToken      string `yaml:"authToken"`
	IdempotencyKey string `yaml:"idempotencyKey"`
}

func parseActionFile(data []byte) (*outbox.PendingActionInput, error) {
	var f actionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse action file: %w", err)
	}

	in := &outbox.PendingActionInput{
		ActionType:     outbox.ActionType(f.ActionType),
		TargetEndpoint: f.TargetEndpoint,
		AuthToken:      f.AuthToken,
		IdempotencyKey: f.IdempotencyKey,
	}
	if f.Payload != nil {
		payload, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		in.Payload = payload
	}
	return in, nil
}

func newEnqueueCmd() *cobra.Command {
	var (
		file       string
		actionType string
		endpoint   string
		payload    string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an action for the next sync pass",
		Example: `  herdsync enqueue -f cow.yaml
  herdsync enqueue --type update-livestock --endpoint /api/livestock/12 --payload '{"weight":410}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := actionInput(file, actionType, endpoint, payload)
			if err != nil {
				return err
			}

			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q *outbox.Queue) error {
				switch {
				case token != "":
					in.AuthToken = token
				case in.AuthToken == "":
					in.AuthToken = cfg.AuthToken
				}

				action, err := q.Enqueue(ctx, in)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), action)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("QUEUED"), action.String())
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON action file, - for stdin")
	cmd.Flags().StringVar(&actionType, "type", "", "Action type")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Target endpoint path")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token captured with the action (default: auth_token from config)")
	addJSONFlag(cmd)
	return cmd
}

func actionInput(file, actionType, endpoint, payload string) (*outbox.PendingActionInput, error) {
	if file == "" {
		if actionType == "" || endpoint == "" {
			return nil, errors.New("either --file or both --type and --endpoint are required")
		}
		in := &outbox.PendingActionInput{
			ActionType:     outbox.ActionType(actionType),
			TargetEndpoint: endpoint,
		}
		if payload != "" {
			in.Payload = json.RawMessage(payload)
		}
		return in, nil
	}

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}

	in, err := parseActionFile(data)
	if err != nil {
		return nil, err
	}
	if actionType != "" {
		in.ActionType = outbox.ActionType(actionType)
	}
	if endpoint != "" {
		in.TargetEndpoint = endpoint
	}
	return in, nil
}
