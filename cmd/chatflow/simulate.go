package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/cmd"
	logdispatcher "github.com/dukex/chatflow/pkg/dispatcher/log"
	"github.com/dukex/chatflow/pkg/flow"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence/file"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// maxTimeoutRounds bounds --fire-timeouts for flows that wait again after a timeout.
const maxTimeoutRounds = 10

type actionReport struct {
	NodeID      string             `yaml:"node_id"`
	MessageType models.MessageType `yaml:"message_type"`
	Content     map[string]any     `yaml:"content"`
}

type executionReport struct {
	FlowID        string         `yaml:"flow_id"`
	InstanceID    string         `yaml:"instance_id"`
	Status        string         `yaml:"status"`
	CurrentNodeID string         `yaml:"current_node_id"`
	FailureReason string         `yaml:"failure_reason,omitempty"`
	Error         string         `yaml:"error,omitempty"`
	Actions       []actionReport `yaml:"actions,omitempty"`
}

type stepReport struct {
	Input      string            `yaml:"input"`
	Executions []executionReport `yaml:"executions"`
}

type simulationReport struct {
	Warnings []string          `yaml:"warnings,omitempty"`
	Steps    []stepReport      `yaml:"steps"`
	Final    []executionReport `yaml:"final"`
}

type simulation struct {
	flows        []string
	messages     []string
	contact      *models.Contact
	fireTimeouts bool
	logLevel     string
}

func NewSimulateCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "flow",
			Aliases:  []string{"f"},
			Usage:    "Flow definition file, repeatable",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "text",
			Aliases: []string{"t"},
			Usage:   "Inbound text message, repeatable and sent in order",
		},
		&cli.StringFlag{
			Name:  "contact-id",
			Value: "sim-contact",
			Usage: "Contact id",
		},
		&cli.StringFlag{
			Name:  "contact-name",
			Usage: "Contact name",
		},
		&cli.StringFlag{
			Name:  "phone",
			Value: "+15550000000",
			Usage: "Contact phone number",
		},
		&cli.StringSliceFlag{
			Name:  "label",
			Usage: "Contact label, repeatable",
		},
		&cli.StringSliceFlag{
			Name:  "variant",
			Usage: "Variant field as key=value, repeatable",
		},
		&cli.StringSliceFlag{
			Name:  "hidden-variant",
			Usage: "Variant field key not available in flows, repeatable",
		},
		&cli.StringSliceFlag{
			Name:  "custom",
			Usage: "Custom field as key=value, repeatable",
		},
		&cli.BoolFlag{
			Name:  "fire-timeouts",
			Usage: "After the last message, expire every pending wait_for_reply",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Value: "warn",
			Usage: "Log level of the engine and the log dispatcher",
		},
	}
	flags = append(flags, cmd.AutomationFlags()...)

	return &cli.Command{
		Name:    "simulate",
		Aliases: []string{"s"},
		Usage:   "Run messages through flow definitions with an in-memory store, without sending anything",
		Flags:   flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			contact := &models.Contact{
				ID:                  command.String("contact-id"),
				Name:                command.String("contact-name"),
				PhoneNumber:         command.String("phone"),
				Labels:              command.StringSlice("label"),
				VariantFieldValues:  keyValues(command.StringSlice("variant")),
				HiddenVariantFields: command.StringSlice("hidden-variant"),
				CustomFields:        keyValues(command.StringSlice("custom")),
			}

			sim := simulation{
				flows:        command.StringSlice("flow"),
				messages:     command.StringSlice("text"),
				contact:      contact,
				fireTimeouts: command.Bool("fire-timeouts"),
				logLevel:     command.String("log-level"),
			}

			report, err := sim.run(ctx, command)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			return writeReport(command.Root().Writer, report)
		},
	}
}

func (s simulation) run(ctx context.Context, command *cli.Command) (*simulationReport, error) {
	logger := slog.New(log.NewHandler(os.Stderr, s.logLevel, "text")).With("module", "chatflow-simulate")
	store := memory.NewPersistence()
	report := &simulationReport{}

	tenantID := ""

	for i, path := range s.flows {
		f, err := file.LoadFlowFile(path)
		if err != nil {
			return nil, err
		}

		if tenantID == "" {
			tenantID = f.TenantID
			if tenantID == "" {
				tenantID = defaultTenant
			}
		}

		f.TenantID = tenantID
		f.Active = true

		if f.ID == "" {
			f.ID = path
		}

		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Date(2000, 1, 1, 0, 0, i, 0, time.UTC)
		}

		validation := flow.Validate(f)
		if !validation.Valid() {
			return nil, fmt.Errorf("%s: %w", path, validation.Err())
		}

		for _, warning := range validation.Warnings {
			report.Warnings = append(report.Warnings, path+": "+warning)
		}

		if err := store.SaveFlow(ctx, f); err != nil {
			return nil, err
		}
	}

	s.contact.TenantID = tenantID

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	automation, err := cmd.NewAutomation(logger, command, store, logdispatcher.NewDispatcher(logger),
		services.WithClock(clock))
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}

	var order []string

	track := func(results []*models.ExecutionResult) []executionReport {
		executions := make([]executionReport, 0, len(results))

		for _, result := range results {
			if !seen[result.Instance.ID] {
				seen[result.Instance.ID] = true
				order = append(order, result.Instance.ID)
			}

			executions = append(executions, describe(result.Instance, result.Actions))
		}

		return executions
	}

	for _, text := range s.messages {
		now = now.Add(time.Second)

		message := &models.InboundEvent{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			ContactID:   s.contact.ID,
			MessageType: models.MessageTypeText,
			Content:     map[string]any{"text": text},
			ReceivedAt:  now,
			Contact:     s.contact,
		}

		results, err := automation.HandleInbound(ctx, message)
		if err != nil {
			return nil, err
		}

		report.Steps = append(report.Steps, stepReport{Input: text, Executions: track(results)})
	}

	for round := 0; s.fireTimeouts && round < maxTimeoutRounds; round++ {
		active, err := automation.ActiveInstances(ctx, tenantID, s.contact.ID)
		if err != nil {
			return nil, err
		}

		var results []*models.ExecutionResult

		for _, instance := range active {
			if !instance.IsWaiting() || instance.TimeoutAt == nil {
				continue
			}

			if instance.TimeoutAt.After(now) {
				now = *instance.TimeoutAt
			}

			result, err := automation.HandleTimeout(ctx, instance.ID)
			if err != nil {
				return nil, err
			}

			if !result.Noop {
				results = append(results, result)
			}
		}

		if len(results) == 0 {
			break
		}

		report.Steps = append(report.Steps, stepReport{Input: "(timeout)", Executions: track(results)})
	}

	for _, id := range order {
		instance, err := store.InstanceByID(ctx, id)
		if err != nil {
			return nil, err
		}

		report.Final = append(report.Final, describe(instance, nil))
	}

	return report, nil
}

func describe(instance *models.Instance, actions []models.Action) executionReport {
	execution := executionReport{
		FlowID:        instance.FlowID,
		InstanceID:    instance.ID,
		Status:        string(instance.Status),
		CurrentNodeID: instance.CurrentNodeID,
		FailureReason: string(instance.FailureReason),
		Error:         instance.Error,
	}

	for _, action := range actions {
		execution.Actions = append(execution.Actions, actionReport{
			NodeID:      action.NodeID,
			MessageType: action.MessageType,
			Content:     action.Content,
		})
	}

	return execution
}

func writeReport(w io.Writer, report *simulationReport) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	if err := encoder.Encode(report); err != nil {
		return err
	}

	return encoder.Close()
}

func keyValues(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}

	values := make(map[string]string, len(pairs))

	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return values
}
