package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/engine"
	"github.com/t77yq/qentl-scheduler/internal/events"
	"github.com/t77yq/qentl-scheduler/internal/model"
)

var submitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a task to a running qentld over NATS",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var (
	submitResource string
	submitPriority int
	submitDemand   float64
	submitDuration time.Duration
	submitPayload  string
	submitPreempt  bool
	submitTimeout  time.Duration
)

func init() {
	submitCmd.Flags().StringVar(&submitResource, "resource", "", "Resource type (cpu, memory, allocatable, storage, network)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", int(model.TaskPriorityNormal), "Priority from 1 (low) to 4 (critical)")
	submitCmd.Flags().Float64Var(&submitDemand, "demand", 1, "Resource demand")
	submitCmd.Flags().DurationVar(&submitDuration, "duration", 0, "Expected duration")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload")
	submitCmd.Flags().BoolVar(&submitPreempt, "preemptible", false, "Allow moving the task to a better unit")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Second, "Request timeout")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	msg := engine.SubmitMessage{
		Type:           args[0],
		ResourceType:   model.ResourceType(submitResource),
		Priority:       model.TaskPriority(submitPriority),
		ResourceDemand: submitDemand,
		Preemptible:    submitPreempt,
	}
	if submitDuration > 0 {
		msg.ExpectedDuration = submitDuration.String()
	}
	if submitPayload != "" {
		if !json.Valid([]byte(submitPayload)) {
			return errors.New("payload is not valid JSON")
		}
		msg.Payload = json.RawMessage(submitPayload)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	nc, err := engine.Connect(cmd.Context(), cfg.NATS, zap.NewNop())
	if err != nil {
		return err
	}
	defer nc.Close()

	resp, err := nc.Request(events.SubmitSubject, data, submitTimeout)
	if err != nil {
		return fmt.Errorf("submitting task: %w", err)
	}

	var reply engine.SubmitReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("task rejected: %s", reply.Error)
	}

	fmt.Printf("Submitted task %d\n", reply.TaskID)
	return nil
}
