package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const qualifyFlow = `
id: qualify
tenant_id: acme
name: Lead qualification
trigger:
  - field: content.text
    operator: contains
    value: pricing
entry_node_id: greet
nodes:
  greet:
    type: send_message
    content:
      text: "Hi {{ .contact.name }}, want a demo?"
    next: wait
  wait:
    type: wait_for_reply
    timeout_seconds: 3600
    on_reply_next: check
    on_timeout_next: reminder
  check:
    type: condition
    clauses:
      - field: content.text
        operator: contains
        value: "yes"
    true_next: booked
    false_next: bye
  booked:
    type: send_message
    content:
      text: Booked!
  bye:
    type: send_message
    content:
      text: Maybe next time.
  reminder:
    type: send_message
    content:
      text: Still there?
`

const loopFlow = `
id: loop
tenant_id: acme
name: Loop flow
entry_node_id: a
nodes:
  a:
    type: condition
    true_next: b
  b:
    type: condition
    true_next: a
`

const brokenFlow = `
id: broken
tenant_id: acme
name: Broken flow
entry_node_id: missing
nodes:
  a:
    type: send_message
    content:
      text: hi
    next: nowhere
`

func writeFlow(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	command := NewCommand()
	command.Writer = &out
	command.ErrWriter = &out
	command.ExitErrHandler = func(context.Context, *cli.Command, error) {}

	err := command.Run(context.Background(), append([]string{"chatflow"}, args...))

	return out.String(), err
}

func TestValidateFiles(t *testing.T) {
	valid := writeFlow(t, "qualify.yaml", qualifyFlow)
	loop := writeFlow(t, "loop.yaml", loopFlow)
	broken := writeFlow(t, "broken.yaml", brokenFlow)

	t.Run("valid flow", func(t *testing.T) {
		var out bytes.Buffer

		require.NoError(t, validateFiles(&out, []string{valid}))
		assert.Contains(t, out.String(), valid+": ok")
	})

	t.Run("cycle is only a warning", func(t *testing.T) {
		var out bytes.Buffer

		require.NoError(t, validateFiles(&out, []string{loop}))
		assert.Contains(t, out.String(), loop+": warning:")
		assert.Contains(t, out.String(), loop+": ok")
	})

	t.Run("dangling references are errors", func(t *testing.T) {
		var out bytes.Buffer

		err := validateFiles(&out, []string{valid, broken})
		require.ErrorIs(t, err, ErrInvalidFlows)
		assert.Contains(t, err.Error(), "1 of 2")
		assert.Contains(t, out.String(), broken+": error:")
		assert.NotContains(t, out.String(), broken+": ok")
	})

	t.Run("unreadable file", func(t *testing.T) {
		var out bytes.Buffer

		err := validateFiles(&out, []string{filepath.Join(t.TempDir(), "nope.yaml")})
		require.ErrorIs(t, err, ErrInvalidFlows)
	})
}

func TestValidateCommand(t *testing.T) {
	_, err := run(t, "validate")
	require.Error(t, err)

	var exitErr cli.ExitCoder
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode())

	out, err := run(t, "validate", writeFlow(t, "qualify.yaml", qualifyFlow))
	require.NoError(t, err)
	assert.Contains(t, out, ": ok")
}

func decodeReport(t *testing.T, out string) simulationReport {
	t.Helper()

	var report simulationReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))

	return report
}

func TestSimulate(t *testing.T) {
	path := writeFlow(t, "qualify.yaml", qualifyFlow)

	t.Run("reply branch", func(t *testing.T) {
		out, err := run(t, "simulate", "--flow", path, "--contact-name", "Ana",
			"--text", "what is your pricing?", "--text", "yes please")
		require.NoError(t, err)

		report := decodeReport(t, out)
		require.Len(t, report.Steps, 2)

		first := report.Steps[0]
		assert.Equal(t, "what is your pricing?", first.Input)
		require.Len(t, first.Executions, 1)
		assert.Equal(t, "waiting_for_reply", first.Executions[0].Status)
		assert.Equal(t, "wait", first.Executions[0].CurrentNodeID)
		require.Len(t, first.Executions[0].Actions, 1)
		assert.Equal(t, "Hi Ana, want a demo?", first.Executions[0].Actions[0].Content["text"])

		second := report.Steps[1].Executions
		require.Len(t, second, 1)
		assert.Equal(t, "completed", second[0].Status)
		require.Len(t, second[0].Actions, 1)
		assert.Equal(t, "Booked!", second[0].Actions[0].Content["text"])

		require.Len(t, report.Final, 1)
		assert.Equal(t, "completed", report.Final[0].Status)
	})

	t.Run("message that triggers nothing", func(t *testing.T) {
		out, err := run(t, "simulate", "--flow", path, "--text", "hello")
		require.NoError(t, err)

		report := decodeReport(t, out)
		require.Len(t, report.Steps, 1)
		assert.Empty(t, report.Steps[0].Executions)
		assert.Empty(t, report.Final)
	})

	t.Run("fire timeouts", func(t *testing.T) {
		out, err := run(t, "simulate", "--flow", path, "--text", "pricing", "--fire-timeouts")
		require.NoError(t, err)

		report := decodeReport(t, out)
		require.Len(t, report.Steps, 2)
		assert.Equal(t, "(timeout)", report.Steps[1].Input)

		timeout := report.Steps[1].Executions
		require.Len(t, timeout, 1)
		assert.Equal(t, "completed", timeout[0].Status)
		require.Len(t, timeout[0].Actions, 1)
		assert.Equal(t, "Still there?", timeout[0].Actions[0].Content["text"])
	})

	t.Run("invalid flow file", func(t *testing.T) {
		_, err := run(t, "simulate", "--flow", writeFlow(t, "broken.yaml", brokenFlow), "--text", "hi")
		require.Error(t, err)
	})
}

func TestKeyValues(t *testing.T) {
	assert.Nil(t, keyValues(nil))
	assert.Equal(t, map[string]string{"plan": "gold", "empty": ""}, keyValues([]string{"plan = gold", "empty"}))
}
