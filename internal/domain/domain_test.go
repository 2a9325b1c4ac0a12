package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	require.NoError(t, ValidateTransition(TaskPending, TaskInProgress))
	require.NoError(t, ValidateTransition(TaskInProgress, TaskCompleted))
	require.NoError(t, ValidateTransition(TaskInProgress, TaskPending))
	require.NoError(t, ValidateTransition(TaskInProgress, TaskFailed))

	assert.Error(t, ValidateTransition(TaskPending, TaskCompleted))
	assert.Error(t, ValidateTransition(TaskCompleted, TaskPending))
	assert.Error(t, ValidateTransition(TaskCompleted, TaskInProgress))
	assert.Error(t, ValidateTransition(TaskFailed, TaskInProgress))
	assert.Error(t, ValidateTransition("bogus", TaskPending))
}

func TestTaskTypeOwners(t *testing.T) {
	assert.Equal(t, AgentParser, TaskParseInvoice.Agent())
	assert.Equal(t, AgentBookkeeper, TaskSuggestBooking.Agent())
	assert.Equal(t, AgentLearner, TaskLearnCorrection.Agent())
	assert.Equal(t, AgentLearner, TaskReinforcePattern.Agent())
}

func TestEntryBalance(t *testing.T) {
	entry := Entry{Postings: []Posting{
		{Account: "6300", Debit: 80000},
		{Account: "2710", Debit: 20000},
		{Account: "2400", Credit: 100000},
	}}
	assert.True(t, entry.Balanced())
	assert.Equal(t, "6300", entry.PrimaryAccount())

	moved := entry.WithPrimaryAccount("6340")
	assert.Equal(t, "6340", moved.PrimaryAccount())
	assert.Equal(t, "6300", entry.PrimaryAccount())

	entry.Postings[2].Credit = 90000
	assert.False(t, entry.Balanced())
	assert.False(t, Entry{}.Balanced())
}

func TestParseEventType(t *testing.T) {
	got, err := ParseEventType("invoice_received")
	require.NoError(t, err)
	assert.Equal(t, EventInvoiceReceived, got)

	_, err = ParseEventType("invoice_deleted")
	assert.Error(t, err)
}
