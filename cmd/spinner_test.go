package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithSpinnerReturnsWaitError(t *testing.T) {
	waitErr := errors.New("first sync failed")
	var output bytes.Buffer

	err := runWithSpinner(context.Background(), &output, "Waiting for the first sync...", func(context.Context) error {
		return waitErr
	})
	require.ErrorIs(t, err, waitErr)
}

func TestRunWithSpinnerAnnouncesLabelBeforeFirstFrame(t *testing.T) {
	var output bytes.Buffer

	err := runWithSpinner(context.Background(), &output, "Waiting for the first sync...", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output.String(), "Waiting for the first sync...\n"))
}

func TestWaitSpinnerViewWithoutLabel(t *testing.T) {
	m := newWaitSpinnerModel("", nil)
	assert.Equal(t, m.spinner.View(), m.View())

	m.started = time.Now().Add(-2 * time.Second)
	assert.Equal(t, m.spinner.View()+" 2s", m.View())
}

func TestWaitSpinnerViewShowsElapsedTime(t *testing.T) {
	m := newWaitSpinnerModel("Waiting...", nil)
	assert.True(t, strings.HasSuffix(m.View(), "Waiting..."))

	m.started = time.Now().Add(-3 * time.Second)
	assert.Contains(t, m.View(), "Waiting... 3s")

	m.done = true
	assert.Empty(t, m.View())
}
