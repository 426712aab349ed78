package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

func TestValidateStepTransition(t *testing.T) {
	tests := []struct {
		from, to models.StepStatus
		ok       bool
	}{
		{"", models.StepInProgress, true},
		{models.StepPending, models.StepInProgress, true},
		{models.StepPending, models.StepSkipped, true},
		{models.StepInProgress, models.StepCompleted, true},
		{models.StepInProgress, models.StepFailed, true},
		{models.StepInProgress, models.StepInProgress, true},
		{models.StepCompleted, models.StepCompleted, true},

		{models.StepCompleted, models.StepInProgress, false},
		{models.StepFailed, models.StepInProgress, false},
		{models.StepSkipped, models.StepInProgress, false},
		{models.StepCompleted, models.StepFailed, false},
		{models.StepInProgress, models.StepSkipped, false},
		{models.StepInProgress, models.StepPending, false},
	}
	for _, tc := range tests {
		err := ValidateStepTransition(models.StepOCR, tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrStepRegression, "%s -> %s", tc.from, tc.to)
		}
	}
}
