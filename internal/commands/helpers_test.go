package commands

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dwsmith1983/vaultflow/internal/apply"
	"github.com/dwsmith1983/vaultflow/internal/store"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(fmt.Errorf("boom")))
	assert.Equal(t, ExitPrecondition, ExitCode(fmt.Errorf("claiming: %w", store.ErrPreconditionFailed)))
	assert.Equal(t, ExitTransient, ExitCode(&store.TransientError{Err: fmt.Errorf("throttled")}))
	assert.Equal(t, ExitProtocol, ExitCode(fmt.Errorf("registering: %w", store.ErrDuplicateChecksum)))
	assert.Equal(t, ExitProtocol, ExitCode(fmt.Errorf("apply: %w", apply.ErrIncompatibleSchemaChange)))
	assert.Equal(t, ExitProtocol, ExitCode(fmt.Errorf("apply: %w", apply.ErrManifestMissing)))
}
