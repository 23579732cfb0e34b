package ledger_test

import (
	"testing"

	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/stretchr/testify/require"
)

func mustKeypair(t *testing.T) *keys.Keypair {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp
}
