package plugin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/plugin"
)

func TestInvokeRejectsMalformedModule(t *testing.T) {
	runner := plugin.NewRunner(5 * time.Millisecond)
	defer runner.Close()

	_, err := runner.Invoke(context.Background(), []byte("not a wasm module"), "run", plugin.ResourceLimits{}, plugin.HostcallPolicy{}, nil)
	require.Error(t, err)
}

func TestInvokeRejectsEmptyModuleBytes(t *testing.T) {
	runner := plugin.NewRunner(5 * time.Millisecond)
	defer runner.Close()

	_, err := runner.Invoke(context.Background(), nil, "run", plugin.ResourceLimits{}, plugin.HostcallPolicy{}, nil)
	assert.Error(t, err)
}

func TestHostcallPolicyDeniesByDefault(t *testing.T) {
	assert.False(t, plugin.HostcallPolicy{}.Allows(plugin.CapabilityHostLog))
	assert.False(t, plugin.HostcallPolicy{Enabled: true}.Allows(plugin.CapabilityHostLog),
		"enabled alone must not grant a capability absent from the manifest's CapabilitySet")
	assert.False(t, plugin.HostcallPolicy{Capabilities: []string{plugin.CapabilityHostLog}}.Allows(plugin.CapabilityHostLog),
		"a declared capability must not be granted when hostcalls are disabled")
	assert.True(t, plugin.HostcallPolicy{Enabled: true, Capabilities: []string{plugin.CapabilityHostLog}}.Allows(plugin.CapabilityHostLog))
}
