// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/actions"
)

func TestEchoRegistryHasApp(t *testing.T) {
	r := actions.NewEchoRegistry()
	assert.True(t, r.HasApp("echo"))
	assert.False(t, r.HasApp("network"))
}

func TestEchoRegistryHasAction(t *testing.T) {
	r := actions.NewEchoRegistry()
	assert.True(t, r.HasAction("echo", "reply"))
	assert.False(t, r.HasAction("echo", "ping"))
	assert.False(t, r.HasAction("network", "reply"))
}

func TestEchoRegistryInstance(t *testing.T) {
	r := actions.NewEchoRegistry()

	inst, ok, err := r.Instance(context.Background(), "echo", "any-device")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, inst.Shutdown(context.Background()))

	_, _, err = r.Instance(context.Background(), "network", "any-device")
	assert.Error(t, err)
}

func TestEchoRegistryExecuteReturnsInputsUnchanged(t *testing.T) {
	r := actions.NewEchoRegistry()
	inst, _, err := r.Instance(context.Background(), "echo", "any-device")
	require.NoError(t, err)

	inputs := map[string]any{"message": "hello"}
	got, err := r.Execute(context.Background(), inst, "echo", "reply", inputs)
	require.NoError(t, err)
	assert.Equal(t, inputs, got)
}

func TestEchoRegistryExecuteRejectsUnknownAction(t *testing.T) {
	r := actions.NewEchoRegistry()
	inst, _, err := r.Instance(context.Background(), "echo", "any-device")
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), inst, "echo", "ping", nil)
	assert.Error(t, err)
}
