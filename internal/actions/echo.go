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

// Package actions provides a minimal, built-in app registry: the real
// app/action catalog a deployment would register (HTTP calls, shell
// steps, file operations, and so on) lives outside this module, so
// meshflowd and meshflow-worker need something to resolve steps
// against before any such catalog is wired in. EchoRegistry exposes a
// single "echo" app with a "reply" action that hands its inputs back
// unchanged, enough to exercise a worker end to end.
package actions

import (
	"context"
	"fmt"

	"github.com/meshflow/meshflow/internal/util"
	"github.com/meshflow/meshflow/pkg/workflow"
)

var (
	echoApps    = []string{"echo"}
	echoActions = []string{"reply"}
)

// EchoRegistry is a single-app, single-action workflow.AppRegistry
// and worker.ActionRunner: app "echo", action "reply".
type EchoRegistry struct{}

// NewEchoRegistry creates an EchoRegistry.
func NewEchoRegistry() *EchoRegistry {
	return &EchoRegistry{}
}

// HasApp reports whether app is known.
func (r *EchoRegistry) HasApp(app string) bool {
	return util.Contains(echoApps, app)
}

// HasAction reports whether app exposes action.
func (r *EchoRegistry) HasAction(app, action string) bool {
	return util.Contains(echoApps, app) && util.Contains(echoActions, action)
}

// echoInstance is the AppInstance handed back for every (app, device)
// pairing; it holds no state and shuts down instantly.
type echoInstance struct{}

func (echoInstance) Shutdown(ctx context.Context) error { return nil }

// Instance returns the shared echo instance for app. device is
// ignored since the instance is stateless.
func (r *EchoRegistry) Instance(ctx context.Context, app, device string) (workflow.AppInstance, bool, error) {
	if app != "echo" {
		return nil, false, fmt.Errorf("actions: unknown app %q", app)
	}
	return echoInstance{}, true, nil
}

// Execute runs action against instance. The only action "echo"
// exposes is "reply", which returns inputs unchanged.
func (r *EchoRegistry) Execute(ctx context.Context, instance workflow.AppInstance, app, action string, inputs map[string]any) (any, error) {
	if app != "echo" || action != "reply" {
		return nil, fmt.Errorf("actions: unknown action %s.%s", app, action)
	}
	return inputs, nil
}
