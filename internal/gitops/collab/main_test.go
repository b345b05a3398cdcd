/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Nopea

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collab

import (
	"context"
	"os"
	"testing"

	"github.com/nopea-io/gitops-reconciler/internal/metrics"
)

// TestMain wires up the OTel-to-Prometheus metrics bridge once for this
// package's test binary, since Client records metrics unconditionally and
// the underlying instruments are nil until InitOTLPExporter has run.
func TestMain(m *testing.M) {
	if _, err := metrics.InitOTLPExporter(context.Background()); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
