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

package k8sops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaParseGroupVersion(t *testing.T) {
	gv, err := schemaParseGroupVersion("nopea.io/v1alpha1")
	require.NoError(t, err)
	assert.Equal(t, "nopea.io", gv.Group)
	assert.Equal(t, "v1alpha1", gv.Version)

	gv, err = schemaParseGroupVersion("v1")
	require.NoError(t, err)
	assert.Equal(t, "", gv.Group)
	assert.Equal(t, "v1", gv.Version)
}

func TestBoolPtr(t *testing.T) {
	p := boolPtr(true)
	require.NotNil(t, p)
	assert.True(t, *p)
}
