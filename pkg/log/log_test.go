// Copyright The Picktwo Authors. All Rights Reserved.
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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerSource(t *testing.T) {
	lg := NewLogger("test-source")
	require.Equal(t, "test-source", lg.Source())

	// The same source returns the same logger.
	require.Equal(t, lg, Get("test-source"))
	require.Equal(t, "default", Default().Source())
}

func TestDebugEnabling(t *testing.T) {
	lg := NewLogger("debug-source")
	other := NewLogger("other-source")

	require.False(t, lg.DebugEnabled())

	EnableDebug("debug-source")
	require.True(t, lg.DebugEnabled())
	require.False(t, other.DebugEnabled())

	DisableDebug("debug-source")
	require.False(t, lg.DebugEnabled())
}

func TestDebugWildcard(t *testing.T) {
	lg := NewLogger("wildcard-source")

	EnableDebug("all")
	require.True(t, lg.DebugEnabled())
	DisableDebug("*")
	require.False(t, lg.DebugEnabled())
}
