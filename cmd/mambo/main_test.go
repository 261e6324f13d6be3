// Copyright 2024 The MAMBO-V Authors.
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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexAcceptsWithAndWithoutPrefix(t *testing.T) {
	v, err := parseHex("0x1000")
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, v)

	v, err = parseHex("1000")
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, v)
}

func TestParseHexRejectsGarbage(t *testing.T) {
	_, err := parseHex("not-hex")
	assert.Error(t, err)
}

func TestNewRootCmdRequiresAtLeastOneArg(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs(nil)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	assert.Error(t, cmd.Execute())
}
