/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenafp_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaheap/arenaheap/explicit"
	"github.com/arenaheap/arenaheap/hash/arenafp"
	"github.com/arenaheap/arenaheap/implicit"
)

func TestOf_StableForUnchangedArena(t *testing.T) {
	a := make([]byte, 128)
	for i := range a {
		a[i] = byte(i)
	}
	assert.Equal(t, arenafp.Of(a), arenafp.Of(a))
}

func TestOf_ChangesWithAnySingleByte(t *testing.T) {
	base := make([]byte, 64)
	want := arenafp.Of(base)
	for i := range base {
		mutated := append([]byte(nil), base...)
		mutated[i] ^= 0xFF
		assert.NotEqual(t, want, arenafp.Of(mutated), "byte %d", i)
	}
}

func TestOf_EmptyArena(t *testing.T) {
	assert.Equal(t, arenafp.Of(nil), arenafp.Of([]byte{}))
}

// TestOf_TracksDumpAcrossAlloc exercises the only way this module
// actually calls Of: implicit.Dump and explicit.Dump stamp a fingerprint of
// the whole arena into their output, so two dumps taken around a mutating
// operation must disagree, and two dumps of an otherwise-untouched heap
// (Dump itself never mutates state) must agree.
func TestOf_TracksDumpAcrossAlloc(t *testing.T) {
	ih, err := implicit.New(make([]byte, 4096))
	require.NoError(t, err)

	var before, again, after bytes.Buffer
	ih.Dump(&before)
	ih.Dump(&again)
	require.Equal(t, before.String(), again.String(), "Dump must not mutate state")

	block := ih.Alloc(64)
	require.NotNil(t, block)
	copy(block, []byte("stamped"))
	ih.Dump(&after)
	assert.NotEqual(t, before.String(), after.String())

	eh, err := explicit.New(make([]byte, 4096))
	require.NoError(t, err)
	var ebefore, eafter bytes.Buffer
	eh.Dump(&ebefore)
	b := eh.Alloc(64)
	require.NotNil(t, b)
	copy(b, []byte("stamped"))
	eh.Dump(&eafter)
	assert.NotEqual(t, ebefore.String(), eafter.String())
}
