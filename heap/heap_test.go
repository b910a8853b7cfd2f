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

package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundUp8(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 0},
		{1, 8},
		{7, 8},
		{8, 8},
		{9, 16},
		{63, 64},
		{64, 64},
		{100, 104},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RoundUp8(c.in), "RoundUp8(%d)", c.in)
	}
}

func TestStats_SumsToLength(t *testing.T) {
	s := Stats{Length: 4096, Used: 128, Free: 3968}
	assert.Equal(t, s.Length, s.Used+s.Free)
}
