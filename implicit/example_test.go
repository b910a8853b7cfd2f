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

package implicit_test

import (
	"fmt"

	"github.com/arenaheap/arenaheap/implicit"
)

func ExampleNew() {
	h, err := implicit.New(make([]byte, 4096))
	if err != nil {
		panic(err)
	}

	greeting := h.Alloc(16)
	copy(greeting, []byte("hello, arena"))

	fmt.Println(string(greeting[:12]))
	fmt.Println(h.Validate())

	h.Free(greeting)
	fmt.Println(h.Stats().Used)
	// Output:
	// hello, arena
	// true
	// 0
}
