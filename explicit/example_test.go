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

package explicit_test

import (
	"fmt"

	"github.com/arenaheap/arenaheap/explicit"
)

func ExampleNew() {
	h, err := explicit.New(make([]byte, 4096))
	if err != nil {
		panic(err)
	}

	a := h.Alloc(32)
	b := h.Alloc(32)
	copy(a, []byte("first block"))
	copy(b, []byte("second block"))

	h.Free(a) // a's right neighbor (b) is still allocated: no merge yet
	fmt.Println(h.Validate())

	h.Free(b) // b merges with the free remainder on its right; a stays separate
	fmt.Println(h.Stats().Used)
	// Output:
	// true
	// 0
}
