// Copyright 2020 The uWebSockets Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

// Outbound message blocks come in 16-byte size classes with a single cached
// block per class. The loop is single-threaded, so there is no locking.
// Requests larger than poolMaxBlockSize bypass the cache entirely.
const poolMaxBlockSize = 1024

type memoryPool struct {
	cached [(poolMaxBlockSize >> 4) + 1][]byte
}

// blockIndex returns the size class for a block of the given length.
// Class i holds blocks of capacity i*16.
func blockIndex(length int) int {
	idx := length >> 4
	if length&15 != 0 {
		idx++
	}
	return idx
}

// getBlock returns a byte slice of the given length. The contents are
// unspecified; callers overwrite the block before use.
func (p *memoryPool) getBlock(length int) []byte {
	idx := blockIndex(length)
	if idx >= len(p.cached) {
		return make([]byte, length)
	}
	if b := p.cached[idx]; b != nil {
		p.cached[idx] = nil
		return b[:length]
	}
	return make([]byte, length, idx<<4)
}

// putBlock returns a block obtained from getBlock. Blocks from unknown
// allocations and classes that already hold a cached block are dropped.
func (p *memoryPool) putBlock(b []byte) {
	c := cap(b)
	if c == 0 || c&15 != 0 {
		return
	}
	idx := c >> 4
	if idx >= len(p.cached) || p.cached[idx] != nil {
		return
	}
	p.cached[idx] = b[:c]
}
