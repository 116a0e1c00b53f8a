// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package invariants reports whether the build checks internal assertions.
// Building with the "invariants" or "race" tag turns them on.
package invariants
