// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

// FilterWriter builds one filter from the keys added since the last Finish.
type FilterWriter interface {
	AddKey(key []byte)
	// Finish appends the filter to dst and resets the writer for the next
	// filter.
	Finish(dst []byte) []byte
}

// FilterPolicy is a kind of probabilistic key-set filter, such as a Bloom
// filter. Tables record the name under the metaindex key "filter.<name>", and
// a reader only consults filters whose name matches its own policy, so
// parameters that change the encoding must change the name.
type FilterPolicy interface {
	Name() string
	// MayContain returns false only if key was not added to filter.
	MayContain(filter, key []byte) bool
	NewWriter() FilterWriter
}

// FilterPolicyName returns p's name, or "none" for nil.
func FilterPolicyName(p FilterPolicy) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
