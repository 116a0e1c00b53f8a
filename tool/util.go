// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

// key is a pflag.Value holding a user key given either verbatim, as
// "hex:<digits>" or as "raw:<bytes>".
type key []byte

func (k *key) String() string {
	return string(*k)
}

func (k *key) Type() string {
	return "key"
}

func (k *key) Set(v string) error {
	switch {
	case strings.HasPrefix(v, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(v, "hex:"))
		if err != nil {
			return err
		}
		*k = key(b)

	case strings.HasPrefix(v, "raw:"):
		*k = key(strings.TrimPrefix(v, "raw:"))

	default:
		*k = key(v)
	}
	return nil
}

// formatterFunc adapts a function to fmt.Formatter.
type formatterFunc func(s fmt.State)

func (f formatterFunc) Format(s fmt.State, _ rune) { f(s) }

// formatter is a pflag.Value selecting how keys or values are printed:
// "quoted", "hex", "null" or a format string with a single verb.
type formatter struct {
	spec string
	fn   base.FormatKey
}

func (f *formatter) String() string {
	return f.spec
}

func (f *formatter) Type() string {
	return "formatter"
}

func (f *formatter) Set(spec string) error {
	switch spec {
	case "hex":
		f.fn = func(v []byte) fmt.Formatter {
			return formatterFunc(func(s fmt.State) { fmt.Fprintf(s, "%x", v) })
		}
	case "null":
		f.fn = func(v []byte) fmt.Formatter {
			return formatterFunc(func(fmt.State) {})
		}
	case "quoted":
		f.fn = func(v []byte) fmt.Formatter {
			return formatterFunc(func(s fmt.State) { formatQuoted(s, v) })
		}
	default:
		if strings.Count(spec, "%") != 1 {
			return errors.Errorf("unknown formatter: %q", spec)
		}
		f.fn = func(v []byte) fmt.Formatter {
			return formatterFunc(func(s fmt.State) { fmt.Fprintf(s, spec, v) })
		}
	}
	f.spec = spec
	return nil
}

func (f *formatter) mustSet(spec string) {
	if err := f.Set(spec); err != nil {
		panic(err)
	}
}

func formatQuoted(w io.Writer, v []byte) {
	q := strconv.AppendQuote(make([]byte, 0, len(v)+2), string(v))
	_, _ = w.Write(q[1 : len(q)-1])
}

// formatKeyValue writes one entry on a line, omitting the parts whose
// formatter is "null".
func formatKeyValue(w io.Writer, fmtKey, fmtValue formatter, k base.InternalKey, value []byte) {
	needDelimiter := false
	if fmtKey.spec != "null" {
		fmt.Fprintf(w, "%s#%s,%s", fmtKey.fn(k.UserKey), k.SeqNum(), k.Kind())
		needDelimiter = true
	}
	if fmtValue.spec != "null" {
		if needDelimiter {
			fmt.Fprint(w, " ")
		}
		fmt.Fprintf(w, "%s", fmtValue.fn(value))
	}
	fmt.Fprintln(w)
}
