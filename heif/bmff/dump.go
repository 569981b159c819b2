/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"fmt"
	"strings"
)

type dumper struct {
	sb     strings.Builder
	indent int
}

func (d *dumper) line(format string, args ...interface{}) {
	for i := 0; i < d.indent; i++ {
		d.sb.WriteString("| ")
	}
	fmt.Fprintf(&d.sb, format, args...)
	d.sb.WriteByte('\n')
}

func dumpBox(d *dumper, b Box) {
	bb := b.base()
	d.line("Box: %s -----", bb.boxType)
	if bb.boxType == TypeUUID {
		d.line("uuid: %x", bb.uuid)
	}
	d.line("size: %d   (header size: %d)", bb.size, bb.headerSize)
	if bb.full {
		d.line("version: %d", bb.version)
		d.line("flags: %x", bb.flags)
	}
	b.dump(d)
	if len(bb.children) > 0 {
		d.indent++
		for i, c := range bb.children {
			if i > 0 {
				d.line("")
			}
			dumpBox(d, c)
		}
		d.indent--
	}
}

// Dump returns a human readable description of b and its children.
func Dump(b Box) string {
	var d dumper
	dumpBox(&d, b)
	return d.sb.String()
}

func fourCCList(types []BoxType) string {
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = t.String()
	}
	return strings.Join(s, ",")
}

func uintList(v []uint32) string {
	s := make([]string, len(v))
	for i, x := range v {
		s[i] = fmt.Sprint(x)
	}
	return strings.Join(s, " ")
}
