// Copyright 2023 The sparkgate Authors
// This file is part of the sparkgate library.
//
// The sparkgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sparkgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sparkgate library. If not, see <http://www.gnu.org/licenses/>.

package gateway

import (
	"encoding/json"
	"strings"

	"github.com/sparkgate/sparkgate/coap"
)

// Description is the device's own account of its exposed variables and
// callable functions, parsed from a DescribeReturn payload. The payload is
// JSON of the form
//
//	{"v":{"temperature":2},"f":["reset",{"name":"led","args":[["state","string"]]}]}
//
// where variable values are wire type codes and function entries are either
// bare names or objects with an argument signature.
type Description struct {
	Variables map[string]int
	Functions []Function
}

// Function describes one callable. Args is nil when the device listed only
// the name; argument strings are then passed through unchecked.
type Function struct {
	Name    string
	Args    []FunctionArg
	Returns string
}

type FunctionArg struct {
	Name string
	Type string
}

func parseDescription(payload []byte) (*Description, error) {
	var raw struct {
		V map[string]int    `json:"v"`
		F []json.RawMessage `json:"f"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, introspectionErrorf("bad device description: %v", err)
	}
	d := &Description{Variables: raw.V}
	if d.Variables == nil {
		d.Variables = make(map[string]int)
	}
	for _, entry := range raw.F {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			d.Functions = append(d.Functions, Function{Name: name})
			continue
		}
		var obj struct {
			Name    string     `json:"name"`
			Args    [][]string `json:"args"`
			Returns string     `json:"returns"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil || obj.Name == "" {
			return nil, introspectionErrorf("bad function entry in device description")
		}
		fn := Function{Name: obj.Name, Returns: obj.Returns}
		if obj.Args != nil {
			fn.Args = make([]FunctionArg, 0, len(obj.Args))
			for _, a := range obj.Args {
				var arg FunctionArg
				if len(a) > 0 {
					arg.Name = a[0]
				}
				if len(a) > 1 {
					arg.Type = a[1]
				}
				fn.Args = append(fn.Args, arg)
			}
		}
		d.Functions = append(d.Functions, fn)
	}
	return d, nil
}

// Function returns the named function's descriptor, or nil.
func (d *Description) Function(name string) *Function {
	for i := range d.Functions {
		if d.Functions[i].Name == name {
			return &d.Functions[i]
		}
	}
	return nil
}

// VariableType returns the decode type name for a variable, defaulting to
// string when the variable is not listed.
func (d *Description) VariableType(name string) string {
	if code, ok := d.Variables[name]; ok {
		return coap.TypeName(code)
	}
	return "string"
}

// encodeFunctionArgs turns a raw comma-separated argument string into the
// Uri-Query elements of a FunctionCall. An empty string means no arguments.
func encodeFunctionArgs(fn *Function, raw string) ([]string, error) {
	if raw == "" {
		if len(fn.Args) > 0 {
			return nil, introspectionErrorf("%s takes %d arguments, got 0", fn.Name, len(fn.Args))
		}
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if fn.Args != nil && len(parts) != len(fn.Args) {
		return nil, introspectionErrorf("%s takes %d arguments, got %d", fn.Name, len(fn.Args), len(parts))
	}
	return parts, nil
}

// DeviceDescription is the introspection summary handed to the backend.
type DeviceDescription struct {
	DeviceID        string            `json:"deviceId"`
	ProductID       uint16            `json:"productId"`
	FirmwareVersion uint16            `json:"firmwareVersion"`
	PlatformID      uint16            `json:"platformId"`
	Variables       map[string]string `json:"variables"`
	Functions       []string          `json:"functions"`
}

func summarize(id string, hello coap.HelloPayload, d *Description) *DeviceDescription {
	out := &DeviceDescription{
		DeviceID:        id,
		ProductID:       hello.ProductID,
		FirmwareVersion: hello.FirmwareVersion,
		PlatformID:      hello.PlatformID,
		Variables:       make(map[string]string, len(d.Variables)),
	}
	for name, code := range d.Variables {
		out.Variables[name] = coap.TypeName(code)
	}
	for _, fn := range d.Functions {
		out.Functions = append(out.Functions, fn.Name)
	}
	return out
}
